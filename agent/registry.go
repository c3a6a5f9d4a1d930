package agent

import (
	"sort"
	"sync"

	"github.com/gosnmp/gosnmp"

	"github.com/geekxflood/subagent/agentx"
	"github.com/geekxflood/subagent/vartypes"
)

// instance is one servable OID: a scalar's instance node or a table cell.
type instance struct {
	oid      agentx.OID
	name     string
	value    *vartypes.Value
	writable bool
}

// scalarReg is a registered scalar. The instance itself lives at base.0.
type scalarReg struct {
	name     string
	base     agentx.OID
	value    *vartypes.Value
	writable bool
}

// setOp is one pending varbind of an open SET transaction, carrying the
// previous wire value for UndoSet.
type setOp struct {
	value    *vartypes.Value
	tag      gosnmp.Asn1BER
	payload  any
	prevTag  gosnmp.Asn1BER
	prevLoad any
}

// registry holds all registered objects and services the AgentX request
// callbacks. Scalars are fixed after start; table rows keep changing, so
// every request works on a freshly sorted snapshot.
type registry struct {
	mu      sync.RWMutex
	scalars []*scalarReg
	tables  []*Table

	setMu   sync.Mutex
	pending map[uint32][]*setOp
}

func newRegistry() *registry {
	return &registry{pending: make(map[uint32][]*setOp)}
}

func (r *registry) addScalar(name string, base agentx.OID, value *vartypes.Value, writable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scalars = append(r.scalars, &scalarReg{name: name, base: base, value: value, writable: writable})
}

func (r *registry) addTable(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = append(r.tables, t)
}

// subtrees returns the OIDs to register with the master, one per scalar
// and one per table.
func (r *registry) subtrees() []agentx.OID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]agentx.OID, 0, len(r.scalars)+len(r.tables))
	for _, s := range r.scalars {
		out = append(out, s.base)
	}
	for _, t := range r.tables {
		out = append(out, t.base)
	}
	return out
}

// conflicts reports whether oid equals or nests with an existing
// registration subtree.
func (r *registry) conflicts(oid agentx.OID) bool {
	for _, sub := range r.subtrees() {
		if oid.HasPrefix(sub) || sub.HasPrefix(oid) {
			return true
		}
	}
	return false
}

// snapshot returns every servable instance in OID order.
func (r *registry) snapshot() []instance {
	r.mu.RLock()
	instances := make([]instance, 0, len(r.scalars))
	for _, s := range r.scalars {
		instances = append(instances, instance{
			oid:      s.base.Append(0),
			name:     s.name,
			value:    s.value,
			writable: s.writable,
		})
	}
	tables := r.tables
	r.mu.RUnlock()

	for _, t := range tables {
		instances = append(instances, t.instances()...)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].oid.Compare(instances[j].oid) < 0
	})
	return instances
}

func (r *registry) find(oid agentx.OID) *instance {
	for _, inst := range r.snapshot() {
		if inst.oid.Compare(oid) == 0 {
			return &inst
		}
	}
	return nil
}

func varbindFor(inst instance) agentx.Varbind {
	tag, payload := inst.value.Wire()
	return agentx.Varbind{Type: uint16(tag), Name: inst.oid, Value: payload}
}

// Get services one GET varbind.
func (r *registry) Get(oid agentx.OID) agentx.Varbind {
	if inst := r.find(oid); inst != nil {
		return varbindFor(*inst)
	}

	// Distinguish a wrong instance under a known object from an OID the
	// agent knows nothing about.
	for _, sub := range r.subtrees() {
		if oid.HasPrefix(sub) {
			return agentx.Varbind{Type: agentx.TypeNoSuchInstance, Name: oid}
		}
	}
	return agentx.Varbind{Type: agentx.TypeNoSuchObject, Name: oid}
}

// GetNext services one GETNEXT/GETBULK search range.
func (r *registry) GetNext(sr agentx.SearchRange) agentx.Varbind {
	for _, inst := range r.snapshot() {
		cmp := inst.oid.Compare(sr.Start)
		if cmp < 0 || (cmp == 0 && !sr.Include) {
			continue
		}
		if len(sr.End) > 0 && inst.oid.Compare(sr.End) >= 0 {
			break
		}
		return varbindFor(inst)
	}
	return agentx.Varbind{Type: agentx.TypeEndOfMIBView, Name: sr.Start}
}

// TestSet validates one SET varbind and stages it for CommitSet.
func (r *registry) TestSet(txID uint32, vb agentx.Varbind) uint16 {
	inst := r.find(vb.Name)
	if inst == nil {
		return agentx.ErrNoCreation
	}
	if !inst.writable {
		return agentx.ErrNotWritable
	}

	tag := gosnmp.Asn1BER(vb.Type)
	if tag != inst.value.Kind().Tag() {
		return agentx.ErrWrongType
	}

	// Dry-run against a throwaway value of the same kind: a payload the
	// kind's bounds reject must fail here, not during commit.
	if err := scratchValue(inst.value.Kind()).SetWire(tag, vb.Value); err != nil {
		return agentx.ErrWrongValue
	}

	prevTag, prevLoad := inst.value.Wire()
	r.setMu.Lock()
	r.pending[txID] = append(r.pending[txID], &setOp{
		value:    inst.value,
		tag:      tag,
		payload:  vb.Value,
		prevTag:  prevTag,
		prevLoad: prevLoad,
	})
	r.setMu.Unlock()
	return agentx.ErrNoError
}

// CommitSet applies every staged varbind of the transaction.
func (r *registry) CommitSet(txID uint32) uint16 {
	r.setMu.Lock()
	ops := r.pending[txID]
	r.setMu.Unlock()

	for _, op := range ops {
		if err := op.value.SetWire(op.tag, op.payload); err != nil {
			return agentx.ErrCommitFailed
		}
	}
	return agentx.ErrNoError
}

// UndoSet restores the pre-transaction values.
func (r *registry) UndoSet(txID uint32) {
	r.setMu.Lock()
	ops := r.pending[txID]
	r.setMu.Unlock()

	for _, op := range ops {
		op.value.SetWire(op.prevTag, op.prevLoad)
	}
}

// CleanupSet drops the transaction's staged state.
func (r *registry) CleanupSet(txID uint32) {
	r.setMu.Lock()
	delete(r.pending, txID)
	r.setMu.Unlock()
}

// scratchValue returns a fresh zero value of the given kind, used for SET
// validation dry runs.
func scratchValue(k vartypes.Kind) *vartypes.Value {
	switch k {
	case vartypes.KindInteger32:
		return vartypes.NewInteger32(0)
	case vartypes.KindUnsigned32:
		return vartypes.NewUnsigned32(0)
	case vartypes.KindCounter32:
		return vartypes.NewCounter32(0)
	case vartypes.KindCounter64:
		return vartypes.NewCounter64(0)
	case vartypes.KindGauge32:
		return vartypes.NewGauge32(0)
	case vartypes.KindTimeTicks:
		return vartypes.NewTimeTicks(0)
	case vartypes.KindTruthValue:
		return vartypes.NewTruthValue(false)
	case vartypes.KindOpaqueFloat:
		return vartypes.NewOpaqueFloat(0)
	case vartypes.KindIpAddress:
		v, _ := vartypes.NewIpAddress("")
		return v
	case vartypes.KindDisplayString:
		return vartypes.NewDisplayString("")
	default:
		return vartypes.NewOctetString(nil)
	}
}
