// Package vartypes implements the SNMP scalar variable kinds a subagent can
// expose: integers, counters, gauges, time ticks, truth values, IP
// addresses, opaque floats and octet/display strings.
//
// The set of kinds is closed. Each kind is a Kind constant carrying its
// byte-layout and bounds rule as data, and every managed variable is a
// *Value tagged with one of those kinds. Construction is pure and separate
// from registration: build the Value first, then hand it to the agent's
// registration step together with the OID and writability.
//
//	ifInOctets := vartypes.NewCounter64(0)
//	sysContact := vartypes.NewDisplayString("admin@example.com")
//
//	err := agent.RegisterScalar("IF-MIB::ifInOctets.1", ifInOctets, false)
//
// Values are safe for concurrent use: the embedding application updates
// them while the session's serve loop reads them for GET processing.
//
// Bounds rules match net-snmp's scalar semantics: Counter32 and Counter64
// wrap modulo 2^32 and 2^64, Gauge32 clamps at 0xFFFFFFFF, strings are
// capped at MaxStringSize bytes and a DisplayString additionally rejects
// non-ASCII content.
package vartypes

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"sync"

	"github.com/gosnmp/gosnmp"
)

// MaxStringSize is the maximum length in bytes of an OctetString or
// DisplayString value.
const MaxStringSize = 1024

// RFC 2579 TruthValue wire representation.
const (
	truthValueTrue  = 1
	truthValueFalse = 2
)

// Kind identifies one of the supported scalar variable kinds.
type Kind int

const (
	KindInteger32 Kind = iota
	KindUnsigned32
	KindCounter32
	KindCounter64
	KindGauge32
	KindTimeTicks
	KindTruthValue
	KindOpaqueFloat
	KindIpAddress
	KindOctetString
	KindDisplayString
)

// kindInfo carries the per-kind layout data: display name, the varbind tag
// used on the wire (the AgentX varbind type space coincides numerically
// with gosnmp's Asn1BER application tags) and whether SNMP SET requests may
// ever be allowed for the kind.
type kindInfo struct {
	name     string
	tag      gosnmp.Asn1BER
	settable bool
}

var kinds = map[Kind]kindInfo{
	KindInteger32: {"Integer32", gosnmp.Integer, true},
	// ASN_UNSIGNED shares Gauge32's application tag, as in net-snmp.
	KindUnsigned32:    {"Unsigned32", gosnmp.Gauge32, true},
	KindCounter32:     {"Counter32", gosnmp.Counter32, false},
	KindCounter64:     {"Counter64", gosnmp.Counter64, false},
	KindGauge32:       {"Gauge32", gosnmp.Gauge32, true},
	KindTimeTicks:     {"TimeTicks", gosnmp.TimeTicks, true},
	KindTruthValue:    {"TruthValue", gosnmp.Integer, true},
	KindOpaqueFloat:   {"OpaqueFloat", gosnmp.Opaque, true},
	KindIpAddress:     {"IpAddress", gosnmp.IPAddress, true},
	KindOctetString:   {"OctetString", gosnmp.OctetString, true},
	KindDisplayString: {"DisplayString", gosnmp.OctetString, true},
}

// String returns the kind's SNMP type name, e.g. "Counter64".
func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Tag returns the varbind tag the kind uses on the wire.
func (k Kind) Tag() gosnmp.Asn1BER {
	return kinds[k].tag
}

// Settable reports whether SNMP SET requests may be allowed for the kind.
// Counters are monotonic by definition and can never be set remotely.
func (k Kind) Settable() bool {
	return kinds[k].settable
}

// Value is a single managed scalar variable. The zero Value is not usable;
// construct through one of the New* functions.
type Value struct {
	kind Kind

	mu sync.Mutex
	i  int64   // Integer32, TruthValue
	u  uint64  // Unsigned32, Counter32/64, Gauge32, TimeTicks, IpAddress
	f  float32 // OpaqueFloat
	b  []byte  // OctetString, DisplayString
}

// NewInteger32 returns a new Integer32 value.
func NewInteger32(initval int32) *Value {
	return &Value{kind: KindInteger32, i: int64(initval)}
}

// NewUnsigned32 returns a new Unsigned32 value.
func NewUnsigned32(initval uint32) *Value {
	return &Value{kind: KindUnsigned32, u: uint64(initval)}
}

// NewCounter32 returns a new Counter32 value.
func NewCounter32(initval uint32) *Value {
	return &Value{kind: KindCounter32, u: uint64(initval)}
}

// NewCounter64 returns a new Counter64 value.
func NewCounter64(initval uint64) *Value {
	return &Value{kind: KindCounter64, u: initval}
}

// NewGauge32 returns a new Gauge32 value.
func NewGauge32(initval uint32) *Value {
	return &Value{kind: KindGauge32, u: uint64(initval)}
}

// NewTimeTicks returns a new TimeTicks value.
func NewTimeTicks(initval uint32) *Value {
	return &Value{kind: KindTimeTicks, u: uint64(initval)}
}

// NewTruthValue returns a new TruthValue value.
func NewTruthValue(initval bool) *Value {
	v := &Value{kind: KindTruthValue, i: truthValueFalse}
	if initval {
		v.i = truthValueTrue
	}
	return v
}

// NewOpaqueFloat returns a new opaque-float value.
func NewOpaqueFloat(initval float32) *Value {
	return &Value{kind: KindOpaqueFloat, f: initval}
}

// NewIpAddress returns a new IpAddress value initialized from a dotted
// decimal IPv4 string. An empty string means 0.0.0.0.
func NewIpAddress(initval string) (*Value, error) {
	v := &Value{kind: KindIpAddress}
	if err := v.Update(initval); err != nil {
		return nil, err
	}
	return v, nil
}

// NewOctetString returns a new OctetString value.
func NewOctetString(initval []byte) *Value {
	b := make([]byte, len(initval))
	copy(b, initval)
	return &Value{kind: KindOctetString, b: b}
}

// NewDisplayString returns a new DisplayString value. Unlike an
// OctetString, a DisplayString is restricted to ASCII characters.
func NewDisplayString(initval string) *Value {
	return &Value{kind: KindDisplayString, b: []byte(initval)}
}

// Kind returns the value's kind tag.
func (v *Value) Kind() Kind {
	return v.kind
}

// Get returns the value in its natural Go representation: int32 for
// Integer32, uint32 for the 32-bit unsigned kinds, uint64 for Counter64,
// bool for TruthValue, float32 for OpaqueFloat, string for IpAddress (in
// dotted decimal form) and DisplayString, []byte for OctetString.
func (v *Value) Get() any {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.kind {
	case KindInteger32:
		return int32(v.i)
	case KindUnsigned32, KindCounter32, KindGauge32, KindTimeTicks:
		return uint32(v.u)
	case KindCounter64:
		return v.u
	case KindTruthValue:
		return v.i == truthValueTrue
	case KindOpaqueFloat:
		return v.f
	case KindIpAddress:
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], uint32(v.u))
		return netip.AddrFrom4(raw).String()
	case KindOctetString:
		b := make([]byte, len(v.b))
		copy(b, v.b)
		return b
	case KindDisplayString:
		return string(v.b)
	default:
		return nil
	}
}

// String renders the current value for display, e.g. in Vars() dumps.
func (v *Value) String() string {
	got := v.Get()
	if b, ok := got.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(got)
}

// Update replaces the value, applying the kind's bounds rule. The accepted
// input type depends on the kind:
//
//   - Integer32: int, int32 or int64 within int32 range
//   - Unsigned32, Counter32, Gauge32, TimeTicks: int, uint32 or uint64;
//     counters wrap modulo 2^32, gauges clamp at 0xFFFFFFFF, the rest must
//     fit 32 bits
//   - Counter64: int, uint64 (wraps modulo 2^64 by construction)
//   - TruthValue: bool
//   - OpaqueFloat: float32 or float64
//   - IpAddress: dotted decimal IPv4 string
//   - OctetString: string or []byte up to MaxStringSize bytes
//   - DisplayString: ASCII string up to MaxStringSize bytes
func (v *Value) Update(val any) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.updateLocked(val)
}

func (v *Value) updateLocked(val any) error {
	switch v.kind {
	case KindInteger32:
		n, err := toInt64(val)
		if err != nil {
			return fmt.Errorf("%s: %w", v.kind, err)
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return fmt.Errorf("%s: value %d out of range", v.kind, n)
		}
		v.i = n

	case KindUnsigned32, KindTimeTicks:
		n, err := toUint64(val)
		if err != nil {
			return fmt.Errorf("%s: %w", v.kind, err)
		}
		if n > math.MaxUint32 {
			return fmt.Errorf("%s: value %d out of range", v.kind, n)
		}
		v.u = n

	case KindCounter32:
		n, err := toUint64(val)
		if err != nil {
			return fmt.Errorf("%s: %w", v.kind, err)
		}
		// Counters wrap.
		v.u = n & math.MaxUint32

	case KindGauge32:
		n, err := toUint64(val)
		if err != nil {
			return fmt.Errorf("%s: %w", v.kind, err)
		}
		// Gauges clamp.
		if n > math.MaxUint32 {
			n = math.MaxUint32
		}
		v.u = n

	case KindCounter64:
		n, err := toUint64(val)
		if err != nil {
			return fmt.Errorf("%s: %w", v.kind, err)
		}
		v.u = n

	case KindTruthValue:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("%s: need bool, got %T", v.kind, val)
		}
		if b {
			v.i = truthValueTrue
		} else {
			v.i = truthValueFalse
		}

	case KindOpaqueFloat:
		switch f := val.(type) {
		case float32:
			v.f = f
		case float64:
			v.f = float32(f)
		default:
			return fmt.Errorf("%s: need float, got %T", v.kind, val)
		}

	case KindIpAddress:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("%s: need dotted decimal string, got %T", v.kind, val)
		}
		if s == "" {
			s = "0.0.0.0"
		}
		addr, err := netip.ParseAddr(s)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("%s: invalid IPv4 address %q", v.kind, s)
		}
		v.u = uint64(binary.BigEndian.Uint32(addr.AsSlice()))

	case KindOctetString, KindDisplayString:
		var b []byte
		switch s := val.(type) {
		case string:
			b = []byte(s)
		case []byte:
			b = append([]byte(nil), s...)
		default:
			return fmt.Errorf("%s: need string or []byte, got %T", v.kind, val)
		}
		if len(b) > MaxStringSize {
			return fmt.Errorf("%s: value truncated: %d > %d bytes",
				v.kind, len(b), MaxStringSize)
		}
		if v.kind == KindDisplayString {
			for _, c := range b {
				if c > 0x7F {
					return fmt.Errorf("%s: non-ASCII byte 0x%02x", v.kind, c)
				}
			}
		}
		v.b = b

	default:
		return fmt.Errorf("unsupported kind %d", int(v.kind))
	}
	return nil
}

// Increment adds delta to a Counter32 or Counter64, wrapping per the
// kind's modulus. It fails for any other kind.
func (v *Value) Increment(delta uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.kind {
	case KindCounter32:
		v.u = (v.u + delta) & math.MaxUint32
	case KindCounter64:
		v.u += delta
	default:
		return fmt.Errorf("%s: not a counter", v.kind)
	}
	return nil
}

// Wire returns the varbind tag and wire-level payload for GET servicing.
// The payload is one of int32, uint32, uint64 or []byte; an OpaqueFloat is
// rendered as net-snmp's BER opaque-float encoding inside an Opaque.
func (v *Value) Wire() (gosnmp.Asn1BER, any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.kind {
	case KindInteger32, KindTruthValue:
		return kinds[v.kind].tag, int32(v.i)
	case KindUnsigned32, KindCounter32, KindGauge32, KindTimeTicks:
		return kinds[v.kind].tag, uint32(v.u)
	case KindCounter64:
		return kinds[v.kind].tag, v.u
	case KindIpAddress:
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, uint32(v.u))
		return kinds[v.kind].tag, raw
	case KindOpaqueFloat:
		// Net-snmp transports floats as an opaque-wrapped BER float:
		// 0x9f 0x78 len(4) + IEEE 754 big endian.
		raw := make([]byte, 7)
		raw[0], raw[1], raw[2] = 0x9f, 0x78, 0x04
		binary.BigEndian.PutUint32(raw[3:], math.Float32bits(v.f))
		return kinds[v.kind].tag, raw
	default:
		b := make([]byte, len(v.b))
		copy(b, v.b)
		return kinds[v.kind].tag, b
	}
}

// SetWire applies an incoming SET payload, as decoded from a varbind, to
// the value. The tag must match the kind's and the payload must respect
// the kind's bounds; either violation is reported so the agent can answer
// wrongType/wrongValue.
func (v *Value) SetWire(tag gosnmp.Asn1BER, payload any) error {
	if tag != v.kind.Tag() {
		return fmt.Errorf("%s: wrong tag 0x%02x", v.kind, byte(tag))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.kind {
	case KindTruthValue:
		n, err := toInt64(payload)
		if err != nil {
			return fmt.Errorf("%s: %w", v.kind, err)
		}
		if n != truthValueTrue && n != truthValueFalse {
			return fmt.Errorf("%s: value %d not a TruthValue", v.kind, n)
		}
		v.i = n
		return nil

	case KindIpAddress:
		raw, ok := payload.([]byte)
		if !ok || len(raw) != 4 {
			return fmt.Errorf("%s: need 4 address bytes", v.kind)
		}
		v.u = uint64(binary.BigEndian.Uint32(raw))
		return nil

	case KindOpaqueFloat:
		raw, ok := payload.([]byte)
		if !ok || len(raw) != 7 || raw[0] != 0x9f || raw[1] != 0x78 || raw[2] != 0x04 {
			return fmt.Errorf("%s: malformed opaque float", v.kind)
		}
		v.f = math.Float32frombits(binary.BigEndian.Uint32(raw[3:]))
		return nil

	default:
		return v.updateLocked(payload)
	}
}

func toInt64(val any) (int64, error) {
	switch n := val.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("need integer, got %T", val)
	}
}

func toUint64(val any) (uint64, error) {
	switch n := val.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("need unsigned value, got %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("need unsigned value, got %d", n)
		}
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("need unsigned integer, got %T", val)
	}
}
