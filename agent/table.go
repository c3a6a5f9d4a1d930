package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/geekxflood/subagent/agentx"
	"github.com/geekxflood/subagent/vartypes"
)

// ColumnSpec declares one column of a registered table.
type ColumnSpec struct {
	// Kind is the scalar kind every cell in the column carries.
	Kind vartypes.Kind

	// Writable allows SNMP SET requests on the column's cells. Kinds that
	// are not settable (counters) reject Writable at registration.
	Writable bool
}

// Table is a registered SNMP table: a fixed column layout plus a mutable
// set of rows keyed by index OID. Rows may be added and removed at any
// time, including while the agent is connected. Safe for concurrent use.
//
// Cells live under the conventional entry node: for a table registered at
// base, column c of the row with index i is served at base.1.c.i.
type Table struct {
	name    string
	base    agentx.OID
	columns []ColumnSpec

	mu   sync.RWMutex
	rows map[string]*tableRow
}

type tableRow struct {
	index agentx.OID
	cells []*vartypes.Value
}

func newTable(name string, base agentx.OID, columns []ColumnSpec) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s: at least one column required", name)
	}
	for i, col := range columns {
		if col.Writable && !col.Kind.Settable() {
			return nil, fmt.Errorf("table %s: column %d: %s cells cannot be writable", name, i+1, col.Kind)
		}
	}
	return &Table{
		name:    name,
		base:    base,
		columns: columns,
		rows:    make(map[string]*tableRow),
	}, nil
}

// OID returns the table's registration OID.
func (t *Table) OID() agentx.OID {
	return t.base.Clone()
}

// AddRow inserts a row under the given index. The cells must match the
// column layout, one constructed value per column in order. Adding a row
// for an existing index replaces it.
func (t *Table) AddRow(index agentx.OID, cells ...*vartypes.Value) error {
	if len(index) == 0 {
		return fmt.Errorf("table %s: empty row index", t.name)
	}
	if len(cells) != len(t.columns) {
		return fmt.Errorf("table %s: got %d cells, table has %d columns", t.name, len(cells), len(t.columns))
	}
	for i, cell := range cells {
		if cell.Kind() != t.columns[i].Kind {
			return fmt.Errorf("table %s: column %d: got %s, want %s", t.name, i+1, cell.Kind(), t.columns[i].Kind)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[index.String()] = &tableRow{index: index.Clone(), cells: cells}
	return nil
}

// Row returns the cells of the row with the given index, or nil when no
// such row exists. The returned values are the live cells.
func (t *Table) Row(index agentx.OID) []*vartypes.Value {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[index.String()]
	if !ok {
		return nil
	}
	return append([]*vartypes.Value(nil), row.cells...)
}

// DeleteRow removes the row with the given index. Removing a missing row
// is a no-op.
func (t *Table) DeleteRow(index agentx.OID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, index.String())
}

// Clear removes all rows.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[string]*tableRow)
}

// Len reports the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// instances renders every cell as an instance, in OID order within each
// column. The caller merges and sorts across registrations.
func (t *Table) instances() []instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sorted := make([]*tableRow, 0, len(t.rows))
	for _, row := range t.rows {
		sorted = append(sorted, row)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].index.Compare(sorted[j].index) < 0
	})

	var out []instance
	for col := range t.columns {
		cellBase := t.base.Append(1, uint32(col+1))
		for _, row := range sorted {
			out = append(out, instance{
				oid:      cellBase.Append(row.index...),
				name:     fmt.Sprintf("%s.1.%d%s", t.name, col+1, agentx.OID(row.index).String()),
				value:    row.cells[col],
				writable: t.columns[col].Writable,
			})
		}
	}
	return out
}
