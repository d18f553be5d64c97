package indicator

import (
	"time"

	"ktrdr/internal/errs"
)

// Table is a column-ordered float matrix aligned to a bar-frame index. It is
// the interchange format between the indicator, fuzzy, and feature stages.
type Table struct {
	index   []time.Time
	names   []string
	columns map[string][]float64
}

// NewTable creates an empty table over the given index.
func NewTable(index []time.Time) *Table {
	return &Table{index: index, columns: make(map[string][]float64)}
}

// AddColumn appends a named column. The column length must match the index.
func (t *Table) AddColumn(name string, values []float64) error {
	if len(values) != len(t.index) {
		return errs.New(errs.InvalidInput, "column %s has %d rows, index has %d", name, len(values), len(t.index))
	}
	if _, exists := t.columns[name]; exists {
		return errs.New(errs.InvalidInput, "duplicate column %s", name)
	}
	t.names = append(t.names, name)
	t.columns[name] = values
	return nil
}

// Index returns the row timestamps.
func (t *Table) Index() []time.Time { return t.index }

// Names returns column names in insertion order.
func (t *Table) Names() []string { return t.names }

// Column returns the named column, or ok=false.
func (t *Table) Column(name string) ([]float64, bool) {
	col, ok := t.columns[name]
	return col, ok
}

// Len returns the row count.
func (t *Table) Len() int { return len(t.index) }
