package joininfo

import (
	"context"
	"fmt"
	"sort"

	"github.com/ekaya-inc/ekaya-synth/pkg/chain"
)

// Groups maps a PK status word to the global indexes of the rows carrying it.
type Groups map[uint64][]int64

// Sizes returns the number of rows per status word.
func (g Groups) Sizes() map[uint64]int64 {
	out := make(map[uint64]int64, len(g))
	for word, rows := range g {
		out[word] = int64(len(rows))
	}
	return out
}

// Merge adds other's rows to g. Row lists stay sorted.
func (g Groups) Merge(other Groups) {
	for word, rows := range other {
		merged := append(g[word], rows...)
		sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
		g[word] = merged
	}
}

// Table holds one join-tag cell per PK row of the local shard.
type Table struct {
	name   string
	offset int64
	cells  []*Cell
}

// NewTable creates unpublished cells for rows rows starting at global row
// offset.
func NewTable(name string, offset int64, rows int) *Table {
	cells := make([]*Cell, rows)
	for i := range cells {
		cells[i] = NewCell()
	}
	return &Table{name: name, offset: offset, cells: cells}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Rows returns the number of local rows.
func (t *Table) Rows() int { return len(t.cells) }

// Publish sets the status word of a local row.
func (t *Table) Publish(row int, word uint64) error {
	if row < 0 || row >= len(t.cells) {
		return fmt.Errorf("table %s: row %d outside [0,%d)", t.name, row, len(t.cells))
	}
	if err := t.cells[row].Publish(word); err != nil {
		return fmt.Errorf("table %s row %d: %w", t.name, row, err)
	}
	return nil
}

// PublishBitmap publishes the status word of every row of b.
func (t *Table) PublishBitmap(b *chain.TagBitmap) error {
	if b.Rows() != len(t.cells) {
		return fmt.Errorf("table %s: bitmap has %d rows, expected %d", t.name, b.Rows(), len(t.cells))
	}
	for r := range t.cells {
		if err := t.Publish(r, b.Word(r)); err != nil {
			return err
		}
	}
	return nil
}

// JoinTag waits for the status word of a local row.
func (t *Table) JoinTag(ctx context.Context, row int) (uint64, error) {
	if row < 0 || row >= len(t.cells) {
		return 0, fmt.Errorf("table %s: row %d outside [0,%d)", t.name, row, len(t.cells))
	}
	return t.cells[row].Wait(ctx)
}

// Groups waits for every row and groups the global row indexes by status
// word.
func (t *Table) Groups(ctx context.Context) (Groups, error) {
	out := make(Groups)
	for r := range t.cells {
		word, err := t.JoinTag(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("table %s row %d: %w", t.name, r, err)
		}
		out[word] = append(out[word], t.offset+int64(r))
	}
	return out, nil
}
