package chain

import (
	"fmt"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
)

// MaxTags bounds the join tags a table can carry: every tag takes a pass
// bit and a fail bit of a 64-bit row word.
const MaxTags = 32

// TagBitmap records, per row, the outcome of every join tag the row has
// been evaluated against. Tag t sets bit 2t on pass and bit 2t+1 on fail;
// a row never holds both bits of one tag.
type TagBitmap struct {
	bits []uint64
}

// NewTagBitmap creates an empty bitmap for rows rows.
func NewTagBitmap(rows int) *TagBitmap {
	return &TagBitmap{bits: make([]uint64, rows)}
}

// Rows returns the number of rows.
func (b *TagBitmap) Rows() int { return len(b.bits) }

// Mark records the outcome of tag for row. Marking the same outcome twice
// is a no-op; marking the opposite outcome is an error.
func (b *TagBitmap) Mark(row, tag int, pass bool) error {
	if tag < 0 || tag >= MaxTags {
		return fmt.Errorf("join tag %d outside [0,%d)", tag, MaxTags)
	}
	set, other := passBit(tag), failBit(tag)
	if !pass {
		set, other = other, set
	}
	if b.bits[row]&other != 0 {
		return fmt.Errorf("%w: row %d flips join tag %d", apperrors.ErrInconsistentModel, row, tag)
	}
	b.bits[row] |= set
	return nil
}

// Word returns the raw status word of row.
func (b *TagBitmap) Word(row int) uint64 { return b.bits[row] }

// Passed reports whether row passed tag.
func (b *TagBitmap) Passed(row, tag int) bool { return b.bits[row]&passBit(tag) != 0 }

// Failed reports whether row failed tag.
func (b *TagBitmap) Failed(row, tag int) bool { return b.bits[row]&failBit(tag) != 0 }

func passBit(tag int) uint64 { return 1 << (2 * uint(tag)) }
func failBit(tag int) uint64 { return 1 << (2*uint(tag) + 1) }

// ProjectTag reduces a status word to the bits of one tag. The result is
// the grouping key of the referenced side of a join.
func ProjectTag(word uint64, tag int) uint64 {
	return word & (passBit(tag) | failBit(tag))
}

// PassKey is the projected word of a row that passed tag.
func PassKey(tag int) uint64 { return passBit(tag) }

// FailKey is the projected word of a row that failed tag.
func FailKey(tag int) uint64 { return failBit(tag) }
