// Package joinstatus groups the rows of a table into (filter-status,
// join-status) classes and solves for the number of rows in every class.
package joinstatus

import (
	"strings"
)

// MaxPositions is the width limit of a Status.
const MaxPositions = 64

// Status is a bit vector over filter or join positions. It is comparable,
// so it can key maps directly.
type Status struct {
	Bits  uint64
	Width int
}

// NewStatus returns an all-zero status of the given width.
func NewStatus(width int) Status {
	return Status{Width: width}
}

// Bit reports position i.
func (s Status) Bit(i int) bool { return s.Bits&(1<<uint(i)) != 0 }

// With returns a copy with position i set to v.
func (s Status) With(i int, v bool) Status {
	if v {
		s.Bits |= 1 << uint(i)
	} else {
		s.Bits &^= 1 << uint(i)
	}
	return s
}

// Less orders statuses by width, then bits.
func (s Status) Less(o Status) bool {
	if s.Width != o.Width {
		return s.Width < o.Width
	}
	return s.Bits < o.Bits
}

// String renders position 0 first, e.g. "101".
func (s Status) String() string {
	var b strings.Builder
	b.Grow(s.Width)
	for i := 0; i < s.Width; i++ {
		if s.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
