// Package joininfo publishes the PK join tags of a table's rows and
// exchanges them between the shards of a sharded run.
package joininfo

import (
	"context"
	"sync"

	"github.com/ekaya-inc/ekaya-synth/pkg/apperrors"
)

// Cell is a one-shot value: a single writer publishes it once and any
// number of readers wait for it.
type Cell struct {
	done  chan struct{}
	mu    sync.Mutex
	set   bool
	value uint64
}

// NewCell creates an unpublished cell.
func NewCell() *Cell {
	return &Cell{done: make(chan struct{})}
}

// Publish stores v and releases every waiter. It never blocks.
func (c *Cell) Publish(v uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set {
		return apperrors.ErrTagAlreadyPublished
	}
	c.value = v
	c.set = true
	close(c.done)
	return nil
}

// Wait blocks until the value is published or ctx is done.
func (c *Cell) Wait(ctx context.Context) (uint64, error) {
	select {
	case <-c.done:
		return c.value, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Published reports whether the cell holds a value.
func (c *Cell) Published() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
