// Package rowvec runs elementwise operations over row vectors on a fixed
// worker pool. Operations have no cross-index dependency, so each chunk is
// owned by exactly one goroutine and no locking is needed.
package rowvec

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkSize is the number of rows handed to one worker at a time.
const DefaultChunkSize = 4096

// Pool bounds the number of goroutines used per vector operation.
type Pool struct {
	workers   int
	chunkSize int
}

// NewPool creates a pool. workers <= 0 uses GOMAXPROCS, chunkSize <= 0 uses
// DefaultChunkSize.
func NewPool(workers, chunkSize int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Pool{workers: workers, chunkSize: chunkSize}
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Run calls fn over [0,n) split into chunks. Small inputs run inline.
func (p *Pool) Run(ctx context.Context, n int, fn func(lo, hi int) error) error {
	if n <= p.chunkSize || p.workers == 1 {
		if n == 0 {
			return nil
		}
		return fn(0, n)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for lo := 0; lo < n; lo += p.chunkSize {
		hi := min(lo+p.chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(lo, hi)
		})
	}
	return g.Wait()
}

// Each runs an infallible fn over [0,n).
func (p *Pool) Each(n int, fn func(i int)) {
	_ = p.Run(context.Background(), n, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			fn(i)
		}
		return nil
	})
}

// Fill creates a boolean vector of size n set to v.
func (p *Pool) Fill(n int, v bool) []bool {
	out := make([]bool, n)
	if v {
		p.Each(n, func(i int) { out[i] = true })
	}
	return out
}

// And conjoins src into dst.
func (p *Pool) And(dst, src []bool) {
	p.Each(len(dst), func(i int) { dst[i] = dst[i] && src[i] })
}

// Or disjoins src into dst.
func (p *Pool) Or(dst, src []bool) {
	p.Each(len(dst), func(i int) { dst[i] = dst[i] || src[i] })
}

// Not negates v in place.
func (p *Pool) Not(v []bool) {
	p.Each(len(v), func(i int) { v[i] = !v[i] })
}

// Count returns the number of true entries.
func Count(v []bool) int64 {
	var n int64
	for _, b := range v {
		if b {
			n++
		}
	}
	return n
}
