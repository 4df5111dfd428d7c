// Package blockrange provides the block-range parallel-loop convenience
// wrapper that spec.md §1 calls out as an external collaborator: it
// decomposes a range into equally-sized blocks and submits one work unit
// per block through the core taskgraph.Pool API. It is grounded on
// original_source/include/enoki-thread/thread.h's blocked_range/parallel_for
// templates, consuming taskgraph's public Submit/Wait surface only — it
// never reaches into unexported scheduler state.
package blockrange

import (
	"context"
	"fmt"

	"github.com/taskgraph-go/taskgraph"
)

// Range is a half-open [Begin, End) slice of a larger iteration space,
// the Go rendition of blocked_range<Int> in original_source/thread.h.
type Range struct {
	Begin, End int
}

// Len reports the number of elements in the range.
func (r Range) Len() int {
	return r.End - r.Begin
}

func blocks(begin, end, blockSize int) int {
	if blockSize < 1 {
		blockSize = 1
	}
	n := end - begin
	if n <= 0 {
		return 0
	}
	return (n + blockSize - 1) / blockSize
}

func blockRange(begin, end, blockSize, index int) Range {
	b := begin + blockSize*index
	e := b + blockSize
	if e > end {
		e = end
	}
	return Range{Begin: b, End: e}
}

// For splits [begin, end) into blocks of at most blockSize elements and
// invokes fn once per block, in parallel, waiting for every block to finish
// before returning. It is the Go analogue of enoki::parallel_for.
func For(pool *taskgraph.Pool, begin, end, blockSize int, fn func(Range)) error {
	n := blocks(begin, end, blockSize)
	if n == 0 {
		return nil
	}

	payload := struct {
		begin, end, blockSize int
		fn                    func(Range)
	}{begin, end, blockSize, fn}

	// The payload is a boxed struct, not a []byte, so WithCopiedPayload
	// can't clone it; a no-op deleter forces borrow-mode ownership instead
	// (payload.go's resolvePayload rejects a non-nil payload with neither).
	return pool.SubmitAndWait(uint32(n), func(ctx context.Context, index uint32, p any) error {
		pl := p.(struct {
			begin, end, blockSize int
			fn                    func(Range)
		})
		pl.fn(blockRange(pl.begin, pl.end, pl.blockSize, int(index)))
		return nil
	}, taskgraph.WithPayload(payload), taskgraph.WithPayloadDeleter(func(any) {}))
}

// ForAsync is the non-blocking counterpart of For: it submits the block
// loop as a dependent task, optionally gated on parents, and returns a
// handle the caller must eventually Wait/Release — the analogue of
// enoki::parallel_for_async.
func ForAsync(pool *taskgraph.Pool, begin, end, blockSize int, fn func(Range), parents ...*taskgraph.Task) (*taskgraph.Task, error) {
	n := blocks(begin, end, blockSize)
	if n == 0 {
		return nil, nil
	}

	payload := struct {
		begin, end, blockSize int
		fn                    func(Range)
	}{begin, end, blockSize, fn}

	opts := []taskgraph.SubmitOption{
		taskgraph.WithPayload(payload),
		taskgraph.WithPayloadDeleter(func(any) {}),
	}
	if len(parents) > 0 {
		opts = append(opts, taskgraph.WithParents(parents...))
	}

	t, err := pool.Submit(uint32(n), func(ctx context.Context, index uint32, p any) error {
		pl := p.(struct {
			begin, end, blockSize int
			fn                    func(Range)
		})
		pl.fn(blockRange(pl.begin, pl.end, pl.blockSize, int(index)))
		return nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("blockrange: %w", err)
	}
	return t, nil
}
