package rvq

import (
	"context"
	"fmt"
	"sync"
)

// Synchronizer combines data across the workers of a data-parallel run.
// Every worker must issue the same sequence of collective calls. Results are
// combined in rank order, so all workers receive bit-identical values.
type Synchronizer interface {
	// AllReduceSum replaces data with its element-wise sum over all workers.
	AllReduceSum(ctx context.Context, data []float64) error
	// AllGather returns the concatenation of every worker's data in rank order.
	AllGather(ctx context.Context, data []float32) ([]float32, error)
	Size() int
	Rank() int
}

// single is the synchronizer of a one-process run.
type single struct{}

func (single) AllReduceSum(context.Context, []float64) error { return nil }

func (single) AllGather(_ context.Context, data []float32) ([]float32, error) {
	return append([]float32(nil), data...), nil
}

func (single) Size() int { return 1 }
func (single) Rank() int { return 0 }

// LocalGroup connects n in-process workers, typically one goroutine each.
type LocalGroup struct {
	size   int
	mu     sync.Mutex
	rounds map[uint64]*round
}

type round struct {
	parts   []any
	arrived int
	result  any
	err     error
	closed  bool
	done    chan struct{}
}

// NewLocalGroup creates a group of n workers.
func NewLocalGroup(n int) *LocalGroup {
	return &LocalGroup{size: n, rounds: make(map[uint64]*round)}
}

// Member returns the synchronizer for worker rank. A member must be used by
// one goroutine at a time.
func (g *LocalGroup) Member(rank int) Synchronizer {
	return &member{group: g, rank: rank}
}

// collect contributes part to round seq and waits for the combined result.
// A worker whose context ends first aborts the round: every other worker of
// that round, waiting or yet to arrive, gets the same error and no data.
func (g *LocalGroup) collect(ctx context.Context, seq uint64, rank int, part any, combine func([]any) any) (any, error) {
	g.mu.Lock()
	r, ok := g.rounds[seq]
	if !ok {
		r = &round{parts: make([]any, g.size), done: make(chan struct{})}
		g.rounds[seq] = r
	}
	r.arrived++
	if r.arrived == g.size {
		delete(g.rounds, seq)
	}
	if r.closed {
		err := r.err
		g.mu.Unlock()
		return nil, err
	}
	r.parts[rank] = part
	if r.arrived == g.size {
		r.result = combine(r.parts)
		r.closed = true
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r.closed {
		return r.result, r.err
	}
	r.err = fmt.Errorf("rvq: collective %d aborted by worker %d: %w", seq, rank, ctx.Err())
	r.closed = true
	close(r.done)
	return nil, r.err
}

type member struct {
	group *LocalGroup
	rank  int
	seq   uint64
}

func (m *member) next() uint64 {
	s := m.seq
	m.seq++
	return s
}

func (m *member) AllReduceSum(ctx context.Context, data []float64) error {
	res, err := m.group.collect(ctx, m.next(), m.rank, append([]float64(nil), data...), func(parts []any) any {
		sum := make([]float64, len(data))
		for _, p := range parts {
			for i, v := range p.([]float64) {
				sum[i] += v
			}
		}
		return sum
	})
	if err != nil {
		return err
	}
	copy(data, res.([]float64))
	return nil
}

func (m *member) AllGather(ctx context.Context, data []float32) ([]float32, error) {
	res, err := m.group.collect(ctx, m.next(), m.rank, append([]float32(nil), data...), func(parts []any) any {
		var all []float32
		for _, p := range parts {
			all = append(all, p.([]float32)...)
		}
		return all
	})
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), res.([]float32)...), nil
}

func (m *member) Size() int { return m.group.size }
func (m *member) Rank() int { return m.rank }
