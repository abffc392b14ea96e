// Package distributed provides the two collective barriers the trainer
// needs: normalization-denominator aggregation and gradient
// all-reduce. Workers must reach every barrier in lock-step.
package distributed

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/stats"
)

// Reducer is the cross-worker coordination surface of one worker.
type Reducer interface {
	// AllReduceAndRescale sums the gradient tensors element-wise across
	// all workers, divides by rescale, and writes the result back into
	// every worker's tensors. Blocking.
	AllReduceAndRescale(grads []*mat.Dense, rescale float64)
	// SumFloat returns the sum of v over all workers. Blocking.
	SumFloat(v float64) float64
	// GatherStats folds the statistics of all workers together.
	GatherStats(s *stats.Statistics) *stats.Statistics
	WorldSize() int
}

// Single is the reducer for a one-worker run; every collective is a
// no-op.
type Single struct{}

func (Single) AllReduceAndRescale(grads []*mat.Dense, rescale float64) {
	if rescale == 0 || rescale == 1 {
		return
	}
	for _, g := range grads {
		if g != nil {
			floats.Scale(1/rescale, g.RawMatrix().Data)
		}
	}
}

func (Single) SumFloat(v float64) float64 { return v }

func (Single) GatherStats(s *stats.Statistics) *stats.Statistics { return s }

func (Single) WorldSize() int { return 1 }

// Group coordinates n in-process workers. Each worker holds one Member.
type Group struct {
	n    int
	mu   sync.Mutex
	cond *sync.Cond

	arrived int
	leaving int
	sums    [][]float64
	sumF    float64
	gst     *stats.Statistics
}

// NewGroup creates the group and one member per rank.
func NewGroup(n int) []*Member {
	g := &Group{n: n}
	g.cond = sync.NewCond(&g.mu)
	members := make([]*Member, n)
	for rank := range members {
		members[rank] = &Member{g: g, rank: rank}
	}
	return members
}

// Member is one worker's handle on the group barrier.
type Member struct {
	g    *Group
	rank int
}

func (m *Member) WorldSize() int { return m.g.n }

func (m *Member) Rank() int { return m.rank }

// barrier runs contribute for every arriving worker, then collect for
// every leaving worker once all n have contributed.
func (m *Member) barrier(contribute, collect func()) {
	g := m.g
	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait out the tail of a previous collective.
	for g.leaving > 0 {
		g.cond.Wait()
	}
	contribute()
	g.arrived++
	if g.arrived == g.n {
		g.leaving = g.n
		g.arrived = 0
		g.cond.Broadcast()
	} else {
		for g.arrived != 0 || g.leaving == 0 {
			g.cond.Wait()
		}
	}
	collect()
	g.leaving--
	if g.leaving == 0 {
		g.sums = nil
		g.sumF = 0
		g.gst = nil
		g.cond.Broadcast()
	}
}

func (m *Member) AllReduceAndRescale(grads []*mat.Dense, rescale float64) {
	if rescale == 0 {
		rescale = 1
	}
	m.barrier(
		func() {
			if m.g.sums == nil {
				m.g.sums = make([][]float64, len(grads))
				for i, t := range grads {
					if t != nil {
						m.g.sums[i] = make([]float64, len(t.RawMatrix().Data))
					}
				}
			}
			for i, t := range grads {
				if t != nil {
					floats.Add(m.g.sums[i], t.RawMatrix().Data)
				}
			}
		},
		func() {
			for i, t := range grads {
				if t == nil {
					continue
				}
				dst := t.RawMatrix().Data
				copy(dst, m.g.sums[i])
				floats.Scale(1/rescale, dst)
			}
		},
	)
}

func (m *Member) SumFloat(v float64) float64 {
	var out float64
	m.barrier(
		func() { m.g.sumF += v },
		func() { out = m.g.sumF },
	)
	return out
}

func (m *Member) GatherStats(s *stats.Statistics) *stats.Statistics {
	var out stats.Statistics
	m.barrier(
		func() {
			if m.g.gst == nil {
				m.g.gst = stats.NewStatistics()
			}
			m.g.gst.Update(s)
		},
		func() { out = *m.g.gst },
	)
	return &out
}
