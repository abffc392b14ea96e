package distributed

import (
	"math"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/stats"
)

func TestSingleIsIdentity(t *testing.T) {
	var s Single
	if s.WorldSize() != 1 {
		t.Fatalf("world size %d", s.WorldSize())
	}
	if s.SumFloat(3.5) != 3.5 {
		t.Fatalf("single-worker sum changed the value")
	}
	g := mat.NewDense(1, 2, []float64{4, 6})
	s.AllReduceAndRescale([]*mat.Dense{g}, 2)
	if g.At(0, 0) != 2 || g.At(0, 1) != 3 {
		t.Fatalf("rescale not applied: %v", mat.Formatted(g))
	}
}

func TestGroupSumFloat(t *testing.T) {
	members := NewGroup(4)
	results := make([]float64, 4)
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *Member) {
			defer wg.Done()
			results[i] = m.SumFloat(float64(i + 1))
		}(i, m)
	}
	wg.Wait()
	for i, r := range results {
		if r != 10 {
			t.Fatalf("rank %d saw sum %v, want 10", i, r)
		}
	}
}

func TestGroupAllReduce(t *testing.T) {
	members := NewGroup(3)
	grads := make([][]*mat.Dense, 3)
	for rank := range grads {
		grads[rank] = []*mat.Dense{
			mat.NewDense(2, 2, []float64{
				float64(rank), float64(rank), float64(rank), float64(rank),
			}),
			nil,
		}
	}
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			m.AllReduceAndRescale(grads[rank], 3)
		}(rank, m)
	}
	wg.Wait()

	// sum is 0+1+2 = 3, rescaled by 3 -> every worker holds 1
	for rank := range grads {
		g := grads[rank][0]
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				if math.Abs(g.At(i, j)-1) > 1e-12 {
					t.Fatalf("rank %d grad[%d,%d] = %v, want 1", rank, i, j, g.At(i, j))
				}
			}
		}
	}
}

func TestGroupGatherStats(t *testing.T) {
	members := NewGroup(2)
	out := make([]*stats.Statistics, 2)
	var wg sync.WaitGroup
	for rank, m := range members {
		wg.Add(1)
		go func(rank int, m *Member) {
			defer wg.Done()
			s := stats.NewStatistics()
			s.Loss = float64(rank + 1)
			s.NWords = 10 * (rank + 1)
			out[rank] = m.GatherStats(s)
		}(rank, m)
	}
	wg.Wait()
	for rank, s := range out {
		if s.Loss != 3 || s.NWords != 30 {
			t.Fatalf("rank %d gathered loss=%v words=%d", rank, s.Loss, s.NWords)
		}
	}
}

func TestGroupBackToBackCollectives(t *testing.T) {
	members := NewGroup(3)
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func(i int, m *Member) {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				got := m.SumFloat(1)
				if got != 3 {
					t.Errorf("round %d rank %d: sum %v, want 3", round, i, got)
					return
				}
			}
		}(i, m)
	}
	wg.Wait()
}
