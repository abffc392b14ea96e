// Package stats accumulates scalar training metrics and reports them
// through a run-scoped logger.
package stats

import (
	"math"
	"time"
)

// Statistics accumulates loss and token counts over some span of
// training or validation.
type Statistics struct {
	Loss      float64
	NWords    int
	NCorrect  int
	NSrcWords int
	start     time.Time
}

func NewStatistics() *Statistics {
	return &Statistics{start: time.Now()}
}

// Update folds another statistics object into this one.
func (s *Statistics) Update(o *Statistics) {
	if o == nil {
		return
	}
	s.Loss += o.Loss
	s.NWords += o.NWords
	s.NCorrect += o.NCorrect
	s.NSrcWords += o.NSrcWords
}

func (s *Statistics) Accuracy() float64 {
	if s.NWords == 0 {
		return 0
	}
	return 100 * float64(s.NCorrect) / float64(s.NWords)
}

// Xent is the per-token cross entropy.
func (s *Statistics) Xent() float64 {
	if s.NWords == 0 {
		return 0
	}
	return s.Loss / float64(s.NWords)
}

// PPL is the perplexity, capped to avoid overflow in reports.
func (s *Statistics) PPL() float64 {
	return math.Exp(math.Min(s.Xent(), 100))
}

func (s *Statistics) Elapsed() time.Duration {
	if s.start.IsZero() {
		return 0
	}
	return time.Since(s.start)
}

// WPS is the training throughput in target words per second.
func (s *Statistics) WPS() float64 {
	sec := s.Elapsed().Seconds()
	if sec <= 0 {
		return 0
	}
	return float64(s.NWords) / sec
}

// StatsGatherer aggregates statistics across workers. The distributed
// package provides implementations.
type StatsGatherer interface {
	GatherStats(*Statistics) *Statistics
}
