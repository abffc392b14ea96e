package trainer

import (
	"testing"

	"github.com/manningwu07/NMT/stats"
)

func validStats(loss float64, correct int) *stats.Statistics {
	s := stats.NewStatistics()
	s.Loss = loss
	s.NWords = 100
	s.NCorrect = correct
	return s
}

func TestEarlyStoppingDisabled(t *testing.T) {
	e, err := NewEarlyStopping(0, []string{"ppl"})
	if err != nil {
		t.Fatalf("disabled early stopping errored: %v", err)
	}
	if e != nil {
		t.Fatalf("patience 0 must disable early stopping")
	}
}

func TestEarlyStoppingUnknownCriterion(t *testing.T) {
	if _, err := NewEarlyStopping(2, []string{"bleu"}); err == nil {
		t.Fatalf("unknown scorer accepted")
	}
}

func TestEarlyStoppingPatience(t *testing.T) {
	e, err := NewEarlyStopping(2, []string{"ppl"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	e.Check(validStats(100, 10))
	if e.ShouldStop() {
		t.Fatalf("stopped on the first validation")
	}
	e.Check(validStats(90, 10)) // improvement
	e.Check(validStats(95, 10)) // worse, strike one
	if e.ShouldStop() {
		t.Fatalf("stopped before the patience ran out")
	}
	e.Check(validStats(96, 10)) // worse, strike two
	if !e.ShouldStop() {
		t.Fatalf("did not stop after patience validations without improvement")
	}
}

func TestEarlyStoppingAnyCriterionResets(t *testing.T) {
	e, err := NewEarlyStopping(1, []string{"ppl", "accuracy"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	e.Check(validStats(100, 10))
	// ppl worse but accuracy better: still counts as progress
	e.Check(validStats(110, 20))
	if e.ShouldStop() {
		t.Fatalf("improvement on one criterion must reset the counter")
	}
	e.Check(validStats(120, 15))
	if !e.ShouldStop() {
		t.Fatalf("regression on every criterion must stop at patience 1")
	}
}
