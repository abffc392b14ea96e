package trainer

import (
	"github.com/pkg/errors"

	"github.com/manningwu07/NMT/stats"
)

// Scorer grades one validation result. Higher Score is always better;
// metrics where lower is better negate themselves.
type Scorer interface {
	Name() string
	Score(*stats.Statistics) float64
}

type pplScorer struct{}

func (pplScorer) Name() string                      { return "ppl" }
func (pplScorer) Score(s *stats.Statistics) float64 { return -s.PPL() }

type accuracyScorer struct{}

func (accuracyScorer) Name() string                      { return "accuracy" }
func (accuracyScorer) Score(s *stats.Statistics) float64 { return s.Accuracy() }

func scorersFromNames(names []string) ([]Scorer, error) {
	var out []Scorer
	for _, name := range names {
		switch name {
		case "ppl":
			out = append(out, pplScorer{})
		case "accuracy":
			out = append(out, accuracyScorer{})
		default:
			return nil, errors.Errorf("unknown early stopping criterion %q", name)
		}
	}
	return out, nil
}

// EarlyStopping tracks validation results and decides when training
// stopped making progress. A validation that improves any criterion
// resets the patience budget.
type EarlyStopping struct {
	patience int
	scorers  []Scorer
	best     map[string]float64
	bad      int
}

// NewEarlyStopping builds the tracker. patience <= 0 disables it and
// returns nil.
func NewEarlyStopping(patience int, criteria []string) (*EarlyStopping, error) {
	if patience <= 0 {
		return nil, nil
	}
	scorers, err := scorersFromNames(criteria)
	if err != nil {
		return nil, err
	}
	if len(scorers) == 0 {
		return nil, errors.New("early stopping needs at least one criterion")
	}
	return &EarlyStopping{
		patience: patience,
		scorers:  scorers,
		best:     map[string]float64{},
	}, nil
}

// Check folds in one validation result.
func (e *EarlyStopping) Check(valid *stats.Statistics) {
	improved := false
	for _, sc := range e.scorers {
		score := sc.Score(valid)
		prev, seen := e.best[sc.Name()]
		if !seen || score > prev {
			e.best[sc.Name()] = score
			improved = true
		}
	}
	if improved {
		e.bad = 0
	} else {
		e.bad++
	}
}

// ShouldStop reports whether the patience budget is spent.
func (e *EarlyStopping) ShouldStop() bool { return e.bad >= e.patience }
