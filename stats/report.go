package stats

import (
	"log"
	"os"

	"github.com/google/uuid"
)

// Report is the run-scoped report manager. It owns the logger for one
// training run; components receive it explicitly instead of writing to
// process-wide state.
type Report struct {
	Logger      *log.Logger
	RunID       string
	ReportEvery int
}

// NewReport builds a report manager writing to logger, or stderr when
// logger is nil. Every line is tagged with a fresh run id.
func NewReport(logger *log.Logger, reportEvery int) *Report {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if reportEvery <= 0 {
		reportEvery = 50
	}
	return &Report{
		Logger:      logger,
		RunID:       uuid.NewString()[:8],
		ReportEvery: reportEvery,
	}
}

// Printf logs one line tagged with the run id.
func (r *Report) Printf(format string, args ...any) {
	r.Logger.Printf("["+r.RunID+"] "+format, args...)
}

// ReportTraining emits a progress line every ReportEvery steps and
// returns a fresh window accumulator when it does.
func (r *Report) ReportTraining(step, trainSteps int, lr float64, s *Statistics) *Statistics {
	if step%r.ReportEvery != 0 {
		return s
	}
	r.Printf("Step %d/%d; acc: %.2f; ppl: %.2f; xent: %.2f; lr: %.5g; %.0f tok/s",
		step, trainSteps, s.Accuracy(), s.PPL(), s.Xent(), lr, s.WPS())
	return NewStatistics()
}

// ReportStep emits validation results for one step.
func (r *Report) ReportStep(lr float64, step int, valid *Statistics) {
	if valid == nil {
		return
	}
	r.Printf("Validation at step %d: acc: %.2f; ppl: %.2f; xent: %.2f; lr: %.5g",
		step, valid.Accuracy(), valid.PPL(), valid.Xent(), lr)
}
