// Package trainer drives the training loop: gradient accumulation,
// truncated backpropagation windows, denoising, validation with the
// parameter moving average, early stopping and scheduled saving.
package trainer

import (
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/data"
	"github.com/manningwu07/NMT/distributed"
	"github.com/manningwu07/NMT/model"
	"github.com/manningwu07/NMT/optimizations"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/stats"
	"github.com/manningwu07/NMT/vocab"
)

// Trainer owns one worker's training loop. In a multi-worker run every
// worker builds its own Trainer over a shared Reducer; collective
// calls keep them in lock step.
type Trainer struct {
	cfg     params.Config
	model   *model.Model
	optim   *optimizations.Optimizer
	loss    *model.LossCompute
	saver   *checkpoint.Saver
	reducer distributed.Reducer
	report  *stats.Report

	noiser *Noiser
	avg    *optimizations.MovingAverage
	stop   *EarlyStopping
}

// New wires a trainer from its parts. saver may be nil (nothing is
// ever written); reducer may be nil for a single worker.
func New(cfg params.Config, m *model.Model, optim *optimizations.Optimizer,
	loss *model.LossCompute, saver *checkpoint.Saver, reducer distributed.Reducer,
	report *stats.Report) (*Trainer, error) {
	if reducer == nil {
		reducer = distributed.Single{}
	}
	stop, err := NewEarlyStopping(cfg.EarlyStopping, cfg.EarlyStopCriteria)
	if err != nil {
		return nil, err
	}
	t := &Trainer{
		cfg:     cfg,
		model:   m,
		optim:   optim,
		loss:    loss,
		saver:   saver,
		reducer: reducer,
		report:  report,
		stop:    stop,
	}
	if cfg.Denoise {
		t.noiser = NewNoiser(cfg.WordShuffle, cfg.WordDropout, cfg.WordBlank,
			vocab.UnkIndex, int64(cfg.GpuRank)+1)
	}
	if cfg.AverageDecay > 0 {
		t.avg = optimizations.NewMovingAverage(cfg.AverageDecay, cfg.ModelDtype == "fp16")
	}
	return t, nil
}

// Train runs until the step budget, the data (single pass), or the
// early stopping patience is exhausted, and returns why it stopped. A
// non-positive step budget is unbounded: the loop runs until the data
// iterator gives out.
func (t *Trainer) Train(train data.Iterator, valid data.Restartable) (string, error) {
	t.report.Printf("Start training loop at step %d", t.optim.TrainingStep())
	reason := "train steps reached"
	total := stats.NewStatistics()
	window := stats.NewStatistics()

	for t.cfg.TrainSteps <= 0 || t.optim.TrainingStep() < t.cfg.TrainSteps {
		step := t.optim.TrainingStep() + 1
		t.maybeUpdateDropout(step)

		accum := t.cfg.AccumCountAt(step)
		batches := t.nextGroup(train, accum)
		if len(batches) == 0 {
			reason = "training data exhausted"
			break
		}

		norm := t.reducer.SumFloat(t.normalization(batches))
		// Without accumulation every truncation window is its own
		// optimizer update; an accumulated group gets exactly one.
		perWindow := accum == 1
		for _, b := range batches {
			t.prepare(b, true)
			t.trainBatch(b, norm, perWindow, window)
		}
		if !perWindow {
			t.applyGradients()
		}
		step = t.optim.TrainingStep()

		if t.avg != nil && step%t.cfg.AverageEvery == 0 {
			t.avg.Update(t.model.Parameters(), step)
		}

		total.Update(window)
		window = t.report.ReportTraining(step, t.cfg.TrainSteps, t.optim.LearningRate(), window)

		if valid != nil && t.cfg.ValidSteps > 0 && step%t.cfg.ValidSteps == 0 {
			vstats := t.reducer.GatherStats(t.Validate(valid))
			t.report.ReportStep(t.optim.LearningRate(), step, vstats)
			if t.stop != nil {
				t.stop.Check(vstats)
				if t.stop.ShouldStop() {
					reason = "early stopped"
					break
				}
			}
		}

		if t.cfg.SaveCheckpointSteps > 0 && step%t.cfg.SaveCheckpointSteps == 0 {
			if err := t.save(step); err != nil {
				return reason, err
			}
		}
	}

	if err := t.save(t.optim.TrainingStep()); err != nil {
		return reason, err
	}
	t.report.Printf("Training finished after %d steps: %s (acc %.2f, ppl %.2f)",
		t.optim.TrainingStep(), reason, total.Accuracy(), total.PPL())
	return reason, nil
}

// nextGroup pulls up to n batches; a short group is trained as-is.
func (t *Trainer) nextGroup(train data.Iterator, n int) []*data.Batch {
	var out []*data.Batch
	for len(out) < n {
		b := train.Next()
		if b == nil {
			break
		}
		out = append(out, b)
	}
	return out
}

// normalization is this worker's share of the gradient denominator.
func (t *Trainer) normalization(batches []*data.Batch) float64 {
	norm := 0.0
	for _, b := range batches {
		if t.cfg.Normalization == "tokens" {
			for _, tgt := range b.Tgt {
				for _, id := range tgt[1:] {
					if id != vocab.PadIndex {
						norm++
					}
				}
			}
		} else {
			norm += float64(b.BatchSize)
		}
	}
	return norm
}

// prepare applies in-place batch fixups: source denoising during
// training, and seeding the lead feature label from the first real
// position so the feature stream has no undefined slot at the start.
func (t *Trainer) prepare(b *data.Batch, training bool) {
	if training && t.noiser != nil {
		for i, src := range b.Src {
			b.Src[i] = t.noiser.Apply(src)
			b.SrcLengths[i] = len(b.Src[i])
		}
	}
	if t.cfg.UseFeatEmb && b.TgtFeats != nil {
		for _, feats := range b.TgtFeats {
			if len(feats) >= 2 {
				feats[0] = feats[1]
			}
		}
	}
}

// applyGradients reduces gradients across workers, then steps the
// optimizer and clears them.
func (t *Trainer) applyGradients() {
	if t.reducer.WorldSize() > 1 {
		t.reducer.AllReduceAndRescale(t.model.Gradients(), 1)
	}
	t.optim.Step()
	t.optim.ZeroGrad()
}

// trainBatch walks one batch through its truncation windows, applying
// the optimizer per window when perWindow is set. A window that fails
// to score is logged and skipped; training continues with the next
// window.
func (t *Trainer) trainBatch(b *data.Batch, norm float64, perWindow bool, st *stats.Statistics) {
	encs := t.model.Encode(b, true)
	states := t.model.InitDecoder(encs)

	maxT := b.MaxTgtLen() - 1
	trunc := t.cfg.TruncSize
	if trunc <= 0 {
		trunc = maxT
	}
	for start := 0; start < maxT; start += trunc {
		w := t.model.Decode(b, encs, states, start, trunc, true)
		loss, wst, err := t.loss.Compute(b, w, true)
		if err != nil {
			t.report.Printf("At step %d, window at %d skipped: %v",
				t.optim.TrainingStep()+1, start, err)
			t.model.DetachStates(states)
			continue
		}
		t.optim.Backward(loss, norm)
		if perWindow {
			t.applyGradients()
		}
		st.Update(wst)
		t.model.DetachStates(states)
	}
}

// Validate scores the validation set with the averaged parameters when
// a moving average is kept, restoring the live weights afterwards.
func (t *Trainer) Validate(valid data.Restartable) *stats.Statistics {
	restore := func() {}
	if t.avg != nil {
		restore = t.avg.Swap(t.model.Parameters())
	}
	defer restore()

	valid.Restart()
	st := stats.NewStatistics()
	for b := valid.Next(); b != nil; b = valid.Next() {
		t.prepare(b, false)
		encs := t.model.Encode(b, false)
		states := t.model.InitDecoder(encs)
		w := t.model.Decode(b, encs, states, 0, 0, false)
		_, wst, err := t.loss.Compute(b, w, false)
		if err != nil {
			t.report.Printf("Validation batch skipped: %v", err)
			continue
		}
		st.Update(wst)
	}
	return st
}

// save writes a checkpoint from the primary worker. Saver handles
// per-step idempotence and retention.
func (t *Trainer) save(step int) error {
	if t.saver == nil || t.cfg.GpuRank != 0 || step == 0 {
		return nil
	}
	var avg []*mat.Dense
	if t.avg != nil {
		avg = t.avg.Tensors()
	}
	return t.saver.Save(step, avg)
}

// maybeUpdateDropout switches the dropout rate the step after each
// configured threshold, so every rate applies exactly once.
func (t *Trainer) maybeUpdateDropout(step int) {
	for i, th := range t.cfg.DropoutSteps {
		if step == th+1 {
			t.model.UpdateDropout(t.cfg.Dropout[i])
			t.report.Printf("Updated dropout to %g from step %d", t.cfg.Dropout[i], step)
		}
	}
}
