package trainer

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/data"
	"github.com/manningwu07/NMT/model"
	"github.com/manningwu07/NMT/optimizations"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/stats"
	"github.com/manningwu07/NMT/vocab"
)

func quietReport() *stats.Report {
	return stats.NewReport(log.New(io.Discard, "", 0), 50)
}

func testConfig() params.Config {
	cfg := params.Default()
	cfg.DModel = 8
	cfg.SrcWordVecSize = 8
	cfg.TgtWordVecSize = 8
	cfg.Dropout = []float64{0}
	cfg.TrainSteps = 10
	cfg.ValidSteps = 0
	cfg.SaveCheckpointSteps = 5
	cfg.KeepCheckpoint = 1
	cfg.WarmupSteps = 0
	cfg.LearningRate = 1e-3
	return cfg
}

func testBatches() []*data.Batch {
	mk := func(src, tgt []int) *data.Batch {
		return &data.Batch{
			Src:        [][]int{src},
			SrcLengths: []int{len(src)},
			Tgt:        [][]int{tgt},
			BatchSize:  1,
		}
	}
	return []*data.Batch{
		mk([]int{4, 5, 6}, []int{vocab.BosIndex, 4, 5, vocab.EosIndex}),
		mk([]int{5, 6}, []int{vocab.BosIndex, 6, 4, 5, vocab.EosIndex}),
	}
}

func buildTrainer(t *testing.T, cfg params.Config, saveDir string) (*Trainer, *optimizations.Optimizer) {
	t.Helper()
	v := vocab.New([]string{"a", "b", "c"}, nil)
	fields := model.Fields{Src: v, Tgt: v}
	m, err := model.Assemble(cfg, fields, nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	report := quietReport()
	optim := optimizations.NewOptimizer(cfg, m)
	lossc := model.NewLossCompute(m, fields, cfg.ShardSize, false)

	var saver *checkpoint.Saver
	if saveDir != "" {
		saver = checkpoint.NewSaver(filepath.Join(saveDir, "model"), m, cfg, v, v, optim, report)
	}
	tr, err := New(cfg, m, optim, lossc, saver, nil, report)
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	return tr, optim
}

func TestTrainRunsToStepBudget(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	tr, optim := buildTrainer(t, cfg, dir)

	train := data.NewRepeatingIter(data.NewSliceIter(testBatches()))
	reason, err := tr.Train(train, nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if reason != "train steps reached" {
		t.Fatalf("reason = %q", reason)
	}
	if optim.TrainingStep() != cfg.TrainSteps {
		t.Fatalf("stopped at step %d, want %d", optim.TrainingStep(), cfg.TrainSteps)
	}

	// keep_checkpoint=1: the save at step 5 must be gone, step 10 kept
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "model_step_10.pt" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("retention left %v, want [model_step_10.pt]", names)
	}

	ck, err := checkpoint.Load(filepath.Join(dir, "model_step_10.pt"))
	if err != nil {
		t.Fatalf("load final checkpoint: %v", err)
	}
	if ck.Optim == nil || ck.Optim.TrainingStep != 10 {
		t.Fatalf("final checkpoint optimizer step wrong: %+v", ck.Optim)
	}
}

func TestTrainStopsWhenDataRunsOut(t *testing.T) {
	cfg := testConfig()
	cfg.SaveCheckpointSteps = 0
	tr, optim := buildTrainer(t, cfg, "")

	reason, err := tr.Train(data.NewSliceIter(testBatches()), nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if reason != "training data exhausted" {
		t.Fatalf("reason = %q", reason)
	}
	if optim.TrainingStep() != len(testBatches()) {
		t.Fatalf("stopped at step %d, want %d", optim.TrainingStep(), len(testBatches()))
	}
}

func TestTrainTruncatedWindows(t *testing.T) {
	cfg := testConfig()
	cfg.TruncSize = 2
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 4
	tr, _ := buildTrainer(t, cfg, "")

	train := data.NewRepeatingIter(data.NewSliceIter(testBatches()))
	if _, err := tr.Train(train, nil); err != nil {
		t.Fatalf("truncated training: %v", err)
	}
}

func TestTrainStepsOncePerTruncationWindow(t *testing.T) {
	cfg := testConfig()
	cfg.TruncSize = 2
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 20
	tr, optim := buildTrainer(t, cfg, "")

	// both batches span two windows of size 2, so a single pass over
	// the data must advance the step counter by four
	reason, err := tr.Train(data.NewSliceIter(testBatches()), nil)
	if err != nil {
		t.Fatalf("truncated training: %v", err)
	}
	if reason != "training data exhausted" {
		t.Fatalf("reason = %q", reason)
	}
	if optim.TrainingStep() != 4 {
		t.Fatalf("stopped at step %d, want one update per window (4)", optim.TrainingStep())
	}
}

func TestTrainAccumulatedGroupIsOneStep(t *testing.T) {
	cfg := testConfig()
	cfg.AccumCount = []int{2}
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 20
	tr, optim := buildTrainer(t, cfg, "")

	reason, err := tr.Train(data.NewSliceIter(testBatches()), nil)
	if err != nil {
		t.Fatalf("accumulated training: %v", err)
	}
	if reason != "training data exhausted" {
		t.Fatalf("reason = %q", reason)
	}
	if optim.TrainingStep() != 1 {
		t.Fatalf("stopped at step %d, want one update for the group", optim.TrainingStep())
	}
}

func TestTrainUnboundedBudgetStopsAtDataEnd(t *testing.T) {
	cfg := testConfig()
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 0
	tr, optim := buildTrainer(t, cfg, "")

	reason, err := tr.Train(data.NewSliceIter(testBatches()), nil)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if reason != "training data exhausted" {
		t.Fatalf("reason = %q", reason)
	}
	if optim.TrainingStep() != len(testBatches()) {
		t.Fatalf("trained %d steps, want %d", optim.TrainingStep(), len(testBatches()))
	}
}

func TestTrainWithDenoiseAndAverage(t *testing.T) {
	cfg := testConfig()
	cfg.Denoise = true
	cfg.WordShuffle = 3
	cfg.WordDropout = 0.1
	cfg.WordBlank = 0.1
	cfg.AverageDecay = 0.0001
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 4
	tr, _ := buildTrainer(t, cfg, "")

	train := data.NewRepeatingIter(data.NewSliceIter(testBatches()))
	if _, err := tr.Train(train, nil); err != nil {
		t.Fatalf("denoised training: %v", err)
	}
	if tr.avg == nil || tr.avg.Tensors() == nil {
		t.Fatalf("moving average was never updated")
	}
}

func TestValidateSwapsAverage(t *testing.T) {
	cfg := testConfig()
	cfg.AverageDecay = 0.0001
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 2
	tr, _ := buildTrainer(t, cfg, "")

	train := data.NewRepeatingIter(data.NewSliceIter(testBatches()))
	if _, err := tr.Train(train, nil); err != nil {
		t.Fatalf("train: %v", err)
	}

	before := tr.model.Parameters()
	snap := make([][]float64, len(before))
	for i, p := range before {
		snap[i] = append([]float64(nil), p.RawMatrix().Data...)
	}

	st := tr.Validate(data.NewSliceIter(testBatches()))
	if st.NWords == 0 {
		t.Fatalf("validation scored no tokens")
	}
	for i, p := range before {
		for j, v := range p.RawMatrix().Data {
			if snap[i][j] != v {
				t.Fatalf("live weights changed by validation (param %d)", i)
			}
		}
	}
}

func TestPrepareSeedsLeadFeature(t *testing.T) {
	cfg := testConfig()
	cfg.UseFeatEmb = true
	tr, err := New(cfg, nil, nil, nil, nil, nil, quietReport())
	if err != nil {
		t.Fatalf("new trainer: %v", err)
	}
	b := &data.Batch{
		Src:        [][]int{{4, 5}},
		SrcLengths: []int{2},
		Tgt:        [][]int{{vocab.BosIndex, 4, vocab.EosIndex}},
		TgtFeats:   [][]int{{0, 6, 6}},
		BatchSize:  1,
	}
	tr.prepare(b, true)
	if b.TgtFeats[0][0] != 6 {
		t.Fatalf("lead feature label not seeded from the first real position")
	}
}

func TestValidationLossDecreases(t *testing.T) {
	cfg := testConfig()
	cfg.SaveCheckpointSteps = 0
	cfg.TrainSteps = 40
	cfg.LearningRate = 0.01
	tr, _ := buildTrainer(t, cfg, "")

	valid := data.NewSliceIter(testBatches())
	start := tr.Validate(valid)
	train := data.NewRepeatingIter(data.NewSliceIter(testBatches()))
	if _, err := tr.Train(train, nil); err != nil {
		t.Fatalf("train: %v", err)
	}
	end := tr.Validate(valid)
	if end.Xent() >= start.Xent() {
		t.Fatalf("overfitting two batches did not reduce loss: %.4f -> %.4f",
			start.Xent(), end.Xent())
	}
}
