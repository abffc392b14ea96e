package checkpoint

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/stats"
	"github.com/manningwu07/NMT/vocab"
)

// SavableModel is what the saver needs from a model.
type SavableModel interface {
	// StateDict returns every named weight except the generator's.
	StateDict() map[string]*mat.Dense
	GeneratorStateDict() map[string]*mat.Dense
	// MTLGeneratorStateDict returns nil when no secondary head exists.
	MTLGeneratorStateDict() map[string]*mat.Dense
	// Parameters is the trainable parameter sequence, in the same order
	// the moving average tracks.
	Parameters() []*mat.Dense
}

// OptimSource exposes the optimizer state for persistence.
type OptimSource interface {
	State() *OptimState
}

// Saver writes checkpoints on schedule and enforces the retention
// policy. It is the Model Saver abstraction the trainer talks to.
type Saver struct {
	BasePath string

	model    SavableModel
	cfg      params.Config
	srcVocab *vocab.Vocabulary
	tgtVocab *vocab.Vocabulary
	optim    OptimSource
	report   *stats.Report

	keepCheckpoint int
	onlySec        bool
	lastSavedStep  int
	queue          []string
}

// NewSaver builds a saver. keepCheckpoint > 0 bounds the on-disk FIFO,
// 0 disables saving, negative keeps everything.
func NewSaver(basePath string, model SavableModel, cfg params.Config,
	srcVocab, tgtVocab *vocab.Vocabulary, optim OptimSource, report *stats.Report) *Saver {
	return &Saver{
		BasePath:       basePath,
		model:          model,
		cfg:            cfg,
		srcVocab:       srcVocab,
		tgtVocab:       tgtVocab,
		optim:          optim,
		report:         report,
		keepCheckpoint: cfg.KeepCheckpoint,
		onlySec:        cfg.TrainOnlySecTask,
		lastSavedStep:  -1,
	}
}

// Path returns the checkpoint path for a step.
func (s *Saver) Path(step int) string {
	if s.onlySec {
		return fmt.Sprintf("%s_sec_step_%d.pt", s.BasePath, step)
	}
	return fmt.Sprintf("%s_step_%d.pt", s.BasePath, step)
}

// Save writes the checkpoint for step. Calling it twice for the same
// step is a no-op. If movingAverage is non-nil it is swapped into the
// live parameters for the duration of serialization; the live weights
// are restored before Save returns, error paths included.
func (s *Saver) Save(step int, movingAverage []*mat.Dense) error {
	if s.keepCheckpoint == 0 || step == s.lastSavedStep {
		return nil
	}

	if movingAverage != nil {
		live := s.model.Parameters()
		backup := make([]*mat.Dense, len(live))
		for i, p := range live {
			backup[i] = mat.DenseCopyOf(p)
			p.Copy(movingAverage[i])
		}
		defer func() {
			for i, p := range live {
				p.Copy(backup[i])
			}
		}()
	}

	path, err := s.write(step)
	if err != nil {
		return err
	}
	s.lastSavedStep = step

	if s.keepCheckpoint > 0 {
		if len(s.queue) == s.keepCheckpoint {
			todel := s.queue[0]
			s.queue = s.queue[1:]
			if err := os.Remove(todel); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "evict checkpoint %s", todel)
			}
		}
		s.queue = append(s.queue, path)
	}
	return nil
}

func (s *Saver) write(step int) (string, error) {
	modelState := s.model.StateDict()
	genState := s.model.GeneratorStateDict()

	if s.cfg.DetachedEmbeddings {
		rows := s.cfg.DetachedSpecialRows
		tgtKey := EmbeddingKey("decoder")
		srcKey := EmbeddingKey("encoder")
		tgtSpecials := headRows(modelState[tgtKey], rows)
		modelState[tgtKey] = tgtSpecials
		if s.cfg.ShareDecoderEmbeddings {
			modelState[srcKey] = tgtSpecials
		} else if modelState[srcKey] != nil {
			modelState[srcKey] = headRows(modelState[srcKey], rows)
		}
		if s.cfg.Continuous() {
			modelState["decoder.tgt_out_emb"] = tgtSpecials
		} else if s.cfg.ShareDecoderEmbeddings {
			genState["weight"] = tgtSpecials
		}
	}

	// Checkpoints always carry the full optimizer state; reset_optim
	// is applied once, when a run resumes.
	var optimState *OptimState
	if s.optim != nil {
		optimState = s.optim.State()
	}

	srcSnap := snapshotVocab(s.srcVocab)
	tgtSnap := snapshotVocab(s.tgtVocab)

	ckpt := &Checkpoint{
		Version:      FormatVersion,
		Model:        modelState,
		Generator:    genState,
		MTLGenerator: s.model.MTLGeneratorStateDict(),
		SrcVocab:     srcSnap,
		TgtVocab:     tgtSnap,
		Config:       s.cfg,
		Optim:        optimState,
	}

	path := s.Path(step)
	if s.report != nil {
		s.report.Printf("Saving checkpoint %s", path)
	}
	if err := ckpt.Write(path); err != nil {
		return "", err
	}
	return path, nil
}

// snapshotVocab copies the vocabulary and drops injected unknown-slot
// entries before persistence.
func snapshotVocab(v *vocab.Vocabulary) *vocab.Vocabulary {
	if v == nil {
		return nil
	}
	snap := v.Clone()
	snap.PruneInjected()
	return snap
}

// headRows copies the first n rows of m (all rows when m is shorter).
func headRows(m *mat.Dense, n int) *mat.Dense {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	if n > r {
		n = r
	}
	out := mat.NewDense(n, c, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, m.At(i, j))
		}
	}
	return out
}
