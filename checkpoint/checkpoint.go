// Package checkpoint persists and restores training state: model
// weights, generator weights, vocabulary snapshot, configuration and
// optimizer state, in a versioned gob blob.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/vocab"
)

// FormatVersion is bumped whenever the on-disk layout changes.
const FormatVersion = 2

// EmbeddingKey is the state-dict slot of a side's word lookup table.
func EmbeddingKey(side string) string {
	return side + ".embeddings.word_lut"
}

// OptimState is the serializable optimizer state. M and V are keyed by
// parameter name so restoration survives parameter reordering.
type OptimState struct {
	TrainingStep int
	M            map[string]*mat.Dense
	V            map[string]*mat.Dense
}

// Checkpoint is the in-memory form of one saved training state. Model
// excludes the generator, which is stored separately so either can be
// restored independently.
type Checkpoint struct {
	Version      int
	Model        map[string]*mat.Dense
	Generator    map[string]*mat.Dense
	MTLGenerator map[string]*mat.Dense
	SrcVocab     *vocab.Vocabulary
	TgtVocab     *vocab.Vocabulary
	Config       params.Config
	Optim        *OptimState
}

// tensorData is the gob mirror of one matrix.
type tensorData struct {
	R, C int
	Data []float64
}

type vocabData struct {
	IDToToken []string
	Freqs     map[string]int
	Vec       *tensorData
}

type optimData struct {
	TrainingStep int
	M, V         map[string]*tensorData
}

type checkpointData struct {
	Version      int
	Model        map[string]*tensorData
	Generator    map[string]*tensorData
	MTLGenerator map[string]*tensorData
	SrcVocab     *vocabData
	TgtVocab     *vocabData
	Config       params.Config
	Optim        *optimData
}

func toTensor(m *mat.Dense) *tensorData {
	if m == nil {
		return nil
	}
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return &tensorData{R: r, C: c, Data: append([]float64(nil), raw.Data...)}
}

func fromTensor(t *tensorData) *mat.Dense {
	if t == nil {
		return nil
	}
	return mat.NewDense(t.R, t.C, t.Data)
}

func toTensorMap(m map[string]*mat.Dense) map[string]*tensorData {
	if m == nil {
		return nil
	}
	out := make(map[string]*tensorData, len(m))
	for k, v := range m {
		out[k] = toTensor(v)
	}
	return out
}

func fromTensorMap(m map[string]*tensorData) map[string]*mat.Dense {
	if m == nil {
		return nil
	}
	out := make(map[string]*mat.Dense, len(m))
	for k, v := range m {
		out[k] = fromTensor(v)
	}
	return out
}

func toVocabData(v *vocab.Vocabulary) *vocabData {
	if v == nil {
		return nil
	}
	return &vocabData{
		IDToToken: append([]string(nil), v.IDToToken...),
		Freqs:     v.Freqs,
		Vec:       toTensor(v.Vectors),
	}
}

func fromVocabData(d *vocabData) *vocab.Vocabulary {
	if d == nil {
		return nil
	}
	v := &vocab.Vocabulary{
		TokenToID: make(map[string]int, len(d.IDToToken)),
		IDToToken: d.IDToToken,
		Freqs:     d.Freqs,
		Vectors:   fromTensor(d.Vec),
	}
	if v.Freqs == nil {
		v.Freqs = map[string]int{}
	}
	for i, tok := range d.IDToToken {
		v.TokenToID[tok] = i
	}
	return v
}

// Write serializes the checkpoint to path. A failed write is never
// silently treated as success.
func (c *Checkpoint) Write(path string) error {
	data := checkpointData{
		Version:      c.Version,
		Model:        toTensorMap(c.Model),
		Generator:    toTensorMap(c.Generator),
		MTLGenerator: toTensorMap(c.MTLGenerator),
		SrcVocab:     toVocabData(c.SrcVocab),
		TgtVocab:     toVocabData(c.TgtVocab),
		Config:       c.Config,
	}
	if c.Optim != nil {
		data.Optim = &optimData{
			TrainingStep: c.Optim.TrainingStep,
			M:            toTensorMap(c.Optim.M),
			V:            toTensorMap(c.Optim.V),
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&data); err != nil {
		return errors.Wrapf(err, "encode checkpoint %s", path)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return nil
}

// Load reads a checkpoint written by Write.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read checkpoint %s", path)
	}
	var data checkpointData
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&data); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if data.Version > FormatVersion {
		return nil, errors.Errorf("checkpoint %s has version %d, newer than supported %d",
			path, data.Version, FormatVersion)
	}
	ckpt := &Checkpoint{
		Version:      data.Version,
		Model:        fromTensorMap(data.Model),
		Generator:    fromTensorMap(data.Generator),
		MTLGenerator: fromTensorMap(data.MTLGenerator),
		SrcVocab:     fromVocabData(data.SrcVocab),
		TgtVocab:     fromVocabData(data.TgtVocab),
		Config:       data.Config,
	}
	if data.Optim != nil {
		ckpt.Optim = &OptimState{
			TrainingStep: data.Optim.TrainingStep,
			M:            fromTensorMap(data.Optim.M),
			V:            fromTensorMap(data.Optim.V),
		}
	}
	return ckpt, nil
}
