package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/utils"
)

// EncResult is one sentence's encoder output: the memory bank the
// decoder attends to and the final state used to initialize it.
type EncResult struct {
	Outs  *mat.Dense // (d x T)
	Final *mat.Dense // (d x 1)

	emb   *embCache
	cache any
}

// Encoder processes one source sentence. Backward consumes the
// gradient of Outs and accumulates into the encoder's parameter
// gradients, embeddings included.
type Encoder interface {
	Module
	Forward(words, feats []int, training bool) *EncResult
	Backward(res *EncResult, dOuts *mat.Dense)
}

type encoderCtor func(cfg params.Config, emb *Embeddings) Encoder

// encoderRegistry is the fixed variant set; selection is a pure
// dispatch on the configuration tag.
var encoderRegistry = map[string]encoderCtor{
	"mean":        func(cfg params.Config, emb *Embeddings) Encoder { return NewMeanEncoder(emb) },
	"rnn":         func(cfg params.Config, emb *Embeddings) Encoder { return NewRNNEncoder(cfg.DModel, emb) },
	"brnn":        func(cfg params.Config, emb *Embeddings) Encoder { return NewBRNNEncoder(cfg.DModel, emb) },
	"cnn":         func(cfg params.Config, emb *Embeddings) Encoder { return NewCNNEncoder(cfg.DModel, cfg.CNNKernelWidth, emb) },
	"transformer": func(cfg params.Config, emb *Embeddings) Encoder { return NewTransformerEncoder(cfg.DModel, cfg.NumHeads, emb) },
}

func buildEncoder(cfg params.Config, emb *Embeddings) (Encoder, error) {
	encType := cfg.EncoderType
	if cfg.ModelType != "text" && cfg.ModelType != "vec" {
		encType = cfg.ModelType
	}
	ctor, ok := encoderRegistry[encType]
	if !ok {
		return nil, errors.Errorf("unknown encoder type %q", encType)
	}
	return ctor(cfg, emb), nil
}

// MeanEncoder: the memory bank is the embedding sequence itself and
// the final state is its mean. A trivial baseline, useful in tests.
type MeanEncoder struct {
	emb *Embeddings
}

func NewMeanEncoder(emb *Embeddings) *MeanEncoder { return &MeanEncoder{emb: emb} }

func (e *MeanEncoder) Forward(words, feats []int, training bool) *EncResult {
	x, ec := e.emb.Embed(words, feats, training)
	d, T := x.Dims()
	final := mat.NewDense(d, 1, nil)
	for t := 0; t < T; t++ {
		utils.AddCol(final, 0, utils.Col(x, t))
	}
	final.Scale(1/float64(T), final)
	return &EncResult{Outs: x, Final: final, emb: ec}
}

func (e *MeanEncoder) Backward(res *EncResult, dOuts *mat.Dense) {
	e.emb.Backward(res.emb, dOuts)
}

func (e *MeanEncoder) NamedParams() []NamedParam {
	return prefixed("embeddings", e.emb.NamedParams())
}

func (e *MeanEncoder) UpdateDropout(p float64) { e.emb.UpdateDropout(p) }
