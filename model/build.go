package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/utils"
	"github.com/manningwu07/NMT/vocab"
)

// Fields bundles the vocabularies a model is assembled against.
// TgtFeats is nil when there is no secondary label stream.
type Fields struct {
	Src      *vocab.Vocabulary
	Tgt      *vocab.Vocabulary
	TgtFeats *vocab.Vocabulary
}

// ErrUnsupportedSharing rejects tying the decoder input embeddings to a
// continuous output table built from pretrained vectors; the two
// tables disagree on content and neither can silently win.
var ErrUnsupportedSharing = errors.New("share_decoder_embeddings cannot combine a continuous generator with pretrained target vectors")

// Assemble builds a model from the configuration, optionally restoring
// tensors from a checkpoint. logf, when non-nil, receives warnings
// about skipped tensors and degraded choices.
func Assemble(cfg params.Config, fields Fields, ckpt *checkpoint.Checkpoint, logf func(string, ...interface{})) (*Model, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if fields.Src == nil || fields.Tgt == nil {
		return nil, errors.New("source and target vocabularies are required")
	}
	if cfg.ShareEmbeddings {
		if err := sameVocab(fields.Src, fields.Tgt); err != nil {
			return nil, errors.Wrap(err, "share_embeddings")
		}
		if cfg.SrcWordVecSize != cfg.TgtWordVecSize {
			return nil, errors.New("share_embeddings requires equal source and target embedding sizes")
		}
	}
	if cfg.Continuous() && cfg.ShareDecoderEmbeddings && fields.Tgt.Vectors != nil {
		return nil, ErrUnsupportedSharing
	}

	dropout := cfg.Dropout[0]
	encEmb := NewEmbeddings(fields.Src.Len(), cfg.SrcWordVecSize, nil, 0, cfg.FeatMerge, dropout)

	var featSizes []int
	if cfg.UseFeatEmb && fields.TgtFeats != nil {
		featSizes = []int{fields.TgtFeats.Len()}
	}
	decEmb := NewEmbeddings(fields.Tgt.Len(), cfg.TgtWordVecSize, featSizes, cfg.FeatVecSize, cfg.FeatMerge, dropout)

	if cfg.ShareEmbeddings {
		decEmb.WordLut = encEmb.WordLut
		decEmb.gWord = encEmb.gWord
	}

	if cfg.EncoderType == "transformer" && encEmb.Dim() != cfg.DModel {
		return nil, errors.Errorf("transformer encoder needs embedding width %d, got %d", cfg.DModel, encEmb.Dim())
	}
	if cfg.DecoderType == "transformer" && decEmb.Dim() != cfg.DModel {
		return nil, errors.Errorf("transformer decoder needs embedding width %d, got %d", cfg.DModel, decEmb.Dim())
	}

	enc, err := buildEncoder(cfg, encEmb)
	if err != nil {
		return nil, err
	}
	dec, err := buildDecoder(cfg, decEmb)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Encoder:       enc,
		Decoder:       dec,
		FreezeEncoder: cfg.FreezeEncoder,
		FreezeDecoder: cfg.FreezeDecoder,
	}

	bias := !cfg.NoGeneratorBias
	var outTable *mat.Dense
	switch cfg.GeneratorFunction {
	case params.GenSoftmax, params.GenSparsemax:
		gen := NewLinearGenerator(fields.Tgt.Len(), cfg.DModel, bias, cfg.GeneratorFunction == params.GenSparsemax)
		if cfg.ShareDecoderEmbeddings {
			if cfg.TgtWordVecSize != cfg.DModel {
				return nil, errors.New("share_decoder_embeddings requires tgt_word_vec_size to equal the model width")
			}
			gen.W = decEmb.WordLut
			gen.gW = decEmb.gWord
		}
		m.Generator = gen
	case params.GenCopy:
		m.Generator = NewCopyGenerator(fields.Tgt.Len(), cfg.DModel, bias)
	case params.GenContinuousLinear, params.GenContinuousNonlinear:
		outTable = buildOutputTable(cfg, fields.Tgt, decEmb)
		if _, c := outTable.Dims(); c != cfg.TgtWordVecSize {
			return nil, errors.Errorf("target vector width %d does not match tgt_word_vec_size %d", c, cfg.TgtWordVecSize)
		}
		setOutputTable(dec, outTable)
		if cfg.ShareDecoderEmbeddings {
			decEmb.Tie(outTable, cfg.SyncOutputEmbeddings)
		}
		m.Generator = NewContinuousGenerator(cfg.DModel, cfg.TgtWordVecSize, outTable,
			cfg.GeneratorFunction == params.GenContinuousNonlinear, cfg.GeneratorLayerNorm, bias)
	default:
		return nil, errors.Errorf("unknown generator function %q", cfg.GeneratorFunction)
	}

	if cfg.MultiTask {
		if fields.TgtFeats == nil {
			logf("multi-task requested but no feature stream in the fields; skipping the secondary head")
		} else {
			m.MTLGenerator = NewLinearGenerator(fields.TgtFeats.Len(), cfg.DModel, bias, false)
		}
	}

	if ckpt == nil {
		initParams(cfg, m)
		encEmb.LoadPretrained(fields.Src)
		if !cfg.Continuous() || !cfg.ShareDecoderEmbeddings {
			decEmb.LoadPretrained(fields.Tgt)
		}
		// without pretrained vectors the output table tracks the
		// decoder table as it stands after initialization
		if outTable != nil && fields.Tgt.Vectors == nil && !cfg.ShareDecoderEmbeddings {
			outTable.Copy(decEmb.WordLut)
			normalizeOutputTable(cfg, outTable)
		}
	} else {
		for _, key := range m.LoadStateDict(ckpt.Model) {
			logf("checkpoint tensor %q not restored", key)
		}
		m.Generator.LoadStateDict(ckpt.Generator)
		if m.MTLGenerator != nil && ckpt.MTLGenerator != nil {
			m.MTLGenerator.LoadStateDict(ckpt.MTLGenerator)
		}
	}

	encEmb.Fixed = cfg.FixWordVecsEnc
	decEmb.Fixed = decEmb.Fixed || cfg.FixWordVecsDec
	return m, nil
}

// buildOutputTable derives the frozen continuous-output table from
// pretrained target vectors when available, otherwise from the decoder
// input table. Rows are optionally re-centered, then unit-normalized.
func buildOutputTable(cfg params.Config, tgt *vocab.Vocabulary, decEmb *Embeddings) *mat.Dense {
	var table *mat.Dense
	if tgt.Vectors != nil {
		table = utils.CloneDense(tgt.Vectors)
	} else {
		table = utils.CloneDense(decEmb.WordLut)
	}
	normalizeOutputTable(cfg, table)
	return table
}

func normalizeOutputTable(cfg params.Config, table *mat.Dense) {
	if cfg.Center {
		r, c := table.Dims()
		for j := 0; j < c; j++ {
			mean := 0.0
			for i := 0; i < r; i++ {
				mean += table.At(i, j)
			}
			mean /= float64(r)
			for i := 0; i < r; i++ {
				table.Set(i, j, table.At(i, j)-mean)
			}
		}
	}
	utils.L2NormalizeRows(table)
}

func setOutputTable(dec Decoder, table *mat.Dense) {
	switch d := dec.(type) {
	case *RNNDecoder:
		d.TgtOutEmb = table
	case *TransformerDecoder:
		d.TgtOutEmb = table
	}
}

// initParams applies the configured init schemes: a uniform fill when
// param_init is positive, then Xavier on every rank-2 tensor when the
// Glorot switch is on. Biases keep their zero (or uniform) fill.
func initParams(cfg params.Config, m *Model) {
	for _, p := range m.NamedParameters() {
		if p.Fixed {
			continue
		}
		if cfg.ParamInit > 0 {
			utils.UniformInPlace(p.W, cfg.ParamInit)
		}
		if cfg.ParamInitGlorot {
			if r, c := p.W.Dims(); r > 1 && c > 1 {
				utils.XavierInPlace(p.W)
			}
		}
	}
}

func sameVocab(a, b *vocab.Vocabulary) error {
	if a.Len() != b.Len() {
		return errors.Errorf("vocabulary sizes differ: %d vs %d", a.Len(), b.Len())
	}
	for tok, id := range a.TokenToID {
		if b.TokenToID[tok] != id {
			return errors.Errorf("vocabularies disagree on %q", tok)
		}
	}
	return nil
}
