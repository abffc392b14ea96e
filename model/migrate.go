package model

import (
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/vocab"
)

// MigrateVocab rewrites a checkpoint in place so it can be restored
// against new vocabularies, the fine-tune-to-a-language path. Word
// tables and the generator weight are rebuilt from the new pretrained
// vectors; the generator bias is carried over under the configured
// policy. Embedding sharing cannot survive a vocabulary swap, so it is
// switched off in the config.
func MigrateVocab(ckpt *checkpoint.Checkpoint, cfg *params.Config, fields Fields, logf func(string, ...interface{})) error {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	if ckpt.TgtVocab == nil {
		return errors.New("checkpoint carries no target vocabulary to migrate from")
	}
	if fields.Tgt == nil || fields.Tgt.Vectors == nil {
		return errors.New("vocabulary migration requires pretrained target vectors")
	}

	tgtKey := checkpoint.EmbeddingKey("decoder")
	oldLut := ckpt.Model[tgtKey]
	if oldLut == nil {
		return errors.Errorf("checkpoint has no %s tensor", tgtKey)
	}
	_, dim := oldLut.Dims()
	if _, vc := fields.Tgt.Vectors.Dims(); vc != dim {
		return errors.Errorf("target vectors are %d wide, checkpoint expects %d", vc, dim)
	}
	ckpt.Model[tgtKey] = mat.DenseCopyOf(fields.Tgt.Vectors)
	dropOptimEntry(ckpt, tgtKey)

	srcKey := checkpoint.EmbeddingKey("encoder")
	if fields.Src != nil && fields.Src.Vectors != nil {
		ckpt.Model[srcKey] = mat.DenseCopyOf(fields.Src.Vectors)
		dropOptimEntry(ckpt, srcKey)
	} else if fields.Src != nil && ckpt.SrcVocab != nil && fields.Src.Len() != ckpt.SrcVocab.Len() {
		return errors.New("source vocabulary changed but no pretrained source vectors were given")
	}

	if !cfg.Continuous() {
		if ckpt.Generator == nil {
			ckpt.Generator = map[string]*mat.Dense{}
		}
		ckpt.Generator["weight"] = mat.DenseCopyOf(fields.Tgt.Vectors)
		dropOptimEntry(ckpt, "generator.weight")
		migrateBias(ckpt, cfg, fields.Tgt, logf)
	}

	if cfg.ShareEmbeddings {
		logf("disabling share_embeddings after vocabulary migration")
		cfg.ShareEmbeddings = false
	}
	ckpt.SrcVocab = fields.Src
	ckpt.TgtVocab = fields.Tgt
	return nil
}

// migrateBias carries generator bias values into the new vocabulary's
// index space. Under lang-filter only tokens that are untagged or
// belong to the configured language keep their value; under
// zero-specials only the reserved rows keep theirs. Everything else
// starts at zero.
func migrateBias(ckpt *checkpoint.Checkpoint, cfg *params.Config, newTgt *vocab.Vocabulary, logf func(string, ...interface{})) {
	oldBias := ckpt.Generator["bias"]
	if oldBias == nil {
		return
	}
	switch cfg.BiasPolicy {
	case params.BiasDrop:
		delete(ckpt.Generator, "bias")
		dropOptimEntry(ckpt, "generator.bias")
		return
	case params.BiasLangFilter, params.BiasZeroSpecials:
	default:
		logf("unknown bias policy %q, keeping the old bias untouched", cfg.BiasPolicy)
		return
	}

	oldVocab := ckpt.TgtVocab
	langPrefix := cfg.Langcode + "@"
	newBias := mat.NewDense(newTgt.Len(), 1, nil)
	carried := 0
	for tok, newID := range newTgt.TokenToID {
		oldID, ok := oldVocab.TokenToID[tok]
		if !ok {
			continue
		}
		if cfg.BiasPolicy == params.BiasLangFilter {
			if strings.Contains(tok, "@") && !strings.HasPrefix(tok, langPrefix) {
				continue
			}
		}
		if cfg.BiasPolicy == params.BiasZeroSpecials && newID >= vocab.NumSpecials {
			continue
		}
		newBias.Set(newID, 0, oldBias.At(oldID, 0))
		carried++
	}
	logf("generator bias migrated: %d of %d entries carried", carried, newTgt.Len())
	ckpt.Generator["bias"] = newBias
	dropOptimEntry(ckpt, "generator.bias")
}

// dropOptimEntry forgets the optimizer moments of a reshaped tensor.
func dropOptimEntry(ckpt *checkpoint.Checkpoint, key string) {
	if ckpt.Optim == nil {
		return
	}
	delete(ckpt.Optim.M, key)
	delete(ckpt.Optim.V, key)
}
