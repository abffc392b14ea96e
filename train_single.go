package main

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/data"
	"github.com/manningwu07/NMT/distributed"
	"github.com/manningwu07/NMT/model"
	"github.com/manningwu07/NMT/optimizations"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/stats"
	"github.com/manningwu07/NMT/trainer"
	"github.com/manningwu07/NMT/vocab"
)

type runOpts struct {
	dataPrefix   string
	validPrefix  string
	saveModel    string
	trainFrom    string
	srcVocabPath string
	tgtVocabPath string
	srcVecPath   string
	tgtVecPath   string
	bpeCorpus    string
	bpeTokenizer string
	bpeVocabSize int
}

// runTraining is one worker's whole run: resolve vocabularies and
// checkpoint, assemble the model, then hand off to the trainer.
func runTraining(cfg params.Config, opts runOpts, reducer distributed.Reducer, report *stats.Report) error {
	fields, ckpt, err := loadFields(&cfg, opts, report)
	if err != nil {
		return err
	}

	m, err := model.Assemble(cfg, fields, ckpt, report.Printf)
	if err != nil {
		return errors.Wrap(err, "assemble model")
	}

	optim := optimizations.NewOptimizer(cfg, m)
	if ckpt != nil {
		optim.LoadState(ckpt.Optim, cfg.ResetOptim)
	}

	var saver *checkpoint.Saver
	if opts.saveModel != "" && cfg.GpuRank == 0 {
		saver = checkpoint.NewSaver(opts.saveModel, m, cfg, fields.Src, fields.Tgt, optim, report)
	}

	loss := model.NewLossCompute(m, fields, cfg.ShardSize, cfg.TrainOnlySecTask)

	base, err := data.OpenShardSet(opts.dataPrefix, cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "open training data")
	}
	defer base.Close()
	var trainIter data.Iterator = base
	if !cfg.SinglePass {
		trainIter = data.NewRepeatingIter(base)
	}
	if reducer.WorldSize() > 1 {
		trainIter = data.NewStridedIter(trainIter, reducer.WorldSize(), cfg.GpuRank)
	}
	if fields.TgtFeats != nil {
		trainIter = &featTagger{src: trainIter, tgt: fields.Tgt, feats: fields.TgtFeats}
	}

	var valid data.Restartable
	if opts.validPrefix != "" {
		vbase, err := data.OpenShardSet(opts.validPrefix, cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "open validation data")
		}
		defer vbase.Close()
		if fields.TgtFeats != nil {
			valid = &featTagger{src: vbase, tgt: fields.Tgt, feats: fields.TgtFeats}
		} else {
			valid = vbase
		}
	}

	tr, err := trainer.New(cfg, m, optim, loss, saver, reducer, report)
	if err != nil {
		return err
	}
	_, err = tr.Train(trainIter, valid)
	return err
}

// loadFields resolves the vocabularies, pretrained vectors and the
// resume checkpoint, including the language fine-tune migration.
func loadFields(cfg *params.Config, opts runOpts, report *stats.Report) (model.Fields, *checkpoint.Checkpoint, error) {
	var fields model.Fields
	var ckpt *checkpoint.Checkpoint

	if opts.trainFrom != "" {
		var err error
		ckpt, err = checkpoint.Load(opts.trainFrom)
		if err != nil {
			return fields, nil, err
		}
		report.Printf("Loaded checkpoint %s at step %d", opts.trainFrom, ckptStep(ckpt))
		fields.Src = ckpt.SrcVocab
		fields.Tgt = ckpt.TgtVocab
	}

	var err error
	if opts.srcVocabPath != "" {
		if fields.Src, err = vocab.ImportJSON(opts.srcVocabPath); err != nil {
			return fields, nil, err
		}
	} else if fields.Src == nil && opts.srcVecPath != "" {
		if fields.Src, err = vocab.FromVecFile(opts.srcVecPath, nil); err != nil {
			return fields, nil, err
		}
	}
	if opts.tgtVocabPath != "" {
		if fields.Tgt, err = vocab.ImportJSON(opts.tgtVocabPath); err != nil {
			return fields, nil, err
		}
	} else if fields.Tgt == nil && opts.tgtVecPath != "" {
		if fields.Tgt, err = vocab.FromVecFile(opts.tgtVecPath, nil); err != nil {
			return fields, nil, err
		}
	}
	if (fields.Src == nil || fields.Tgt == nil) && opts.bpeCorpus != "" {
		joint, err := vocab.TrainBPE(opts.bpeCorpus, opts.bpeTokenizer, opts.bpeVocabSize)
		if err != nil {
			return fields, nil, errors.Wrap(err, "train subword vocabulary")
		}
		report.Printf("Subword vocabulary of %d tokens from %s", joint.Len(), opts.bpeCorpus)
		if fields.Src == nil {
			fields.Src = joint
		}
		if fields.Tgt == nil {
			fields.Tgt = joint
		}
	}
	if fields.Src == nil || fields.Tgt == nil {
		return fields, nil, errors.New("source and target vocabularies are required; give -src_vocab/-tgt_vocab, embeddings, -train_bpe or -train_from")
	}

	if opts.srcVecPath != "" && fields.Src.Vectors == nil {
		if err := attachVectors(fields.Src, opts.srcVecPath); err != nil {
			return fields, nil, err
		}
	}
	if opts.tgtVecPath != "" && fields.Tgt.Vectors == nil {
		if err := attachVectors(fields.Tgt, opts.tgtVecPath); err != nil {
			return fields, nil, err
		}
	}

	if cfg.MultiTask || cfg.UseFeatEmb {
		fields.TgtFeats = languageVocab(fields.Tgt)
	}

	if cfg.UseLang != "" {
		if ckpt == nil {
			return fields, nil, errors.New("-use_lang needs -train_from")
		}
		fields.Tgt = fields.Tgt.SubsetLanguage(cfg.UseLang)
		report.Printf("Target vocabulary restricted to %q: %d tokens", cfg.UseLang, fields.Tgt.Len())
		if err := model.MigrateVocab(ckpt, cfg, fields, report.Printf); err != nil {
			return fields, nil, errors.Wrap(err, "migrate vocabulary")
		}
	}
	return fields, ckpt, nil
}

func ckptStep(ckpt *checkpoint.Checkpoint) int {
	if ckpt.Optim == nil {
		return 0
	}
	return ckpt.Optim.TrainingStep
}

func attachVectors(v *vocab.Vocabulary, path string) error {
	vecs, dim, err := vocab.LoadVecFile(path)
	if err != nil {
		return err
	}
	v.AttachVectors(vecs, dim)
	return nil
}

// languageVocab builds the feature vocabulary from the language tags
// found in the target vocabulary.
func languageVocab(tgt *vocab.Vocabulary) *vocab.Vocabulary {
	seen := map[string]bool{}
	var langs []string
	for _, tok := range tgt.IDToToken {
		i := strings.Index(tok, "@")
		if i <= 0 || seen[tok[:i]] {
			continue
		}
		seen[tok[:i]] = true
		langs = append(langs, tok[:i])
	}
	sort.Strings(langs)
	return vocab.New(langs, nil)
}

// featTagger derives the per-token language label stream from the
// target tokens themselves. Untagged tokens map to the unknown label.
type featTagger struct {
	src   data.Iterator
	tgt   *vocab.Vocabulary
	feats *vocab.Vocabulary
}

func (f *featTagger) Next() *data.Batch {
	b := f.src.Next()
	if b == nil {
		return nil
	}
	b.TgtFeats = make([][]int, len(b.Tgt))
	for i, tgt := range b.Tgt {
		fs := make([]int, len(tgt))
		for j, id := range tgt {
			tok := f.tgt.IDToToken[id]
			if k := strings.Index(tok, "@"); k > 0 {
				fs[j] = f.feats.Lookup(tok[:k])
			} else {
				fs[j] = vocab.UnkIndex
			}
		}
		b.TgtFeats[i] = fs
	}
	return b
}

func (f *featTagger) Restart() {
	if r, ok := f.src.(data.Restartable); ok {
		r.Restart()
	}
}
