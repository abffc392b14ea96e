package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/manningwu07/NMT/distributed"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/stats"
)

func main() {
	cfg := params.Default()
	var opts runOpts

	flag.StringVar(&opts.dataPrefix, "data", "", "training shard prefix (as written by the preprocessor)")
	flag.StringVar(&opts.validPrefix, "valid", "", "validation shard prefix")
	flag.StringVar(&opts.saveModel, "save_model", "model", "checkpoint base path")
	flag.StringVar(&opts.trainFrom, "train_from", "", "checkpoint to resume or fine-tune from")
	flag.StringVar(&opts.srcVocabPath, "src_vocab", "", "source vocabulary JSON")
	flag.StringVar(&opts.tgtVocabPath, "tgt_vocab", "", "target vocabulary JSON")
	flag.StringVar(&opts.srcVecPath, "src_embeddings", "", "pretrained source vectors, word2vec text format")
	flag.StringVar(&opts.tgtVecPath, "tgt_embeddings", "", "pretrained target vectors, word2vec text format")
	flag.StringVar(&opts.bpeCorpus, "train_bpe", "", "train a joint subword vocabulary on this corpus when no vocabulary is given")
	flag.StringVar(&opts.bpeTokenizer, "bpe_tokenizer", "tokenizer.json", "where the trained subword tokenizer is kept")
	flag.IntVar(&opts.bpeVocabSize, "bpe_vocab_size", 32000, "subword vocabulary size")

	flag.StringVar(&cfg.EncoderType, "encoder_type", cfg.EncoderType, "mean, rnn, brnn, cnn or transformer")
	flag.StringVar(&cfg.DecoderType, "decoder_type", cfg.DecoderType, "rnn or transformer")
	flag.BoolVar(&cfg.InputFeed, "input_feed", cfg.InputFeed, "feed the attentional output back into the decoder")
	flag.IntVar(&cfg.DModel, "rnn_size", cfg.DModel, "hidden width")
	flag.IntVar(&cfg.SrcWordVecSize, "src_word_vec_size", cfg.SrcWordVecSize, "source embedding width")
	flag.IntVar(&cfg.TgtWordVecSize, "tgt_word_vec_size", cfg.TgtWordVecSize, "target embedding width")
	flag.IntVar(&cfg.NumHeads, "heads", cfg.NumHeads, "attention heads for the transformer variants")
	flag.StringVar(&cfg.GeneratorFunction, "generator_function", cfg.GeneratorFunction, "softmax, sparsemax, copy, continuous-linear or continuous-nonlinear")
	flag.BoolVar(&cfg.GeneratorLayerNorm, "generator_layer_norm", cfg.GeneratorLayerNorm, "layer-normalize continuous predictions")
	flag.BoolVar(&cfg.NoGeneratorBias, "no_generator_bias", cfg.NoGeneratorBias, "drop the generator bias")
	flag.BoolVar(&cfg.Center, "center", cfg.Center, "re-center continuous target vectors")

	flag.BoolVar(&cfg.ShareEmbeddings, "share_embeddings", cfg.ShareEmbeddings, "share encoder and decoder word tables")
	flag.BoolVar(&cfg.ShareDecoderEmbeddings, "share_decoder_embeddings", cfg.ShareDecoderEmbeddings, "tie the generator to the decoder word table")
	flag.BoolVar(&cfg.SyncOutputEmbeddings, "sync_output_embeddings", cfg.SyncOutputEmbeddings, "alias instead of copy when tying output embeddings")
	flag.BoolVar(&cfg.FixWordVecsEnc, "fix_word_vecs_enc", cfg.FixWordVecsEnc, "freeze source word vectors")
	flag.BoolVar(&cfg.FixWordVecsDec, "fix_word_vecs_dec", cfg.FixWordVecsDec, "freeze target word vectors")
	flag.BoolVar(&cfg.FreezeEncoder, "freeze_encoder", cfg.FreezeEncoder, "train nothing in the encoder")
	flag.BoolVar(&cfg.FreezeDecoder, "freeze_decoder", cfg.FreezeDecoder, "train nothing in the decoder")
	flag.Float64Var(&cfg.ParamInit, "param_init", cfg.ParamInit, "uniform init bound, 0 disables")
	flag.BoolVar(&cfg.ParamInitGlorot, "param_init_glorot", cfg.ParamInitGlorot, "xavier init for matrices")

	flag.BoolVar(&cfg.MultiTask, "multi_task", cfg.MultiTask, "train a secondary head over the feature stream")
	flag.BoolVar(&cfg.TrainOnlySecTask, "train_only_sec_task", cfg.TrainOnlySecTask, "train only the secondary task")
	flag.BoolVar(&cfg.UseFeatEmb, "use_feat_emb", cfg.UseFeatEmb, "embed the target feature stream")

	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "sentences per batch")
	flag.IntVar(&cfg.TrainSteps, "train_steps", cfg.TrainSteps, "step budget")
	flag.IntVar(&cfg.ValidSteps, "valid_steps", cfg.ValidSteps, "validate every N steps")
	flag.IntVar(&cfg.SaveCheckpointSteps, "save_checkpoint_steps", cfg.SaveCheckpointSteps, "save every N steps")
	flag.IntVar(&cfg.KeepCheckpoint, "keep_checkpoint", cfg.KeepCheckpoint, ">0 keeps the newest N, 0 never saves, <0 keeps all")
	flag.BoolVar(&cfg.SinglePass, "single_pass", cfg.SinglePass, "stop after one pass over the data")
	flag.IntVar(&cfg.TruncSize, "truncated_decoder", cfg.TruncSize, "truncated BPTT window, 0 disables")
	flag.IntVar(&cfg.ShardSize, "max_generator_batches", cfg.ShardSize, "positions scored per generator shard")
	flag.StringVar(&cfg.Normalization, "normalization", cfg.Normalization, "sents or tokens")
	accum := flag.Int("accum_count", cfg.AccumCount[0], "batches accumulated per optimizer step")
	dropout := flag.Float64("dropout", cfg.Dropout[0], "dropout rate")

	flag.Float64Var(&cfg.AverageDecay, "average_decay", cfg.AverageDecay, "parameter moving average decay floor, 0 disables")
	flag.IntVar(&cfg.AverageEvery, "average_every", cfg.AverageEvery, "update the average every N steps")

	flag.BoolVar(&cfg.Denoise, "denoise", cfg.Denoise, "corrupt source sentences during training")
	flag.Float64Var(&cfg.WordShuffle, "word_shuffle", cfg.WordShuffle, "max shuffle displacement")
	flag.Float64Var(&cfg.WordDropout, "word_dropout", cfg.WordDropout, "source token removal probability")
	flag.Float64Var(&cfg.WordBlank, "word_blank", cfg.WordBlank, "source token blanking probability")

	flag.IntVar(&cfg.EarlyStopping, "early_stopping", cfg.EarlyStopping, "validations without improvement before stopping, 0 disables")
	flag.StringVar(&cfg.ModelDtype, "model_dtype", cfg.ModelDtype, "fp32 or fp16")
	flag.StringVar(&cfg.ResetOptim, "reset_optim", cfg.ResetOptim, "none, states or all")
	flag.BoolVar(&cfg.DetachedEmbeddings, "detached_embeddings", cfg.DetachedEmbeddings, "save only the special rows of the word tables")
	flag.StringVar(&cfg.BiasPolicy, "bias_policy", cfg.BiasPolicy, "lang-filter, zero-specials or drop")
	flag.StringVar(&cfg.UseLang, "use_lang", cfg.UseLang, "fine-tune the checkpoint to one language")

	flag.IntVar(&cfg.WorldSize, "world_size", cfg.WorldSize, "number of in-process workers")
	flag.Float64Var(&cfg.LearningRate, "learning_rate", cfg.LearningRate, "peak learning rate")
	flag.IntVar(&cfg.WarmupSteps, "warmup_steps", cfg.WarmupSteps, "linear warmup length")
	flag.IntVar(&cfg.DecaySteps, "decay_steps", cfg.DecaySteps, "halve the rate every N steps after warmup, 0 disables")
	flag.Float64Var(&cfg.GradClip, "max_grad_norm", cfg.GradClip, "global gradient norm clip, 0 disables")
	flag.IntVar(&cfg.ReportEvery, "report_every", cfg.ReportEvery, "progress line interval")
	flag.Parse()

	cfg.AccumCount = []int{*accum}
	cfg.AccumSteps = []int{0}
	cfg.Dropout = []float64{*dropout}
	cfg.DropoutSteps = []int{0}
	if cfg.UseLang != "" {
		cfg.Langcode = cfg.UseLang
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	if opts.dataPrefix == "" {
		fmt.Fprintln(os.Stderr, "missing -data")
		os.Exit(1)
	}

	report := stats.NewReport(nil, cfg.ReportEvery)
	var err error
	if cfg.WorldSize > 1 {
		err = runWorkers(cfg, opts, report)
	} else {
		err = runTraining(cfg, opts, distributed.Single{}, report)
	}
	if err != nil {
		report.Printf("training failed: %v", err)
		os.Exit(1)
	}
}

// runWorkers trains WorldSize replicas in lock step over an in-process
// reduction group. Worker 0 owns checkpointing.
func runWorkers(cfg params.Config, opts runOpts, report *stats.Report) error {
	members := distributed.NewGroup(cfg.WorldSize)
	errs := make(chan error, len(members))
	for _, mbr := range members {
		go func(mbr *distributed.Member) {
			wcfg := cfg
			wcfg.GpuRank = mbr.Rank()
			errs <- runTraining(wcfg, opts, mbr, report)
		}(mbr)
	}
	var first error
	for range members {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}
