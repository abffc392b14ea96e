package params

import (
	"github.com/pkg/errors"
)

// Generator variants.
const (
	GenSoftmax             = "softmax"
	GenSparsemax           = "sparsemax"
	GenCopy                = "copy"
	GenContinuousLinear    = "continuous-linear"
	GenContinuousNonlinear = "continuous-nonlinear"
)

// Generator bias migration policies.
const (
	BiasLangFilter   = "lang-filter"
	BiasZeroSpecials = "zero-specials"
	BiasDrop         = "drop"
)

// Optimizer state retention on save.
const (
	ResetOptimNone   = "none"
	ResetOptimStates = "states"
	ResetOptimAll    = "all"
)

// Config holds every hyperparameter of a training run. It is validated
// once by Validate and treated as read-only afterwards.
type Config struct {
	// Architecture
	ModelType   string // "text" or "vec"
	EncoderType string // key into the encoder registry
	DecoderType string // key into the decoder registry
	InputFeed   bool   // rnn decoder -> ifrnn
	DModel      int    // encoder/decoder hidden width
	SrcWordVecSize int
	TgtWordVecSize int
	CNNKernelWidth int
	NumHeads       int // transformer variants

	// Features
	UseFeatEmb  bool
	FeatMerge   string // "concat" or "sum"
	FeatVecSize int

	// Generator
	GeneratorFunction string
	GeneratorLayerNorm bool
	NoGeneratorBias    bool
	Center             bool // re-center continuous target vectors

	// Sharing / freezing
	ShareEmbeddings        bool
	ShareDecoderEmbeddings bool
	SyncOutputEmbeddings   bool
	FixWordVecsEnc         bool
	FixWordVecsDec         bool
	FreezeEncoder          bool
	FreezeDecoder          bool

	// Initialization
	ParamInit       float64
	ParamInitGlorot bool

	// Secondary task
	MultiTask        bool
	TrainOnlySecTask bool

	// Training loop
	BatchSize           int
	TrainSteps          int
	ValidSteps          int
	SaveCheckpointSteps int
	KeepCheckpoint      int // >0 bounded FIFO, 0 never save, <0 keep all
	SinglePass          bool
	TruncSize           int
	ShardSize           int
	Normalization       string // "sents" or "tokens"
	AccumCount          []int
	AccumSteps          []int
	Dropout             []float64
	DropoutSteps        []int

	// Moving average
	AverageDecay float64
	AverageEvery int

	// Denoising
	Denoise     bool
	WordShuffle float64
	WordDropout float64
	WordBlank   float64

	// Early stopping
	EarlyStopping     int      // patience budget, 0 disables
	EarlyStopCriteria []string // scorer names: "ppl", "accuracy"

	// Precision
	ModelDtype string // "fp32" or "fp16"

	// Checkpoint contents
	ResetOptim          string
	DetachedEmbeddings  bool
	DetachedSpecialRows int

	// Vocabulary migration
	BiasPolicy string
	Langcode   string
	UseLang    string

	// Workers
	WorldSize int
	GpuRank   int

	// Optimizer
	LearningRate float64
	WarmupSteps  int
	DecaySteps   int
	AdamBeta1    float64
	AdamBeta2    float64
	AdamEps      float64
	WeightDecay  float64
	GradClip     float64

	// Reporting
	ReportEvery int
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ModelType:   "text",
		EncoderType: "rnn",
		DecoderType: "rnn",
		DModel:      256,
		SrcWordVecSize: 256,
		TgtWordVecSize: 256,
		CNNKernelWidth: 3,
		NumHeads:       8,

		FeatMerge:   "concat",
		FeatVecSize: 16,

		GeneratorFunction: GenSoftmax,

		ParamInit: 0.1,

		BatchSize:           64,
		TrainSteps:          100000,
		ValidSteps:          10000,
		SaveCheckpointSteps: 5000,
		KeepCheckpoint:      -1,
		ShardSize:           32,
		Normalization:       "sents",
		AccumCount:          []int{1},
		AccumSteps:          []int{0},
		Dropout:             []float64{0.3},
		DropoutSteps:        []int{0},

		AverageEvery: 1,

		WordShuffle: 3,

		EarlyStopCriteria: []string{"ppl"},

		ModelDtype: "fp32",

		ResetOptim:          ResetOptimNone,
		DetachedSpecialRows: 32,

		BiasPolicy: BiasLangFilter,

		WorldSize: 1,

		LearningRate: 1e-3,
		WarmupSteps:  4000,
		AdamBeta1:    0.9,
		AdamBeta2:    0.999,
		AdamEps:      1e-8,
		GradClip:     1.0,

		ReportEvery: 50,
	}
}

// Validate performs every fatal configuration check before any
// component consumes the config.
func (c *Config) Validate() error {
	switch c.ModelType {
	case "text", "vec":
	default:
		return errors.Errorf("unknown model type %q", c.ModelType)
	}
	switch c.GeneratorFunction {
	case GenSoftmax, GenSparsemax, GenCopy, GenContinuousLinear, GenContinuousNonlinear:
	default:
		return errors.Errorf("unknown generator function %q", c.GeneratorFunction)
	}
	switch c.BiasPolicy {
	case BiasLangFilter, BiasZeroSpecials, BiasDrop:
	default:
		return errors.Errorf("unknown bias policy %q", c.BiasPolicy)
	}
	switch c.ResetOptim {
	case ResetOptimNone, ResetOptimStates, ResetOptimAll:
	default:
		return errors.Errorf("unknown reset-optim policy %q", c.ResetOptim)
	}
	switch c.Normalization {
	case "sents", "tokens":
	default:
		return errors.Errorf("unknown normalization method %q", c.Normalization)
	}
	switch c.FeatMerge {
	case "concat", "sum":
	default:
		return errors.Errorf("unknown feature merge %q", c.FeatMerge)
	}
	switch c.ModelDtype {
	case "fp32", "fp16":
	default:
		return errors.Errorf("unknown model dtype %q", c.ModelDtype)
	}

	if len(c.AccumCount) == 0 || len(c.AccumCount) != len(c.AccumSteps) {
		return errors.New("accum_count and accum_steps must be non-empty and the same length")
	}
	if c.AccumSteps[0] != 0 {
		return errors.New("accum_steps must start at 0")
	}
	for _, n := range c.AccumCount {
		if n <= 0 {
			return errors.New("accum_count values must be positive")
		}
		if n > 1 && c.TruncSize > 0 {
			return errors.New("gradient accumulation requires disabling target sequence truncation")
		}
	}
	if len(c.Dropout) == 0 || len(c.Dropout) != len(c.DropoutSteps) {
		return errors.New("dropout and dropout_steps must be non-empty and the same length")
	}
	if c.ShareDecoderEmbeddings && c.GeneratorFunction != GenSoftmax &&
		c.GeneratorFunction != GenSparsemax &&
		c.GeneratorFunction != GenContinuousLinear &&
		c.GeneratorFunction != GenContinuousNonlinear {
		return errors.Errorf("share_decoder_embeddings is not supported with the %q generator", c.GeneratorFunction)
	}
	if c.WordDropout < 0 || c.WordDropout >= 1 {
		return errors.New("word_dropout must be in [0, 1)")
	}
	if c.AverageEvery <= 0 {
		return errors.New("average_every must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if c.WorldSize < 1 {
		return errors.New("world_size must be at least 1")
	}
	if c.DetachedEmbeddings && c.DetachedSpecialRows <= 0 {
		return errors.New("detached embeddings need a positive special-row count")
	}
	return nil
}

// AccumCountAt returns the accumulation count in effect at step.
func (c *Config) AccumCountAt(step int) int {
	accum := c.AccumCount[0]
	for i := range c.AccumSteps {
		if step > c.AccumSteps[i] {
			accum = c.AccumCount[i]
		}
	}
	return accum
}

// Continuous reports whether the generator emits dense vectors instead
// of a distribution.
func (c *Config) Continuous() bool {
	return c.GeneratorFunction == GenContinuousLinear ||
		c.GeneratorFunction == GenContinuousNonlinear
}
