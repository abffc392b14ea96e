// Package optimizations implements the training-side numerics: the
// AdamW optimizer with its schedule, and the decayed parameter moving
// average used for validation and saving.
package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/model"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/utils"
)

// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p) with bias correction (AdamW).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			denom := math.Sqrt(vhat) + eps
			update := mhat/denom + weightDecay*p.At(i, j)
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			p.Set(i, j, p.At(i, j)-lr*update)
		}
	}
}

// Optimizer steps the model's trainable parameters with AdamW under a
// warmup-then-decay learning rate schedule. Moments are keyed by
// parameter name so they survive serialization and reordering.
type Optimizer struct {
	cfg   params.Config
	model *model.Model
	step  int
	m, v  map[string]*mat.Dense
}

func NewOptimizer(cfg params.Config, m *model.Model) *Optimizer {
	return &Optimizer{
		cfg:   cfg,
		model: m,
		m:     map[string]*mat.Dense{},
		v:     map[string]*mat.Dense{},
	}
}

func (o *Optimizer) TrainingStep() int { return o.step }

// LearningRate is the rate the next Step will apply: linear warmup,
// then optional halving every decay interval.
func (o *Optimizer) LearningRate() float64 { return o.learningRateAt(o.step + 1) }

func (o *Optimizer) ZeroGrad() { o.model.ZeroGrad() }

// Backward normalizes and propagates one window's loss gradients.
func (o *Optimizer) Backward(l *model.Loss, norm float64) { l.Backward(norm) }

// Step clips the global gradient norm and applies one AdamW update to
// every trainable parameter. The step counter advances once per call,
// not per parameter.
func (o *Optimizer) Step() {
	trainable := o.model.Trainable()
	grads := make([]*mat.Dense, len(trainable))
	for i, p := range trainable {
		grads[i] = p.G
	}
	utils.ClipGrads(o.cfg.GradClip, grads...)

	o.step++
	lr := o.learningRateAt(o.step)
	for _, p := range trainable {
		m, ok := o.m[p.Name]
		if !ok {
			m = utils.ZerosLike(p.W)
			o.m[p.Name] = m
		}
		v, ok := o.v[p.Name]
		if !ok {
			v = utils.ZerosLike(p.W)
			o.v[p.Name] = v
		}
		AdamUpdateInPlace(p.W, p.G, m, v, o.step, lr,
			o.cfg.AdamBeta1, o.cfg.AdamBeta2, o.cfg.AdamEps, o.cfg.WeightDecay)
	}
}

func (o *Optimizer) learningRateAt(step int) float64 {
	lr := o.cfg.LearningRate
	if o.cfg.WarmupSteps > 0 && step < o.cfg.WarmupSteps {
		lr *= float64(step) / float64(o.cfg.WarmupSteps)
	}
	if o.cfg.DecaySteps > 0 && step > o.cfg.WarmupSteps {
		lr *= math.Pow(0.5, float64((step-o.cfg.WarmupSteps)/o.cfg.DecaySteps))
	}
	return lr
}

// State snapshots the optimizer for checkpointing.
func (o *Optimizer) State() *checkpoint.OptimState {
	st := &checkpoint.OptimState{
		TrainingStep: o.step,
		M:            map[string]*mat.Dense{},
		V:            map[string]*mat.Dense{},
	}
	for k, m := range o.m {
		st.M[k] = mat.DenseCopyOf(m)
	}
	for k, v := range o.v {
		st.V[k] = mat.DenseCopyOf(v)
	}
	return st
}

// LoadState restores a snapshot under the configured policy. "all"
// ignores the snapshot entirely, "states" keeps the training step but
// starts the moments fresh, and "none" also restores every moment
// whose shape still matches its parameter.
func (o *Optimizer) LoadState(st *checkpoint.OptimState, policy string) {
	if st == nil || policy == params.ResetOptimAll {
		return
	}
	o.step = st.TrainingStep
	if policy == params.ResetOptimStates {
		return
	}
	shapes := map[string]*mat.Dense{}
	for _, p := range o.model.Trainable() {
		shapes[p.Name] = p.W
	}
	restore := func(dst map[string]*mat.Dense, src map[string]*mat.Dense) {
		for k, m := range src {
			w, ok := shapes[k]
			if !ok {
				continue
			}
			wr, wc := w.Dims()
			mr, mc := m.Dims()
			if wr != mr || wc != mc {
				continue
			}
			dst[k] = mat.DenseCopyOf(m)
		}
	}
	restore(o.m, st.M)
	restore(o.v, st.V)
}
