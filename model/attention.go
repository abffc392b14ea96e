package model

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/utils"
)

// globalAttention scores a decoder state against the encoder memory
// bank (dot product), mixes a context vector and produces the
// attentional output tanh(Wc [h; c]).
type globalAttention struct {
	Wc  *mat.Dense // (d x 2d)
	gWc *mat.Dense
	d   int
}

func newGlobalAttention(d int) *globalAttention {
	a := &globalAttention{
		Wc: mat.NewDense(d, 2*d, utils.RandomArray(d*2*d, float64(2*d))),
		d:  d,
	}
	a.gWc = utils.ZerosLike(a.Wc)
	return a
}

type attnCache struct {
	h, c, out *mat.Dense
	align     *mat.Dense // (S x 1)
	memory    *mat.Dense // shared, not owned
}

func (a *globalAttention) forward(h, memory *mat.Dense) (*mat.Dense, *attnCache) {
	scores := utils.Dot(memory.T(), h) // (S x 1)
	S, _ := scores.Dims()
	max := math.Inf(-1)
	for i := 0; i < S; i++ {
		if scores.At(i, 0) > max {
			max = scores.At(i, 0)
		}
	}
	sum := 0.0
	align := mat.NewDense(S, 1, nil)
	for i := 0; i < S; i++ {
		e := math.Exp(scores.At(i, 0) - max)
		align.Set(i, 0, e)
		sum += e
	}
	align.Scale(1/sum, align)

	c := utils.Dot(memory, align) // (d x 1)
	hc := mat.NewDense(2*a.d, 1, nil)
	for i := 0; i < a.d; i++ {
		hc.Set(i, 0, h.At(i, 0))
		hc.Set(a.d+i, 0, c.At(i, 0))
	}
	out := utils.Dot(a.Wc, hc)
	out = utils.Apply(func(_, _ int, v float64) float64 { return tanh(v) }, out)
	return out, &attnCache{h: h, c: c, out: out, align: align, memory: memory}
}

// backward returns (dH, dMemory contribution).
func (a *globalAttention) backward(cache *attnCache, dOut *mat.Dense) (*mat.Dense, *mat.Dense) {
	dpre := mat.NewDense(a.d, 1, nil)
	for i := 0; i < a.d; i++ {
		o := cache.out.At(i, 0)
		dpre.Set(i, 0, dOut.At(i, 0)*(1-o*o))
	}
	hc := mat.NewDense(2*a.d, 1, nil)
	for i := 0; i < a.d; i++ {
		hc.Set(i, 0, cache.h.At(i, 0))
		hc.Set(a.d+i, 0, cache.c.At(i, 0))
	}
	a.gWc.Add(a.gWc, utils.Dot(dpre, hc.T()))

	dHC := utils.Dot(a.Wc.T(), dpre)
	dH := mat.NewDense(a.d, 1, nil)
	dC := mat.NewDense(a.d, 1, nil)
	for i := 0; i < a.d; i++ {
		dH.Set(i, 0, dHC.At(i, 0))
		dC.Set(i, 0, dHC.At(a.d+i, 0))
	}

	S, _ := cache.align.Dims()
	dMem := utils.ZerosLike(cache.memory)
	// c = M a
	dMem.Add(dMem, utils.Dot(dC, cache.align.T()))
	dAlign := utils.Dot(cache.memory.T(), dC)

	// softmax jacobian
	dot := 0.0
	for i := 0; i < S; i++ {
		dot += cache.align.At(i, 0) * dAlign.At(i, 0)
	}
	dScores := mat.NewDense(S, 1, nil)
	for i := 0; i < S; i++ {
		dScores.Set(i, 0, cache.align.At(i, 0)*(dAlign.At(i, 0)-dot))
	}

	// scores = M^T h
	dH.Add(dH, utils.Dot(cache.memory, dScores))
	dMem.Add(dMem, utils.Dot(cache.h, dScores.T()))
	return dH, dMem
}

func (a *globalAttention) namedParams(prefix string) []NamedParam {
	return []NamedParam{{Name: prefix + ".wc", W: a.Wc, G: a.gWc}}
}
