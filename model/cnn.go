package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/utils"
)

// CNNEncoder applies one same-padded 1D convolution of width K over
// the embedded source, with a tanh nonlinearity:
//
//	out_t = tanh(b + sum_k W_k * x_{t+k-K/2})
type CNNEncoder struct {
	W  []*mat.Dense // K kernels, each (d x inDim)
	B  *mat.Dense
	gW []*mat.Dense
	gB *mat.Dense

	d   int
	emb *Embeddings
}

func NewCNNEncoder(d, kernelWidth int, emb *Embeddings) *CNNEncoder {
	if kernelWidth < 1 {
		kernelWidth = 3
	}
	e := &CNNEncoder{
		B:   mat.NewDense(d, 1, nil),
		d:   d,
		emb: emb,
	}
	in := emb.Dim()
	for k := 0; k < kernelWidth; k++ {
		e.W = append(e.W, mat.NewDense(d, in, utils.RandomArray(d*in, float64(in*kernelWidth))))
		e.gW = append(e.gW, mat.NewDense(d, in, nil))
	}
	e.gB = utils.ZerosLike(e.B)
	return e
}

type cnnCache struct {
	x *mat.Dense
	h *mat.Dense
}

func (e *CNNEncoder) Forward(words, feats []int, training bool) *EncResult {
	x, ec := e.emb.Embed(words, feats, training)
	_, T := x.Dims()
	offset := len(e.W) / 2
	h := mat.NewDense(e.d, T, nil)
	for t := 0; t < T; t++ {
		acc := utils.CloneDense(e.B)
		for k := range e.W {
			src := t + k - offset
			if src < 0 || src >= T {
				continue
			}
			acc.Add(acc, utils.Dot(e.W[k], utils.Col(x, src)))
		}
		for i := 0; i < e.d; i++ {
			h.Set(i, t, tanh(acc.At(i, 0)))
		}
	}
	return &EncResult{
		Outs:  h,
		Final: utils.Col(h, T-1),
		emb:   ec,
		cache: &cnnCache{x: x, h: h},
	}
}

func (e *CNNEncoder) Backward(res *EncResult, dOuts *mat.Dense) {
	cache := res.cache.(*cnnCache)
	inDim, T := cache.x.Dims()
	offset := len(e.W) / 2
	dX := mat.NewDense(inDim, T, nil)
	for t := 0; t < T; t++ {
		dpre := mat.NewDense(e.d, 1, nil)
		for i := 0; i < e.d; i++ {
			hv := cache.h.At(i, t)
			dpre.Set(i, 0, dOuts.At(i, t)*(1-hv*hv))
		}
		e.gB.Add(e.gB, dpre)
		for k := range e.W {
			src := t + k - offset
			if src < 0 || src >= T {
				continue
			}
			xc := utils.Col(cache.x, src)
			e.gW[k].Add(e.gW[k], utils.Dot(dpre, xc.T()))
			utils.AddCol(dX, src, utils.Dot(e.W[k].T(), dpre))
		}
	}
	e.emb.Backward(res.emb, dX)
}

func (e *CNNEncoder) NamedParams() []NamedParam {
	var ps []NamedParam
	for k := range e.W {
		ps = append(ps, NamedParam{Name: "conv.w_" + itoa(k), W: e.W[k], G: e.gW[k]})
	}
	ps = append(ps, NamedParam{Name: "conv.bias", W: e.B, G: e.gB})
	return append(ps, prefixed("embeddings", e.emb.NamedParams())...)
}

func (e *CNNEncoder) UpdateDropout(p float64) { e.emb.UpdateDropout(p) }
