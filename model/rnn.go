package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/utils"
)

// rnnCell is a single tanh recurrence shared by the recurrent encoder
// and decoder: h_t = tanh(Wih x_t + Whh h_{t-1} + b).
type rnnCell struct {
	Wih, Whh, B    *mat.Dense
	gWih, gWhh, gB *mat.Dense
	d              int
}

func newRNNCell(d, inDim int) *rnnCell {
	c := &rnnCell{
		Wih: mat.NewDense(d, inDim, utils.RandomArray(d*inDim, float64(inDim))),
		Whh: mat.NewDense(d, d, utils.RandomArray(d*d, float64(d))),
		B:   mat.NewDense(d, 1, nil),
		d:   d,
	}
	c.gWih = utils.ZerosLike(c.Wih)
	c.gWhh = utils.ZerosLike(c.Whh)
	c.gB = utils.ZerosLike(c.B)
	return c
}

func (c *rnnCell) step(x, hPrev *mat.Dense) *mat.Dense {
	h := utils.Dot(c.Wih, x)
	h.Add(h, utils.Dot(c.Whh, hPrev))
	h.Add(h, c.B)
	return utils.Apply(func(_, _ int, v float64) float64 { return tanh(v) }, h)
}

// stepBackward: given dh (total gradient at h_t) and the step's inputs,
// accumulates weight gradients and returns (dx, dhPrev).
func (c *rnnCell) stepBackward(dh, h, x, hPrev *mat.Dense) (dx, dhPrev *mat.Dense) {
	dpre := utils.ZerosLike(dh)
	for i := 0; i < c.d; i++ {
		hv := h.At(i, 0)
		dpre.Set(i, 0, dh.At(i, 0)*(1-hv*hv))
	}
	c.gWih.Add(c.gWih, utils.Dot(dpre, x.T()))
	c.gWhh.Add(c.gWhh, utils.Dot(dpre, hPrev.T()))
	c.gB.Add(c.gB, dpre)
	return utils.Dot(c.Wih.T(), dpre), utils.Dot(c.Whh.T(), dpre)
}

func (c *rnnCell) namedParams(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + ".w_ih", W: c.Wih, G: c.gWih},
		{Name: prefix + ".w_hh", W: c.Whh, G: c.gWhh},
		{Name: prefix + ".bias", W: c.B, G: c.gB},
	}
}

type rnnEncCache struct {
	x *mat.Dense // embedded inputs (in x T)
	h *mat.Dense // hidden states (d x T)
}

// RNNEncoder is a single-layer Elman recurrence over the embedded
// source.
type RNNEncoder struct {
	cell *rnnCell
	emb  *Embeddings
}

func NewRNNEncoder(d int, emb *Embeddings) *RNNEncoder {
	return &RNNEncoder{cell: newRNNCell(d, emb.Dim()), emb: emb}
}

func (e *RNNEncoder) Forward(words, feats []int, training bool) *EncResult {
	x, ec := e.emb.Embed(words, feats, training)
	_, T := x.Dims()
	h := mat.NewDense(e.cell.d, T, nil)
	hPrev := mat.NewDense(e.cell.d, 1, nil)
	for t := 0; t < T; t++ {
		ht := e.cell.step(utils.Col(x, t), hPrev)
		for i := 0; i < e.cell.d; i++ {
			h.Set(i, t, ht.At(i, 0))
		}
		hPrev = ht
	}
	return &EncResult{
		Outs:  h,
		Final: utils.Col(h, T-1),
		emb:   ec,
		cache: &rnnEncCache{x: x, h: h},
	}
}

func (e *RNNEncoder) Backward(res *EncResult, dOuts *mat.Dense) {
	cache := res.cache.(*rnnEncCache)
	_, T := cache.h.Dims()
	inDim, _ := cache.x.Dims()
	dX := mat.NewDense(inDim, T, nil)
	dhNext := mat.NewDense(e.cell.d, 1, nil)
	for t := T - 1; t >= 0; t-- {
		dh := utils.Col(dOuts, t)
		dh.Add(dh, dhNext)
		hPrev := mat.NewDense(e.cell.d, 1, nil)
		if t > 0 {
			hPrev = utils.Col(cache.h, t-1)
		}
		dx, dhp := e.cell.stepBackward(dh, utils.Col(cache.h, t), utils.Col(cache.x, t), hPrev)
		for i := 0; i < inDim; i++ {
			dX.Set(i, t, dx.At(i, 0))
		}
		dhNext = dhp
	}
	e.emb.Backward(res.emb, dX)
}

func (e *RNNEncoder) NamedParams() []NamedParam {
	ps := e.cell.namedParams("rnn")
	return append(ps, prefixed("embeddings", e.emb.NamedParams())...)
}

func (e *RNNEncoder) UpdateDropout(p float64) { e.emb.UpdateDropout(p) }

// BRNNEncoder runs the recurrence in both directions and sums the two
// memory banks.
type BRNNEncoder struct {
	fwd, bwd *rnnCell
	emb      *Embeddings
}

func NewBRNNEncoder(d int, emb *Embeddings) *BRNNEncoder {
	return &BRNNEncoder{
		fwd: newRNNCell(d, emb.Dim()),
		bwd: newRNNCell(d, emb.Dim()),
		emb: emb,
	}
}

type brnnCache struct {
	x      *mat.Dense
	hf, hb *mat.Dense
}

func runDirection(cell *rnnCell, x *mat.Dense, reverse bool) *mat.Dense {
	_, T := x.Dims()
	h := mat.NewDense(cell.d, T, nil)
	hPrev := mat.NewDense(cell.d, 1, nil)
	for step := 0; step < T; step++ {
		t := step
		if reverse {
			t = T - 1 - step
		}
		ht := cell.step(utils.Col(x, t), hPrev)
		for i := 0; i < cell.d; i++ {
			h.Set(i, t, ht.At(i, 0))
		}
		hPrev = ht
	}
	return h
}

func backDirection(cell *rnnCell, x, h, dOuts *mat.Dense, reverse bool, dX *mat.Dense) {
	_, T := x.Dims()
	dhNext := mat.NewDense(cell.d, 1, nil)
	for step := T - 1; step >= 0; step-- {
		t := step
		prev := step - 1
		if reverse {
			t = T - 1 - step
			prev = t + 1
		}
		dh := utils.Col(dOuts, t)
		dh.Add(dh, dhNext)
		hPrev := mat.NewDense(cell.d, 1, nil)
		if prev >= 0 && prev < T {
			hPrev = utils.Col(h, prev)
		}
		dx, dhp := cell.stepBackward(dh, utils.Col(h, t), utils.Col(x, t), hPrev)
		utils.AddCol(dX, t, dx)
		dhNext = dhp
	}
}

func (e *BRNNEncoder) Forward(words, feats []int, training bool) *EncResult {
	x, ec := e.emb.Embed(words, feats, training)
	_, T := x.Dims()
	hf := runDirection(e.fwd, x, false)
	hb := runDirection(e.bwd, x, true)
	outs := utils.Add(hf, hb)
	final := utils.Col(hf, T-1)
	final.Add(final, utils.Col(hb, 0))
	return &EncResult{
		Outs:  outs,
		Final: final,
		emb:   ec,
		cache: &brnnCache{x: x, hf: hf, hb: hb},
	}
}

func (e *BRNNEncoder) Backward(res *EncResult, dOuts *mat.Dense) {
	cache := res.cache.(*brnnCache)
	inDim, T := cache.x.Dims()
	dX := mat.NewDense(inDim, T, nil)
	backDirection(e.fwd, cache.x, cache.hf, dOuts, false, dX)
	backDirection(e.bwd, cache.x, cache.hb, dOuts, true, dX)
	e.emb.Backward(res.emb, dX)
}

func (e *BRNNEncoder) NamedParams() []NamedParam {
	ps := e.fwd.namedParams("rnn_fwd")
	ps = append(ps, e.bwd.namedParams("rnn_bwd")...)
	return append(ps, prefixed("embeddings", e.emb.NamedParams())...)
}

func (e *BRNNEncoder) UpdateDropout(p float64) { e.emb.UpdateDropout(p) }
