package model

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/utils"
)

// selfAttn is one residual multi-head self-attention block. The
// decoder uses it with a causal mask.
type selfAttn struct {
	H, d, dHead int
	causal      bool

	Wq, Wk, Wv []*mat.Dense // per head (dHead x d)
	Wo         *mat.Dense   // (d x d)

	gWq, gWk, gWv []*mat.Dense
	gWo           *mat.Dense
}

func newSelfAttn(d, heads int, causal bool) *selfAttn {
	if heads < 1 || d%heads != 0 {
		heads = 1
	}
	a := &selfAttn{
		H:      heads,
		d:      d,
		dHead:  d / heads,
		causal: causal,
		Wo:     mat.NewDense(d, d, utils.RandomArray(d*d, float64(d))),
	}
	for h := 0; h < heads; h++ {
		a.Wq = append(a.Wq, mat.NewDense(a.dHead, d, utils.RandomArray(a.dHead*d, float64(d))))
		a.Wk = append(a.Wk, mat.NewDense(a.dHead, d, utils.RandomArray(a.dHead*d, float64(d))))
		a.Wv = append(a.Wv, mat.NewDense(a.dHead, d, utils.RandomArray(a.dHead*d, float64(d))))
		a.gWq = append(a.gWq, mat.NewDense(a.dHead, d, nil))
		a.gWk = append(a.gWk, mat.NewDense(a.dHead, d, nil))
		a.gWv = append(a.gWv, mat.NewDense(a.dHead, d, nil))
	}
	a.gWo = utils.ZerosLike(a.Wo)
	return a
}

type selfAttnCache struct {
	x       *mat.Dense
	q, k, v []*mat.Dense
	a       []*mat.Dense // per head attention (T x T), columns sum to 1
	o       *mat.Dense   // concatenated head outputs
}

func (sa *selfAttn) forward(x *mat.Dense) (*mat.Dense, *selfAttnCache) {
	_, T := x.Dims()
	scale := 1 / math.Sqrt(float64(sa.dHead))
	cache := &selfAttnCache{x: x, o: mat.NewDense(sa.d, T, nil)}
	for h := 0; h < sa.H; h++ {
		q := utils.Dot(sa.Wq[h], x)
		k := utils.Dot(sa.Wk[h], x)
		v := utils.Dot(sa.Wv[h], x)
		s := utils.Dot(k.T(), q)
		s.Scale(scale, s)
		a := mat.NewDense(T, T, nil)
		for j := 0; j < T; j++ {
			// softmax over positions i attending for query j
			max := math.Inf(-1)
			lim := T
			if sa.causal {
				lim = j + 1
			}
			for i := 0; i < lim; i++ {
				if s.At(i, j) > max {
					max = s.At(i, j)
				}
			}
			sum := 0.0
			for i := 0; i < lim; i++ {
				e := math.Exp(s.At(i, j) - max)
				a.Set(i, j, e)
				sum += e
			}
			for i := 0; i < lim; i++ {
				a.Set(i, j, a.At(i, j)/sum)
			}
		}
		oh := utils.Dot(v, a)
		for i := 0; i < sa.dHead; i++ {
			for t := 0; t < T; t++ {
				cache.o.Set(h*sa.dHead+i, t, oh.At(i, t))
			}
		}
		cache.q = append(cache.q, q)
		cache.k = append(cache.k, k)
		cache.v = append(cache.v, v)
		cache.a = append(cache.a, a)
	}
	y := utils.Dot(sa.Wo, cache.o)
	y.Add(y, x)
	return y, cache
}

func (sa *selfAttn) backward(cache *selfAttnCache, dY *mat.Dense) *mat.Dense {
	_, T := cache.x.Dims()
	scale := 1 / math.Sqrt(float64(sa.dHead))

	dX := utils.CloneDense(dY) // residual path
	sa.gWo.Add(sa.gWo, utils.Dot(dY, cache.o.T()))
	dO := utils.Dot(sa.Wo.T(), dY)

	for h := 0; h < sa.H; h++ {
		dOh := mat.NewDense(sa.dHead, T, nil)
		for i := 0; i < sa.dHead; i++ {
			for t := 0; t < T; t++ {
				dOh.Set(i, t, dO.At(h*sa.dHead+i, t))
			}
		}
		a := cache.a[h]
		dV := utils.Dot(dOh, a.T())
		dA := utils.Dot(cache.v[h].T(), dOh)

		dS := mat.NewDense(T, T, nil)
		for j := 0; j < T; j++ {
			dot := 0.0
			for i := 0; i < T; i++ {
				dot += a.At(i, j) * dA.At(i, j)
			}
			for i := 0; i < T; i++ {
				dS.Set(i, j, a.At(i, j)*(dA.At(i, j)-dot))
			}
		}
		dQ := utils.Dot(cache.k[h], dS)
		dQ.Scale(scale, dQ)
		dK := utils.Dot(cache.q[h], dS.T())
		dK.Scale(scale, dK)

		sa.gWq[h].Add(sa.gWq[h], utils.Dot(dQ, cache.x.T()))
		sa.gWk[h].Add(sa.gWk[h], utils.Dot(dK, cache.x.T()))
		sa.gWv[h].Add(sa.gWv[h], utils.Dot(dV, cache.x.T()))

		dX.Add(dX, utils.Dot(sa.Wq[h].T(), dQ))
		dX.Add(dX, utils.Dot(sa.Wk[h].T(), dK))
		dX.Add(dX, utils.Dot(sa.Wv[h].T(), dV))
	}
	return dX
}

func (sa *selfAttn) namedParams(prefix string) []NamedParam {
	var ps []NamedParam
	for h := 0; h < sa.H; h++ {
		ps = append(ps,
			NamedParam{Name: prefix + ".wq_" + itoa(h), W: sa.Wq[h], G: sa.gWq[h]},
			NamedParam{Name: prefix + ".wk_" + itoa(h), W: sa.Wk[h], G: sa.gWk[h]},
			NamedParam{Name: prefix + ".wv_" + itoa(h), W: sa.Wv[h], G: sa.gWv[h]},
		)
	}
	return append(ps, NamedParam{Name: prefix + ".wo", W: sa.Wo, G: sa.gWo})
}

// TransformerEncoder is one residual self-attention block over the
// embedded source.
type TransformerEncoder struct {
	attn *selfAttn
	emb  *Embeddings
}

func NewTransformerEncoder(d, heads int, emb *Embeddings) *TransformerEncoder {
	return &TransformerEncoder{attn: newSelfAttn(d, heads, false), emb: emb}
}

type transformerEncCache struct {
	sa *selfAttnCache
}

func (e *TransformerEncoder) Forward(words, feats []int, training bool) *EncResult {
	x, ec := e.emb.Embed(words, feats, training)
	y, cache := e.attn.forward(x)
	_, T := y.Dims()
	return &EncResult{
		Outs:  y,
		Final: utils.Col(y, T-1),
		emb:   ec,
		cache: &transformerEncCache{sa: cache},
	}
}

func (e *TransformerEncoder) Backward(res *EncResult, dOuts *mat.Dense) {
	cache := res.cache.(*transformerEncCache)
	dX := e.attn.backward(cache.sa, dOuts)
	e.emb.Backward(res.emb, dX)
}

func (e *TransformerEncoder) NamedParams() []NamedParam {
	ps := e.attn.namedParams("attn")
	return append(ps, prefixed("embeddings", e.emb.NamedParams())...)
}

func (e *TransformerEncoder) UpdateDropout(p float64) { e.emb.UpdateDropout(p) }
