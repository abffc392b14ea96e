package model

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/utils"
)

// GenContext carries per-position side information some generators
// need: the attention distribution over the source and the source
// token ids, for copy scoring.
type GenContext struct {
	Align    *mat.Dense // (S x 1)
	SrcWords []int
}

// Generator maps one decoder output column to a loss against the gold
// token, and the gradient with respect to that column. Parameter
// gradients accumulate inside the generator until the optimizer steps.
type Generator interface {
	Module
	Loss(h *mat.Dense, gold int, ctx *GenContext, training bool) (loss float64, correct bool, dH *mat.Dense)
	StateDict() map[string]*mat.Dense
	LoadStateDict(sd map[string]*mat.Dense)
}

// LinearGenerator projects to vocabulary logits and scores with either
// a softmax cross entropy or a sparsemax loss.
type LinearGenerator struct {
	W  *mat.Dense // (|V| x d)
	B  *mat.Dense // (|V| x 1), nil when bias is disabled
	gW *mat.Dense
	gB *mat.Dense

	Sparse bool
}

func NewLinearGenerator(vocabSize, d int, bias, sparse bool) *LinearGenerator {
	g := &LinearGenerator{
		W:      mat.NewDense(vocabSize, d, utils.RandomArray(vocabSize*d, float64(d))),
		Sparse: sparse,
	}
	g.gW = utils.ZerosLike(g.W)
	if bias {
		g.B = mat.NewDense(vocabSize, 1, nil)
		g.gB = utils.ZerosLike(g.B)
	}
	return g
}

func (g *LinearGenerator) logits(h *mat.Dense) *mat.Dense {
	z := utils.Dot(g.W, h)
	if g.B != nil {
		z.Add(z, g.B)
	}
	return z
}

func (g *LinearGenerator) Loss(h *mat.Dense, gold int, ctx *GenContext, training bool) (float64, bool, *mat.Dense) {
	z := g.logits(h)
	V, _ := z.Dims()
	raw := make([]float64, V)
	for i := 0; i < V; i++ {
		raw[i] = z.At(i, 0)
	}

	var loss float64
	dZ := mat.NewDense(V, 1, nil)
	argmax := 0
	for i := 1; i < V; i++ {
		if raw[i] > raw[argmax] {
			argmax = i
		}
	}

	if g.Sparse {
		p, tau := sparsemax(raw)
		loss = -raw[gold] + 0.5
		for i := 0; i < V; i++ {
			if p[i] > 0 {
				loss += 0.5 * (raw[i]*raw[i] - tau*tau)
			}
			dZ.Set(i, 0, p[i])
		}
		dZ.Set(gold, 0, dZ.At(gold, 0)-1)
	} else {
		lse := utils.LogSumExp(raw)
		loss = lse - raw[gold]
		for i := 0; i < V; i++ {
			dZ.Set(i, 0, math.Exp(raw[i]-lse))
		}
		dZ.Set(gold, 0, dZ.At(gold, 0)-1)
	}

	if !training {
		return loss, argmax == gold, nil
	}
	g.gW.Add(g.gW, utils.Dot(dZ, h.T()))
	if g.gB != nil {
		g.gB.Add(g.gB, dZ)
	}
	return loss, argmax == gold, utils.Dot(g.W.T(), dZ)
}

func (g *LinearGenerator) StateDict() map[string]*mat.Dense {
	sd := map[string]*mat.Dense{"weight": g.W}
	if g.B != nil {
		sd["bias"] = g.B
	}
	return sd
}

// adopt copies src into dst when shapes match, preserving aliases, and
// otherwise returns src with a fresh gradient.
func adopt(dst, grad, src *mat.Dense) (*mat.Dense, *mat.Dense) {
	dr, dc := dst.Dims()
	sr, sc := src.Dims()
	if dr == sr && dc == sc {
		dst.Copy(src)
		return dst, grad
	}
	return src, utils.ZerosLike(src)
}

func (g *LinearGenerator) LoadStateDict(sd map[string]*mat.Dense) {
	if w, ok := sd["weight"]; ok {
		g.W, g.gW = adopt(g.W, g.gW, w)
	}
	if b, ok := sd["bias"]; ok && g.B != nil {
		g.B, g.gB = adopt(g.B, g.gB, b)
	}
}

func (g *LinearGenerator) NamedParams() []NamedParam {
	ps := []NamedParam{{Name: "weight", W: g.W, G: g.gW}}
	if g.B != nil {
		ps = append(ps, NamedParam{Name: "bias", W: g.B, G: g.gB})
	}
	return ps
}

func (g *LinearGenerator) UpdateDropout(p float64) {}

// sparsemax projects logits onto the simplex. Returns the sparse
// distribution and the threshold tau.
func sparsemax(z []float64) ([]float64, float64) {
	n := len(z)
	sorted := make([]float64, n)
	copy(sorted, z)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	cum := 0.0
	k := 0
	for j := 0; j < n; j++ {
		cum += sorted[j]
		if 1+float64(j+1)*sorted[j] > cum {
			k = j + 1
		}
	}
	cum = 0.0
	for j := 0; j < k; j++ {
		cum += sorted[j]
	}
	tau := (cum - 1) / float64(k)

	p := make([]float64, n)
	for i := 0; i < n; i++ {
		if v := z[i] - tau; v > 0 {
			p[i] = v
		}
	}
	return p, tau
}

// CopyGenerator mixes vocabulary probabilities with copy probabilities
// from the attention distribution, gated by a learned scalar. The
// attention weights are treated as constants here; their gradient path
// runs through the decoder output only.
type CopyGenerator struct {
	lin   *LinearGenerator
	WGate *mat.Dense // (1 x d)
	BGate *mat.Dense // (1 x 1)
	gWG   *mat.Dense
	gBG   *mat.Dense
}

func NewCopyGenerator(vocabSize, d int, bias bool) *CopyGenerator {
	g := &CopyGenerator{
		lin:   NewLinearGenerator(vocabSize, d, bias, false),
		WGate: mat.NewDense(1, d, utils.RandomArray(d, float64(d))),
		BGate: mat.NewDense(1, 1, nil),
	}
	g.gWG = utils.ZerosLike(g.WGate)
	g.gBG = utils.ZerosLike(g.BGate)
	return g
}

func (g *CopyGenerator) Loss(h *mat.Dense, gold int, ctx *GenContext, training bool) (float64, bool, *mat.Dense) {
	z := g.lin.logits(h)
	V, _ := z.Dims()
	raw := make([]float64, V)
	for i := 0; i < V; i++ {
		raw[i] = z.At(i, 0)
	}
	lse := utils.LogSumExp(raw)
	pVocab := make([]float64, V)
	argmax := 0
	for i := 0; i < V; i++ {
		pVocab[i] = math.Exp(raw[i] - lse)
		if raw[i] > raw[argmax] {
			argmax = i
		}
	}

	gate := utils.Dot(g.WGate, h).At(0, 0) + g.BGate.At(0, 0)
	pc := sigmoid(gate)

	copyMass := 0.0
	if ctx != nil && ctx.Align != nil {
		for s, w := range ctx.SrcWords {
			if w == gold {
				copyMass += ctx.Align.At(s, 0)
			}
		}
	}

	const eps = 1e-20
	pGold := (1-pc)*pVocab[gold] + pc*copyMass
	loss := -math.Log(pGold + eps)
	if !training {
		return loss, argmax == gold, nil
	}

	// d loss / d pVocab[gold] = -(1-pc)/pGold, then through the softmax
	coeff := -(1 - pc) / (pGold + eps)
	dZ := mat.NewDense(V, 1, nil)
	for i := 0; i < V; i++ {
		d := coeff * pVocab[gold] * (-pVocab[i])
		if i == gold {
			d = coeff * pVocab[gold] * (1 - pVocab[gold])
		}
		dZ.Set(i, 0, d)
	}
	g.lin.gW.Add(g.lin.gW, utils.Dot(dZ, h.T()))
	if g.lin.gB != nil {
		g.lin.gB.Add(g.lin.gB, dZ)
	}
	dH := utils.Dot(g.lin.W.T(), dZ)

	dPc := -(copyMass - pVocab[gold]) / (pGold + eps)
	dGate := dPc * pc * (1 - pc)
	dim, _ := h.Dims()
	for j := 0; j < dim; j++ {
		g.gWG.Set(0, j, g.gWG.At(0, j)+dGate*h.At(j, 0))
		dH.Set(j, 0, dH.At(j, 0)+dGate*g.WGate.At(0, j))
	}
	g.gBG.Set(0, 0, g.gBG.At(0, 0)+dGate)
	return loss, argmax == gold, dH
}

func (g *CopyGenerator) StateDict() map[string]*mat.Dense {
	sd := g.lin.StateDict()
	sd["copy_gate.weight"] = g.WGate
	sd["copy_gate.bias"] = g.BGate
	return sd
}

func (g *CopyGenerator) LoadStateDict(sd map[string]*mat.Dense) {
	g.lin.LoadStateDict(sd)
	if w, ok := sd["copy_gate.weight"]; ok {
		g.WGate, g.gWG = adopt(g.WGate, g.gWG, w)
	}
	if b, ok := sd["copy_gate.bias"]; ok {
		g.BGate, g.gBG = adopt(g.BGate, g.gBG, b)
	}
}

func (g *CopyGenerator) NamedParams() []NamedParam {
	ps := g.lin.NamedParams()
	ps = append(ps,
		NamedParam{Name: "copy_gate.weight", W: g.WGate, G: g.gWG},
		NamedParam{Name: "copy_gate.bias", W: g.BGate, G: g.gBG},
	)
	return ps
}

func (g *CopyGenerator) UpdateDropout(p float64) {}

// ContinuousGenerator predicts a point in embedding space and scores
// it by cosine distance to the frozen, row-normalized output table.
// The linear variant is a single projection from the decoder width to
// the embedding width; the nonlinear one inserts a tanh hidden layer.
type ContinuousGenerator struct {
	W  *mat.Dense
	B  *mat.Dense
	gW *mat.Dense
	gB *mat.Dense

	// output layer of the nonlinear variant; W then acts as the hidden
	// projection
	W2  *mat.Dense
	B2  *mat.Dense
	gW2 *mat.Dense
	gB2 *mat.Dense

	// optional layer norm on the prediction
	LNWeight *mat.Dense // (out x 1)
	LNBias   *mat.Dense // (out x 1)
	gLNW     *mat.Dense
	gLNB     *mat.Dense

	// frozen output table (|V| x out), rows unit length
	Table *mat.Dense

	Nonlinear bool
	dim       int // output (embedding) width
}

func NewContinuousGenerator(d, out int, table *mat.Dense, nonlinear, layerNorm, bias bool) *ContinuousGenerator {
	g := &ContinuousGenerator{
		Table:     table,
		Nonlinear: nonlinear,
		dim:       out,
	}
	if nonlinear {
		g.W = mat.NewDense(d, d, utils.RandomArray(d*d, float64(d)))
		g.W2 = mat.NewDense(out, d, utils.RandomArray(out*d, float64(d)))
		g.gW2 = utils.ZerosLike(g.W2)
		if bias {
			g.B = mat.NewDense(d, 1, nil)
			g.gB = utils.ZerosLike(g.B)
			g.B2 = mat.NewDense(out, 1, nil)
			g.gB2 = utils.ZerosLike(g.B2)
		}
	} else {
		g.W = mat.NewDense(out, d, utils.RandomArray(out*d, float64(d)))
		if bias {
			g.B = mat.NewDense(out, 1, nil)
			g.gB = utils.ZerosLike(g.B)
		}
	}
	g.gW = utils.ZerosLike(g.W)
	if layerNorm {
		ones := make([]float64, out)
		for i := range ones {
			ones[i] = 1
		}
		g.LNWeight = mat.NewDense(out, 1, ones)
		g.LNBias = mat.NewDense(out, 1, nil)
		g.gLNW = utils.ZerosLike(g.LNWeight)
		g.gLNB = utils.ZerosLike(g.LNBias)
	}
	return g
}

type contCache struct {
	h, a1, pre, norm *mat.Dense
	mean, invStd     float64
}

func (g *ContinuousGenerator) predict(h *mat.Dense) (*mat.Dense, *contCache) {
	c := &contCache{h: h}
	z := utils.Dot(g.W, h)
	if g.B != nil {
		z.Add(z, g.B)
	}
	if g.Nonlinear {
		c.a1 = utils.Apply(func(_, _ int, v float64) float64 { return tanh(v) }, z)
		z = utils.Dot(g.W2, c.a1)
		if g.B2 != nil {
			z.Add(z, g.B2)
		}
	}
	c.pre = z
	if g.LNWeight == nil {
		return z, c
	}
	d := g.dim
	mean := 0.0
	for i := 0; i < d; i++ {
		mean += z.At(i, 0)
	}
	mean /= float64(d)
	variance := 0.0
	for i := 0; i < d; i++ {
		dv := z.At(i, 0) - mean
		variance += dv * dv
	}
	variance /= float64(d)
	invStd := 1 / math.Sqrt(variance+1e-6)
	norm := mat.NewDense(d, 1, nil)
	out := mat.NewDense(d, 1, nil)
	for i := 0; i < d; i++ {
		n := (z.At(i, 0) - mean) * invStd
		norm.Set(i, 0, n)
		out.Set(i, 0, n*g.LNWeight.At(i, 0)+g.LNBias.At(i, 0))
	}
	c.norm, c.mean, c.invStd = norm, mean, invStd
	return out, c
}

func (g *ContinuousGenerator) Loss(h *mat.Dense, gold int, ctx *GenContext, training bool) (float64, bool, *mat.Dense) {
	out, cache := g.predict(h)
	d := g.dim
	nrm := mat.Norm(out, 2)
	if nrm == 0 {
		nrm = 1e-12
	}

	// cosine against every row to score, loss against the gold row
	V, _ := g.Table.Dims()
	best, bestScore := 0, math.Inf(-1)
	goldScore := 0.0
	for i := 0; i < V; i++ {
		s := 0.0
		for j := 0; j < d; j++ {
			s += g.Table.At(i, j) * out.At(j, 0)
		}
		if s > bestScore {
			best, bestScore = i, s
		}
		if i == gold {
			goldScore = s
		}
	}
	cos := goldScore / nrm
	loss := 1 - cos
	if !training {
		return loss, best == gold, nil
	}

	// d(1 - e.out/|out|)/d out = -e/|out| + (e.out) out / |out|^3
	dOut := mat.NewDense(d, 1, nil)
	for j := 0; j < d; j++ {
		e := g.Table.At(gold, j)
		dOut.Set(j, 0, -e/nrm+goldScore*out.At(j, 0)/(nrm*nrm*nrm))
	}
	dH := g.backward(cache, dOut)
	return loss, best == gold, dH
}

func (g *ContinuousGenerator) backward(c *contCache, dOut *mat.Dense) *mat.Dense {
	d := g.dim
	dPre := dOut
	if g.LNWeight != nil {
		dNorm := mat.NewDense(d, 1, nil)
		for i := 0; i < d; i++ {
			g.gLNW.Set(i, 0, g.gLNW.At(i, 0)+dOut.At(i, 0)*c.norm.At(i, 0))
			g.gLNB.Set(i, 0, g.gLNB.At(i, 0)+dOut.At(i, 0))
			dNorm.Set(i, 0, dOut.At(i, 0)*g.LNWeight.At(i, 0))
		}
		sumD, sumDN := 0.0, 0.0
		for i := 0; i < d; i++ {
			sumD += dNorm.At(i, 0)
			sumDN += dNorm.At(i, 0) * c.norm.At(i, 0)
		}
		dPre = mat.NewDense(d, 1, nil)
		for i := 0; i < d; i++ {
			v := c.invStd * (dNorm.At(i, 0) - sumD/float64(d) - c.norm.At(i, 0)*sumDN/float64(d))
			dPre.Set(i, 0, v)
		}
	}

	if g.Nonlinear {
		g.gW2.Add(g.gW2, utils.Dot(dPre, c.a1.T()))
		if g.gB2 != nil {
			g.gB2.Add(g.gB2, dPre)
		}
		dA1 := utils.Dot(g.W2.T(), dPre)
		dPre = utils.Apply(func(i, _ int, v float64) float64 {
			a := c.a1.At(i, 0)
			return v * (1 - a*a)
		}, dA1)
	}

	g.gW.Add(g.gW, utils.Dot(dPre, c.h.T()))
	if g.gB != nil {
		g.gB.Add(g.gB, dPre)
	}
	return utils.Dot(g.W.T(), dPre)
}

// named pairs (name, weight, grad) in the current layout; "weight" and
// "bias" always name the output layer.
func (g *ContinuousGenerator) tensors() []NamedParam {
	var ps []NamedParam
	if g.Nonlinear {
		ps = append(ps, NamedParam{Name: "hidden.weight", W: g.W, G: g.gW})
		if g.B != nil {
			ps = append(ps, NamedParam{Name: "hidden.bias", W: g.B, G: g.gB})
		}
		ps = append(ps, NamedParam{Name: "weight", W: g.W2, G: g.gW2})
		if g.B2 != nil {
			ps = append(ps, NamedParam{Name: "bias", W: g.B2, G: g.gB2})
		}
	} else {
		ps = append(ps, NamedParam{Name: "weight", W: g.W, G: g.gW})
		if g.B != nil {
			ps = append(ps, NamedParam{Name: "bias", W: g.B, G: g.gB})
		}
	}
	if g.LNWeight != nil {
		ps = append(ps,
			NamedParam{Name: "layer_norm.weight", W: g.LNWeight, G: g.gLNW},
			NamedParam{Name: "layer_norm.bias", W: g.LNBias, G: g.gLNB},
		)
	}
	return ps
}

func (g *ContinuousGenerator) StateDict() map[string]*mat.Dense {
	sd := map[string]*mat.Dense{}
	for _, p := range g.tensors() {
		sd[p.Name] = p.W
	}
	return sd
}

func (g *ContinuousGenerator) LoadStateDict(sd map[string]*mat.Dense) {
	norm := map[string]*mat.Dense{}
	for k, v := range sd {
		norm[fixKey(k)] = v
	}
	for _, p := range g.tensors() {
		src, ok := norm[p.Name]
		if !ok {
			continue
		}
		dr, dc := p.W.Dims()
		sr, sc := src.Dims()
		if dr != sr || dc != sc {
			continue
		}
		p.W.Copy(src)
	}
}

func (g *ContinuousGenerator) NamedParams() []NamedParam { return g.tensors() }

func (g *ContinuousGenerator) UpdateDropout(p float64) {}
