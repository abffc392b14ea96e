package model

import (
	"math/rand"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/utils"
	"github.com/manningwu07/NMT/vocab"
)

// Embeddings maps token ids (plus optional per-token feature ids) to
// dense columns. The word table is (|V| x dim); feature tables are
// merged by concatenation or sum.
type Embeddings struct {
	WordLut  *mat.Dense // (|V| x wordDim)
	FeatLuts []*mat.Dense
	Merge    string // "concat" or "sum"
	Dropout  float64
	Fixed    bool // frozen word vectors

	gWord  *mat.Dense
	gFeats []*mat.Dense

	// tied marks the word table as aliased to an externally owned
	// tensor (output-embedding tying); the table is then not trained
	// through this module.
	tied bool
}

// NewEmbeddings builds randomly initialized tables.
func NewEmbeddings(vocabSize, wordDim int, featSizes []int, featDim int, merge string, dropout float64) *Embeddings {
	e := &Embeddings{
		WordLut: mat.NewDense(vocabSize, wordDim, utils.RandomArray(vocabSize*wordDim, float64(wordDim))),
		Merge:   merge,
		Dropout: dropout,
	}
	for _, n := range featSizes {
		dim := featDim
		if merge == "sum" {
			dim = wordDim
		}
		e.FeatLuts = append(e.FeatLuts, mat.NewDense(n, dim, utils.RandomArray(n*dim, float64(dim))))
	}
	e.gWord = utils.ZerosLike(e.WordLut)
	for _, l := range e.FeatLuts {
		e.gFeats = append(e.gFeats, utils.ZerosLike(l))
	}
	return e
}

// Dim is the output embedding width after feature merging.
func (e *Embeddings) Dim() int {
	_, d := e.WordLut.Dims()
	if e.Merge == "concat" {
		for _, l := range e.FeatLuts {
			_, fd := l.Dims()
			d += fd
		}
	}
	return d
}

// LoadPretrained copies rows from v's vector table into the word table.
// Rows beyond either table are ignored.
func (e *Embeddings) LoadPretrained(v *vocab.Vocabulary) {
	if v == nil || v.Vectors == nil {
		return
	}
	rows, dim := e.WordLut.Dims()
	vr, vc := v.Vectors.Dims()
	if vc != dim {
		return
	}
	if vr < rows {
		rows = vr
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < dim; j++ {
			e.WordLut.Set(i, j, v.Vectors.At(i, j))
		}
	}
}

// Tie replaces the word table with table. When sync is set the tensor
// is aliased (one canonical owner, this module holds a reference);
// otherwise the values are copied once. Either way the table stops
// training through this module.
func (e *Embeddings) Tie(table *mat.Dense, sync bool) {
	if sync {
		e.WordLut = table
	} else {
		e.WordLut.Copy(table)
	}
	e.tied = true
}

// embCache carries what Backward needs from one Embed call.
type embCache struct {
	words []int
	feats []int
	mask  *mat.Dense // inverted-dropout mask, nil when inactive
}

// Embed returns the (Dim x T) embedding of one sentence. training
// enables dropout.
func (e *Embeddings) Embed(words, feats []int, training bool) (*mat.Dense, *embCache) {
	T := len(words)
	d := e.Dim()
	out := mat.NewDense(d, T, nil)
	_, wd := e.WordLut.Dims()
	for t, id := range words {
		for j := 0; j < wd; j++ {
			out.Set(j, t, e.WordLut.At(id, j))
		}
	}
	if len(e.FeatLuts) > 0 && feats != nil {
		lut := e.FeatLuts[0]
		_, fd := lut.Dims()
		for t, id := range feats {
			if t >= T {
				break
			}
			for j := 0; j < fd; j++ {
				if e.Merge == "concat" {
					out.Set(wd+j, t, lut.At(id, j))
				} else {
					out.Set(j, t, out.At(j, t)+lut.At(id, j))
				}
			}
		}
	}
	cache := &embCache{words: words, feats: feats}
	if training && e.Dropout > 0 {
		mask := mat.NewDense(d, T, nil)
		keep := 1 - e.Dropout
		for i := 0; i < d; i++ {
			for t := 0; t < T; t++ {
				if rand.Float64() < keep {
					mask.Set(i, t, 1/keep)
				}
			}
		}
		out.MulElem(out, mask)
		cache.mask = mask
	}
	return out, cache
}

// Backward accumulates dX into the table gradients.
func (e *Embeddings) Backward(cache *embCache, dX *mat.Dense) {
	if cache.mask != nil {
		masked := utils.ZerosLike(dX)
		masked.MulElem(dX, cache.mask)
		dX = masked
	}
	_, wd := e.WordLut.Dims()
	if !e.tied && !e.Fixed {
		for t, id := range cache.words {
			for j := 0; j < wd; j++ {
				e.gWord.Set(id, j, e.gWord.At(id, j)+dX.At(j, t))
			}
		}
	}
	if len(e.FeatLuts) > 0 && cache.feats != nil {
		g := e.gFeats[0]
		_, fd := e.FeatLuts[0].Dims()
		for t, id := range cache.feats {
			if t >= len(cache.words) {
				break
			}
			for j := 0; j < fd; j++ {
				if e.Merge == "concat" {
					g.Set(id, j, g.At(id, j)+dX.At(wd+j, t))
				} else {
					g.Set(id, j, g.At(id, j)+dX.At(j, t))
				}
			}
		}
	}
}

func (e *Embeddings) NamedParams() []NamedParam {
	ps := []NamedParam{{Name: "word_lut", W: e.WordLut, G: e.gWord, Fixed: e.Fixed || e.tied}}
	for i, l := range e.FeatLuts {
		ps = append(ps, NamedParam{
			Name: "feat_lut." + strconv.Itoa(i),
			W:    l,
			G:    e.gFeats[i],
		})
	}
	return ps
}

func (e *Embeddings) UpdateDropout(p float64) { e.Dropout = p }
