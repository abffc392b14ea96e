package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/utils"
)

// DecState is one sentence's decoder state, carried across truncation
// windows. DetachState drops the backward graph while keeping the
// values, so gradients never flow across window boundaries.
type DecState struct {
	HPrev *mat.Dense
	Feed  *mat.Dense
	cache any
}

// Decoder processes one target window. Backward returns the gradient
// of the encoder memory bank.
type Decoder interface {
	Module
	InitState(enc *EncResult) *DecState
	Forward(st *DecState, words, feats []int, enc *EncResult, training bool) (outs, attn *mat.Dense)
	Backward(st *DecState, dOuts *mat.Dense) *mat.Dense
	DetachState(st *DecState)
}

type decoderCtor func(cfg params.Config, emb *Embeddings) Decoder

var decoderRegistry = map[string]decoderCtor{
	"rnn":         func(cfg params.Config, emb *Embeddings) Decoder { return NewRNNDecoder(cfg.DModel, emb, false) },
	"ifrnn":       func(cfg params.Config, emb *Embeddings) Decoder { return NewRNNDecoder(cfg.DModel, emb, true) },
	"transformer": func(cfg params.Config, emb *Embeddings) Decoder { return NewTransformerDecoder(cfg.DModel, cfg.NumHeads, emb) },
}

func buildDecoder(cfg params.Config, emb *Embeddings) (Decoder, error) {
	decType := cfg.DecoderType
	if decType == "rnn" && cfg.InputFeed {
		decType = "ifrnn"
	}
	ctor, ok := decoderRegistry[decType]
	if !ok {
		return nil, errors.Errorf("unknown decoder type %q", decType)
	}
	return ctor(cfg, emb), nil
}

// RNNDecoder is an Elman recurrence with global attention. With input
// feeding, the previous attentional output is concatenated to the
// embedding at every step.
type RNNDecoder struct {
	cell      *rnnCell
	attn      *globalAttention
	emb       *Embeddings
	d         int
	inputFeed bool

	// TgtOutEmb is the frozen continuous-output table, attached by the
	// assembler for continuous generators.
	TgtOutEmb *mat.Dense
}

func NewRNNDecoder(d int, emb *Embeddings, inputFeed bool) *RNNDecoder {
	in := emb.Dim()
	if inputFeed {
		in += d
	}
	return &RNNDecoder{
		cell:      newRNNCell(d, in),
		attn:      newGlobalAttention(d),
		emb:       emb,
		d:         d,
		inputFeed: inputFeed,
	}
}

type rnnDecCache struct {
	x      *mat.Dense // assembled inputs (in x T)
	h      *mat.Dense // (d x T)
	hPrev0 *mat.Dense // state at window entry, detached
	attns  []*attnCache
	emb    *embCache
	memory *mat.Dense
}

func (dec *RNNDecoder) InitState(enc *EncResult) *DecState {
	return &DecState{
		HPrev: utils.CloneDense(enc.Final),
		Feed:  mat.NewDense(dec.d, 1, nil),
	}
}

func (dec *RNNDecoder) Forward(st *DecState, words, feats []int, enc *EncResult, training bool) (*mat.Dense, *mat.Dense) {
	embX, ec := dec.emb.Embed(words, feats, training)
	embDim, T := embX.Dims()
	in := embDim
	if dec.inputFeed {
		in += dec.d
	}
	_, S := enc.Outs.Dims()

	cache := &rnnDecCache{
		x:      mat.NewDense(in, T, nil),
		h:      mat.NewDense(dec.d, T, nil),
		hPrev0: utils.CloneDense(st.HPrev),
		emb:    ec,
		memory: enc.Outs,
	}
	outs := mat.NewDense(dec.d, T, nil)
	aligns := mat.NewDense(S, T, nil)

	hPrev := st.HPrev
	feed := st.Feed
	for t := 0; t < T; t++ {
		for i := 0; i < embDim; i++ {
			cache.x.Set(i, t, embX.At(i, t))
		}
		if dec.inputFeed {
			for i := 0; i < dec.d; i++ {
				cache.x.Set(embDim+i, t, feed.At(i, 0))
			}
		}
		ht := dec.cell.step(utils.Col(cache.x, t), hPrev)
		out, ac := dec.attn.forward(ht, enc.Outs)
		for i := 0; i < dec.d; i++ {
			cache.h.Set(i, t, ht.At(i, 0))
			outs.Set(i, t, out.At(i, 0))
		}
		for i := 0; i < S; i++ {
			aligns.Set(i, t, ac.align.At(i, 0))
		}
		cache.attns = append(cache.attns, ac)
		hPrev = ht
		feed = out
	}
	st.HPrev = hPrev
	st.Feed = feed
	st.cache = cache
	return outs, aligns
}

func (dec *RNNDecoder) Backward(st *DecState, dOuts *mat.Dense) *mat.Dense {
	cache, ok := st.cache.(*rnnDecCache)
	if !ok || cache == nil {
		return nil
	}
	in, T := cache.x.Dims()
	embDim := in
	if dec.inputFeed {
		embDim -= dec.d
	}
	dEmb := mat.NewDense(embDim, T, nil)
	dMem := utils.ZerosLike(cache.memory)
	dhNext := mat.NewDense(dec.d, 1, nil)
	dFeedNext := mat.NewDense(dec.d, 1, nil)

	for t := T - 1; t >= 0; t-- {
		dOut := utils.Col(dOuts, t)
		// the attentional output also fed step t+1's input
		dOut.Add(dOut, dFeedNext)

		dhAttn, dM := dec.attn.backward(cache.attns[t], dOut)
		dMem.Add(dMem, dM)

		dh := dhAttn
		dh.Add(dh, dhNext)

		hPrev := cache.hPrev0
		if t > 0 {
			hPrev = utils.Col(cache.h, t-1)
		}
		dx, dhp := dec.cell.stepBackward(dh, utils.Col(cache.h, t), utils.Col(cache.x, t), hPrev)
		for i := 0; i < embDim; i++ {
			dEmb.Set(i, t, dx.At(i, 0))
		}
		dFeedNext = mat.NewDense(dec.d, 1, nil)
		if dec.inputFeed {
			for i := 0; i < dec.d; i++ {
				dFeedNext.Set(i, 0, dx.At(embDim+i, 0))
			}
		}
		dhNext = dhp
	}
	dec.emb.Backward(cache.emb, dEmb)
	return dMem
}

func (dec *RNNDecoder) DetachState(st *DecState) { st.cache = nil }

func (dec *RNNDecoder) NamedParams() []NamedParam {
	ps := dec.cell.namedParams("rnn")
	ps = append(ps, dec.attn.namedParams("attn")...)
	ps = append(ps, prefixed("embeddings", dec.emb.NamedParams())...)
	if dec.TgtOutEmb != nil {
		ps = append(ps, NamedParam{Name: "tgt_out_emb", W: dec.TgtOutEmb, G: nil, Fixed: true})
	}
	return ps
}

func (dec *RNNDecoder) UpdateDropout(p float64) { dec.emb.UpdateDropout(p) }

// Embeddings exposes the decoder's embedding module to the assembler.
func (dec *RNNDecoder) Embeddings() *Embeddings { return dec.emb }

// TransformerDecoder is a causal self-attention block followed by
// global attention over the encoder memory bank. Self-attention is
// window-local, so there is no state to carry or detach.
type TransformerDecoder struct {
	attn *selfAttn
	glob *globalAttention
	emb  *Embeddings
	d    int

	TgtOutEmb *mat.Dense
}

func NewTransformerDecoder(d, heads int, emb *Embeddings) *TransformerDecoder {
	return &TransformerDecoder{
		attn: newSelfAttn(d, heads, true),
		glob: newGlobalAttention(d),
		emb:  emb,
		d:    d,
	}
}

type transformerDecCache struct {
	sa     *selfAttnCache
	attns  []*attnCache
	emb    *embCache
	memory *mat.Dense
}

func (dec *TransformerDecoder) InitState(enc *EncResult) *DecState { return &DecState{} }

func (dec *TransformerDecoder) Forward(st *DecState, words, feats []int, enc *EncResult, training bool) (*mat.Dense, *mat.Dense) {
	x, ec := dec.emb.Embed(words, feats, training)
	y, saCache := dec.attn.forward(x)
	_, T := y.Dims()
	_, srcLen := enc.Outs.Dims()

	outs := mat.NewDense(dec.d, T, nil)
	aligns := mat.NewDense(srcLen, T, nil)
	cache := &transformerDecCache{sa: saCache, emb: ec, memory: enc.Outs}
	for t := 0; t < T; t++ {
		out, ac := dec.glob.forward(utils.Col(y, t), enc.Outs)
		for i := 0; i < dec.d; i++ {
			outs.Set(i, t, out.At(i, 0))
		}
		for i := 0; i < srcLen; i++ {
			aligns.Set(i, t, ac.align.At(i, 0))
		}
		cache.attns = append(cache.attns, ac)
	}
	st.cache = cache
	return outs, aligns
}

func (dec *TransformerDecoder) Backward(st *DecState, dOuts *mat.Dense) *mat.Dense {
	cache, ok := st.cache.(*transformerDecCache)
	if !ok || cache == nil {
		return nil
	}
	_, T := dOuts.Dims()
	dY := mat.NewDense(dec.d, T, nil)
	dMem := utils.ZerosLike(cache.memory)
	for t := T - 1; t >= 0; t-- {
		dh, dM := dec.glob.backward(cache.attns[t], utils.Col(dOuts, t))
		dMem.Add(dMem, dM)
		for i := 0; i < dec.d; i++ {
			dY.Set(i, t, dh.At(i, 0))
		}
	}
	dX := dec.attn.backward(cache.sa, dY)
	dec.emb.Backward(cache.emb, dX)
	return dMem
}

func (dec *TransformerDecoder) DetachState(st *DecState) { st.cache = nil }

func (dec *TransformerDecoder) NamedParams() []NamedParam {
	ps := dec.attn.namedParams("self_attn")
	ps = append(ps, dec.glob.namedParams("context_attn")...)
	ps = append(ps, prefixed("embeddings", dec.emb.NamedParams())...)
	if dec.TgtOutEmb != nil {
		ps = append(ps, NamedParam{Name: "tgt_out_emb", W: dec.TgtOutEmb, G: nil, Fixed: true})
	}
	return ps
}

func (dec *TransformerDecoder) UpdateDropout(p float64) { dec.emb.UpdateDropout(p) }

func (dec *TransformerDecoder) Embeddings() *Embeddings { return dec.emb }
