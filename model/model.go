package model

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/data"
	"github.com/manningwu07/NMT/utils"
)

// Model ties the encoder, decoder and output heads together. The
// trainer drives it one truncation window at a time: Encode once per
// batch, then Decode/Backward per window with DetachStates in between.
type Model struct {
	Encoder      Encoder
	Decoder      Decoder
	Generator    Generator
	MTLGenerator Generator

	// frozen components are excluded from Trainable but still saved
	FreezeEncoder bool
	FreezeDecoder bool
}

// Encode runs the encoder over every sentence of the batch.
func (m *Model) Encode(batch *data.Batch, training bool) []*EncResult {
	encs := make([]*EncResult, len(batch.Src))
	for i, words := range batch.Src {
		encs[i] = m.Encoder.Forward(words, nil, training)
	}
	return encs
}

// InitDecoder builds fresh decoder states from the encoder results.
func (m *Model) InitDecoder(encs []*EncResult) []*DecState {
	states := make([]*DecState, len(encs))
	for i, enc := range encs {
		states[i] = m.Decoder.InitState(enc)
	}
	return states
}

// WindowOut holds one window's decoder outputs per sentence. A nil
// entry means the sentence is shorter than the window start.
type WindowOut struct {
	Outs  []*mat.Dense // (d x T_i)
	Attns []*mat.Dense // (S_i x T_i)

	encs   []*EncResult
	states []*DecState
	Start  int
}

// Decode feeds the target window [start, start+size) through the
// decoder with teacher forcing. The last target token is never fed;
// the gold for input position j is the token at start+j+1.
func (m *Model) Decode(batch *data.Batch, encs []*EncResult, states []*DecState, start, size int, training bool) *WindowOut {
	w := &WindowOut{
		Outs:   make([]*mat.Dense, len(batch.Tgt)),
		Attns:  make([]*mat.Dense, len(batch.Tgt)),
		encs:   encs,
		states: states,
		Start:  start,
	}
	for i, tgt := range batch.Tgt {
		end := len(tgt) - 1
		if size > 0 && start+size < end {
			end = start + size
		}
		if start >= end {
			continue
		}
		words := tgt[start:end]
		var feats []int
		if batch.TgtFeats != nil && batch.TgtFeats[i] != nil {
			feats = batch.TgtFeats[i][start:end]
		}
		w.Outs[i], w.Attns[i] = m.Decoder.Forward(states[i], words, feats, encs[i], training)
	}
	return w
}

// Backward propagates the loss gradients of one window through the
// decoder and on through the encoder. Parameter gradients accumulate;
// ZeroGrad on the optimizer clears them.
func (m *Model) Backward(w *WindowOut, dOuts []*mat.Dense) {
	for i, d := range dOuts {
		if d == nil || w.Outs[i] == nil {
			continue
		}
		dMem := m.Decoder.Backward(w.states[i], d)
		if dMem != nil {
			m.Encoder.Backward(w.encs[i], dMem)
		}
	}
}

// DetachStates cuts the backward graph at a window boundary.
func (m *Model) DetachStates(states []*DecState) {
	for _, st := range states {
		m.Decoder.DetachState(st)
	}
}

// NamedParameters returns every named tensor of the network, prefixed
// by component. Tensors aliased across components (shared embeddings,
// tied generator weights) appear once, under their first owner.
func (m *Model) NamedParameters() []NamedParam {
	var out []NamedParam
	seen := map[*mat.Dense]bool{}
	add := func(prefix string, ps []NamedParam) {
		for _, p := range ps {
			if seen[p.W] {
				continue
			}
			seen[p.W] = true
			p.Name = prefix + "." + p.Name
			out = append(out, p)
		}
	}
	add("encoder", m.Encoder.NamedParams())
	add("decoder", m.Decoder.NamedParams())
	add("generator", m.Generator.NamedParams())
	if m.MTLGenerator != nil {
		add("mtl_generator", m.MTLGenerator.NamedParams())
	}
	return out
}

// Trainable filters the parameters down to tensors the optimizer may
// step.
func (m *Model) Trainable() []NamedParam {
	var out []NamedParam
	for _, p := range m.NamedParameters() {
		if p.Fixed || p.G == nil {
			continue
		}
		if m.FreezeEncoder && strings.HasPrefix(p.Name, "encoder.") {
			continue
		}
		if m.FreezeDecoder && strings.HasPrefix(p.Name, "decoder.") {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Parameters is the trainable weight sequence, in Trainable order; the
// moving average and the saver rely on that ordering.
func (m *Model) Parameters() []*mat.Dense {
	var ws []*mat.Dense
	for _, p := range m.Trainable() {
		ws = append(ws, p.W)
	}
	return ws
}

// Gradients returns the gradient tensors of the trainable parameters,
// in Trainable order.
func (m *Model) Gradients() []*mat.Dense {
	var gs []*mat.Dense
	for _, p := range m.Trainable() {
		gs = append(gs, p.G)
	}
	return gs
}

// StateDict is the encoder and decoder tensors keyed by their
// component-prefixed names. Generator tensors live in their own dicts.
func (m *Model) StateDict() map[string]*mat.Dense {
	sd := map[string]*mat.Dense{}
	for _, p := range prefixed("encoder", m.Encoder.NamedParams()) {
		sd[p.Name] = p.W
	}
	for _, p := range prefixed("decoder", m.Decoder.NamedParams()) {
		sd[p.Name] = p.W
	}
	return sd
}

func (m *Model) GeneratorStateDict() map[string]*mat.Dense {
	return m.Generator.StateDict()
}

func (m *Model) MTLGeneratorStateDict() map[string]*mat.Dense {
	if m.MTLGenerator == nil {
		return nil
	}
	return m.MTLGenerator.StateDict()
}

// LoadStateDict copies checkpoint tensors into matching parameters.
// Legacy key spellings are normalized first. Keys with no matching
// parameter, and shape mismatches, are reported back rather than
// failed on; resuming across vocabulary changes depends on that.
func (m *Model) LoadStateDict(sd map[string]*mat.Dense) (skipped []string) {
	params := map[string]*mat.Dense{}
	for name, w := range m.StateDict() {
		params[name] = w
	}
	for key, src := range sd {
		dst, ok := params[fixKey(key)]
		if !ok {
			skipped = append(skipped, key)
			continue
		}
		dr, dc := dst.Dims()
		sr, sc := src.Dims()
		if dr != sr || dc != sc {
			skipped = append(skipped, key)
			continue
		}
		dst.Copy(src)
	}
	return skipped
}

// fixKey maps historical layer-norm parameter spellings onto the
// current ones.
func fixKey(key string) string {
	key = strings.Replace(key, "layer_norm.a_2", "layer_norm.weight", 1)
	key = strings.Replace(key, "layer_norm.b_2", "layer_norm.bias", 1)
	return key
}

// UpdateDropout pushes a new dropout rate through every component.
func (m *Model) UpdateDropout(p float64) {
	m.Encoder.UpdateDropout(p)
	m.Decoder.UpdateDropout(p)
	m.Generator.UpdateDropout(p)
	if m.MTLGenerator != nil {
		m.MTLGenerator.UpdateDropout(p)
	}
}

// ZeroGrad clears every accumulated parameter gradient.
func (m *Model) ZeroGrad() {
	for _, p := range m.NamedParameters() {
		if p.G != nil {
			p.G.Zero()
		}
	}
}

// GradNorm is the global L2 norm over all trainable gradients.
func (m *Model) GradNorm() float64 {
	return utils.GlobalNorm(m.Gradients())
}
