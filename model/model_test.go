package model

import (
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/checkpoint"
	"github.com/manningwu07/NMT/data"
	"github.com/manningwu07/NMT/params"
	"github.com/manningwu07/NMT/vocab"
)

func smallConfig() params.Config {
	cfg := params.Default()
	cfg.DModel = 8
	cfg.SrcWordVecSize = 8
	cfg.TgtWordVecSize = 8
	cfg.Dropout = []float64{0}
	return cfg
}

func smallFields() Fields {
	v := vocab.New([]string{"a", "b", "c", "d"}, nil)
	return Fields{Src: v, Tgt: v}
}

func smallBatch() *data.Batch {
	return &data.Batch{
		Src:        [][]int{{4, 5, 6}, {5, 6}},
		SrcLengths: []int{3, 2},
		Tgt: [][]int{
			{vocab.BosIndex, 4, 5, 6, vocab.EosIndex},
			{vocab.BosIndex, 6, vocab.EosIndex},
		},
		BatchSize: 2,
	}
}

func TestAssembleShareEmbeddingsChecks(t *testing.T) {
	cfg := smallConfig()
	cfg.ShareEmbeddings = true
	src := vocab.New([]string{"a"}, nil)
	tgt := vocab.New([]string{"a", "b"}, nil)
	if _, err := Assemble(cfg, Fields{Src: src, Tgt: tgt}, nil, nil); err == nil {
		t.Fatalf("mismatched vocabularies accepted for share_embeddings")
	}

	cfg.SrcWordVecSize = 16
	if _, err := Assemble(cfg, smallFields(), nil, nil); err == nil {
		t.Fatalf("unequal embedding widths accepted for share_embeddings")
	}
}

func TestAssembleUnsupportedSharing(t *testing.T) {
	cfg := smallConfig()
	cfg.GeneratorFunction = params.GenContinuousLinear
	cfg.ShareDecoderEmbeddings = true
	f := smallFields()
	f.Tgt = f.Tgt.Clone()
	f.Tgt.Vectors = mat.NewDense(f.Tgt.Len(), 8, nil)
	_, err := Assemble(cfg, f, nil, nil)
	if !errors.Is(err, ErrUnsupportedSharing) {
		t.Fatalf("got %v, want ErrUnsupportedSharing", err)
	}
}

func TestAssembleTransformerWidthCheck(t *testing.T) {
	cfg := smallConfig()
	cfg.EncoderType = "transformer"
	cfg.SrcWordVecSize = 4
	if _, err := Assemble(cfg, smallFields(), nil, nil); err == nil {
		t.Fatalf("transformer accepted an embedding narrower than the model")
	}
}

func TestAssembleUnknownTypes(t *testing.T) {
	cfg := smallConfig()
	cfg.EncoderType = "quantum"
	if _, err := Assemble(cfg, smallFields(), nil, nil); err == nil {
		t.Fatalf("unknown encoder type accepted")
	}
	cfg = smallConfig()
	cfg.DecoderType = "quantum"
	if _, err := Assemble(cfg, smallFields(), nil, nil); err == nil {
		t.Fatalf("unknown decoder type accepted")
	}
}

func TestShareDecoderEmbeddingsTiesGenerator(t *testing.T) {
	cfg := smallConfig()
	cfg.ShareDecoderEmbeddings = true
	m, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	gen := m.Generator.(*LinearGenerator)
	dec := m.Decoder.(*RNNDecoder)
	if gen.W != dec.emb.WordLut {
		t.Fatalf("generator weight not aliased to the decoder word table")
	}
	if gen.gW != dec.emb.gWord {
		t.Fatalf("gradients not aliased; updates through one path would be lost")
	}

	// the shared tensor must appear exactly once in the parameter list
	n := 0
	for _, p := range m.NamedParameters() {
		if p.W == gen.W {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("shared tensor listed %d times", n)
	}
}

func TestShareEmbeddingsAliasesTables(t *testing.T) {
	cfg := smallConfig()
	cfg.ShareEmbeddings = true
	m, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	enc := m.Encoder.(*RNNEncoder)
	dec := m.Decoder.(*RNNDecoder)
	if enc.emb.WordLut != dec.emb.WordLut {
		t.Fatalf("encoder and decoder word tables not shared")
	}
}

func TestAssembleMultiTaskHead(t *testing.T) {
	cfg := smallConfig()
	cfg.MultiTask = true
	f := smallFields()
	f.TgtFeats = vocab.New([]string{"en", "de"}, nil)
	m, err := Assemble(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if m.MTLGenerator == nil {
		t.Fatalf("secondary head missing")
	}

	// without a feature stream the head is skipped, not fatal
	m2, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble without feats: %v", err)
	}
	if m2.MTLGenerator != nil {
		t.Fatalf("secondary head built without a feature stream")
	}
}

func TestDecodeWindows(t *testing.T) {
	cfg := smallConfig()
	m, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	b := smallBatch()
	encs := m.Encode(b, false)
	states := m.InitDecoder(encs)

	w := m.Decode(b, encs, states, 0, 2, false)
	if _, c := w.Outs[0].Dims(); c != 2 {
		t.Fatalf("window 0 of sentence 0 has %d positions, want 2", c)
	}
	if _, c := w.Outs[1].Dims(); c != 2 {
		t.Fatalf("window 0 of sentence 1 has %d positions, want 2", c)
	}

	w = m.Decode(b, encs, states, 2, 2, false)
	if _, c := w.Outs[0].Dims(); c != 2 {
		t.Fatalf("window 2 of sentence 0 has %d positions, want 2", c)
	}
	if w.Outs[1] != nil {
		t.Fatalf("short sentence must produce no output past its end")
	}

	w = m.Decode(b, encs, states, 4, 2, false)
	if w.Outs[0] != nil {
		t.Fatalf("window past the longest target must be empty")
	}
}

func TestDecodeFullLength(t *testing.T) {
	cfg := smallConfig()
	m, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	b := smallBatch()
	encs := m.Encode(b, false)
	states := m.InitDecoder(encs)
	w := m.Decode(b, encs, states, 0, 0, false)
	for i, tgt := range b.Tgt {
		_, c := w.Outs[i].Dims()
		if c != len(tgt)-1 {
			t.Fatalf("sentence %d decoded %d positions, want %d", i, c, len(tgt)-1)
		}
	}
}

func TestLossComputeSkipsPadding(t *testing.T) {
	cfg := smallConfig()
	f := smallFields()
	m, err := Assemble(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	lc := NewLossCompute(m, f, 0, false)

	b := &data.Batch{
		Src:        [][]int{{4, 5}},
		SrcLengths: []int{2},
		Tgt:        [][]int{{vocab.BosIndex, 4, vocab.PadIndex, vocab.EosIndex}},
		BatchSize:  1,
	}
	encs := m.Encode(b, false)
	states := m.InitDecoder(encs)
	w := m.Decode(b, encs, states, 0, 0, false)

	_, st, err := lc.Compute(b, w, false)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// golds are {4, <pad>, </s>}: the pad position must not count
	if st.NWords != 2 {
		t.Fatalf("scored %d tokens, want 2", st.NWords)
	}
}

func TestLossComputeBadGoldIsRecoverable(t *testing.T) {
	cfg := smallConfig()
	f := smallFields()
	m, err := Assemble(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	lc := NewLossCompute(m, f, 0, false)

	b := &data.Batch{
		Src:        [][]int{{4}},
		SrcLengths: []int{1},
		Tgt:        [][]int{{vocab.BosIndex, 4, 999}},
		BatchSize:  1,
	}
	encs := m.Encode(b, false)
	states := m.InitDecoder(encs)
	w := m.Decode(b, encs, states, 0, 0, false)
	if _, _, err := lc.Compute(b, w, false); err == nil {
		t.Fatalf("out-of-vocabulary gold must fail the window")
	}
}

func TestBackwardAccumulatesAndZeroGradClears(t *testing.T) {
	cfg := smallConfig()
	f := smallFields()
	m, err := Assemble(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	lc := NewLossCompute(m, f, 0, false)

	b := smallBatch()
	encs := m.Encode(b, true)
	states := m.InitDecoder(encs)
	w := m.Decode(b, encs, states, 0, 0, true)
	loss, _, err := lc.Compute(b, w, true)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	loss.Backward(1)
	if m.GradNorm() == 0 {
		t.Fatalf("backward left every gradient at zero")
	}
	m.ZeroGrad()
	if m.GradNorm() != 0 {
		t.Fatalf("zero grad left gradient mass behind")
	}
}

func TestTrainableRespectsFreezeAndFixed(t *testing.T) {
	cfg := smallConfig()
	cfg.FreezeDecoder = true
	cfg.FixWordVecsEnc = true
	m, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	for _, p := range m.Trainable() {
		if p.Name == "encoder.embeddings.word_lut" {
			t.Fatalf("fixed word vectors still trainable")
		}
		if len(p.Name) > 8 && p.Name[:8] == "decoder." {
			t.Fatalf("frozen decoder parameter %q still trainable", p.Name)
		}
	}
	if len(m.Trainable()) == 0 {
		t.Fatalf("nothing left to train")
	}
}

func TestFixKey(t *testing.T) {
	cases := map[string]string{
		"generator.layer_norm.a_2": "generator.layer_norm.weight",
		"generator.layer_norm.b_2": "generator.layer_norm.bias",
		"layer_norm.a_2":           "layer_norm.weight",
		"decoder.cell.w_ih":        "decoder.cell.w_ih",
	}
	for in, want := range cases {
		if got := fixKey(in); got != want {
			t.Fatalf("fixKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadStateDictSkipsMismatched(t *testing.T) {
	cfg := smallConfig()
	m, err := Assemble(cfg, smallFields(), nil, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	sd := m.StateDict()
	lutKey := checkpoint.EmbeddingKey("decoder")
	good := mat.DenseCopyOf(sd[lutKey])
	good.Set(0, 0, 42)

	skipped := m.LoadStateDict(map[string]*mat.Dense{
		lutKey:      good,
		"encoder.0": mat.NewDense(1, 1, nil),
	})
	if len(skipped) != 1 || skipped[0] != "encoder.0" {
		t.Fatalf("skipped = %v, want [encoder.0]", skipped)
	}
	if m.StateDict()[lutKey].At(0, 0) != 42 {
		t.Fatalf("matching tensor not restored")
	}
}

func TestMigrateVocabLangFilter(t *testing.T) {
	dim := 8
	old := vocab.New([]string{"en@a", "de@b", "en@c", "plain"}, nil)
	ckpt := &checkpoint.Checkpoint{
		Model: map[string]*mat.Dense{
			checkpoint.EmbeddingKey("decoder"): mat.NewDense(old.Len(), dim, nil),
			checkpoint.EmbeddingKey("encoder"): mat.NewDense(old.Len(), dim, nil),
		},
		Generator: map[string]*mat.Dense{
			"weight": mat.NewDense(old.Len(), dim, nil),
			"bias":   mat.NewDense(old.Len(), 1, nil),
		},
		SrcVocab: old,
		TgtVocab: old,
		Optim: &checkpoint.OptimState{
			M: map[string]*mat.Dense{
				checkpoint.EmbeddingKey("decoder"): mat.NewDense(old.Len(), dim, nil),
				"generator.weight":                 mat.NewDense(old.Len(), dim, nil),
				"generator.bias":                   mat.NewDense(old.Len(), 1, nil),
			},
			V: map[string]*mat.Dense{},
		},
	}
	for i := 0; i < old.Len(); i++ {
		ckpt.Generator["bias"].Set(i, 0, float64(i)+1)
	}

	newTgt := old.SubsetLanguage("en")
	newTgt.Vectors = mat.NewDense(newTgt.Len(), dim, nil)

	cfg := smallConfig()
	cfg.Langcode = "en"
	cfg.BiasPolicy = params.BiasLangFilter
	cfg.ShareEmbeddings = true

	err := MigrateVocab(ckpt, &cfg, Fields{Src: old, Tgt: newTgt}, nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if r, _ := ckpt.Generator["weight"].Dims(); r != newTgt.Len() {
		t.Fatalf("weight not rebuilt for the new vocabulary")
	}
	bias := ckpt.Generator["bias"]
	if r, _ := bias.Dims(); r != newTgt.Len() {
		t.Fatalf("bias not resized")
	}
	// en-tagged and untagged entries keep their value, de@b is gone
	for _, tok := range []string{"en@a", "en@c", "plain"} {
		oldID := old.TokenToID[tok]
		newID := newTgt.TokenToID[tok]
		if bias.At(newID, 0) != float64(oldID)+1 {
			t.Fatalf("bias for %q not carried", tok)
		}
	}
	if _, ok := ckpt.Optim.M["generator.weight"]; ok {
		t.Fatalf("stale optimizer moments kept for the reshaped weight")
	}
	if _, ok := ckpt.Optim.M[checkpoint.EmbeddingKey("decoder")]; ok {
		t.Fatalf("stale optimizer moments kept for the new word table")
	}
	if cfg.ShareEmbeddings {
		t.Fatalf("share_embeddings must be disabled after migration")
	}
	if ckpt.TgtVocab != newTgt {
		t.Fatalf("checkpoint vocabulary not replaced")
	}
}

// biasMigrationFixture is a multilingual checkpoint whose generator
// bias holds oldID+1 in every row, migrated to the "en" subset.
func biasMigrationFixture() (*vocab.Vocabulary, *vocab.Vocabulary, *checkpoint.Checkpoint) {
	dim := 8
	old := vocab.New([]string{"en@a", "de@b", "en@c", "plain"}, nil)
	ckpt := &checkpoint.Checkpoint{
		Model: map[string]*mat.Dense{
			checkpoint.EmbeddingKey("decoder"): mat.NewDense(old.Len(), dim, nil),
			checkpoint.EmbeddingKey("encoder"): mat.NewDense(old.Len(), dim, nil),
		},
		Generator: map[string]*mat.Dense{
			"weight": mat.NewDense(old.Len(), dim, nil),
			"bias":   mat.NewDense(old.Len(), 1, nil),
		},
		SrcVocab: old,
		TgtVocab: old,
		Optim: &checkpoint.OptimState{
			M: map[string]*mat.Dense{"generator.bias": mat.NewDense(old.Len(), 1, nil)},
			V: map[string]*mat.Dense{},
		},
	}
	for i := 0; i < old.Len(); i++ {
		ckpt.Generator["bias"].Set(i, 0, float64(i)+1)
	}
	newTgt := old.SubsetLanguage("en")
	newTgt.Vectors = mat.NewDense(newTgt.Len(), dim, nil)
	return old, newTgt, ckpt
}

func TestMigrateVocabBiasZeroSpecials(t *testing.T) {
	old, newTgt, ckpt := biasMigrationFixture()
	cfg := smallConfig()
	cfg.Langcode = "en"
	cfg.BiasPolicy = params.BiasZeroSpecials

	if err := MigrateVocab(ckpt, &cfg, Fields{Src: old, Tgt: newTgt}, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bias := ckpt.Generator["bias"]
	if r, _ := bias.Dims(); r != newTgt.Len() {
		t.Fatalf("bias not resized")
	}
	// the reserved rows keep their value, every real token starts at zero
	for i := 0; i < vocab.NumSpecials; i++ {
		if bias.At(i, 0) != float64(i)+1 {
			t.Fatalf("special %d bias = %g, want %g", i, bias.At(i, 0), float64(i)+1)
		}
	}
	for _, tok := range []string{"en@a", "en@c", "plain"} {
		if got := bias.At(newTgt.TokenToID[tok], 0); got != 0 {
			t.Fatalf("bias for %q = %g, want 0", tok, got)
		}
	}
}

func TestMigrateVocabBiasDrop(t *testing.T) {
	old, newTgt, ckpt := biasMigrationFixture()
	cfg := smallConfig()
	cfg.Langcode = "en"
	cfg.BiasPolicy = params.BiasDrop

	if err := MigrateVocab(ckpt, &cfg, Fields{Src: old, Tgt: newTgt}, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, ok := ckpt.Generator["bias"]; ok {
		t.Fatalf("bias kept under the drop policy")
	}
	if _, ok := ckpt.Optim.M["generator.bias"]; ok {
		t.Fatalf("stale optimizer moments kept for the dropped bias")
	}
}

func TestMigrateVocabRequiresVectors(t *testing.T) {
	old := vocab.New([]string{"en@a"}, nil)
	ckpt := &checkpoint.Checkpoint{
		Model: map[string]*mat.Dense{
			checkpoint.EmbeddingKey("decoder"): mat.NewDense(old.Len(), 4, nil),
		},
		TgtVocab: old,
	}
	cfg := smallConfig()
	if err := MigrateVocab(ckpt, &cfg, Fields{Src: old, Tgt: old}, nil); err == nil {
		t.Fatalf("migration without pretrained vectors accepted")
	}
}
