// Package vocab holds the ordered token vocabulary shared by the data
// pipeline, the model assembler and the checkpoint store.
package vocab

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Reserved tokens, pinned at the start of every vocabulary. Index 0 is
// the unknown token so that injected out-of-vocabulary entries can be
// detected as slot-0 collisions.
var Specials = []string{"<unk>", "<pad>", "<s>", "</s>"}

const (
	UnkIndex = 0
	PadIndex = 1
	BosIndex = 2
	EosIndex = 3
)

// NumSpecials is the count of reserved indices stable across any
// vocabulary swap.
const NumSpecials = 4

// Vocabulary is an ordered token <-> index mapping for one side of the
// data. Vectors, when present, carries one pretrained row per index.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
	Freqs     map[string]int
	Vectors   *mat.Dense // (|V| x dim), row i aligned with IDToToken[i]
}

// New builds a vocabulary from tokens in frequency order. The reserved
// specials are prepended; duplicates of them in tokens are skipped.
func New(tokens []string, freqs map[string]int) *Vocabulary {
	v := &Vocabulary{
		TokenToID: make(map[string]int, len(tokens)+NumSpecials),
		Freqs:     make(map[string]int, len(tokens)),
	}
	for _, s := range Specials {
		v.TokenToID[s] = len(v.IDToToken)
		v.IDToToken = append(v.IDToToken, s)
	}
	for _, t := range tokens {
		if _, ok := v.TokenToID[t]; ok {
			continue
		}
		v.TokenToID[t] = len(v.IDToToken)
		v.IDToToken = append(v.IDToToken, t)
		if freqs != nil {
			v.Freqs[t] = freqs[t]
		}
	}
	return v
}

func (v *Vocabulary) Len() int { return len(v.IDToToken) }

// Lookup maps a token to its index, falling back to the unknown index.
func (v *Vocabulary) Lookup(tok string) int {
	if id, ok := v.TokenToID[tok]; ok {
		return id
	}
	return UnkIndex
}

// Clone deep-copies the vocabulary, including the vector table.
func (v *Vocabulary) Clone() *Vocabulary {
	out := &Vocabulary{
		TokenToID: make(map[string]int, len(v.TokenToID)),
		IDToToken: append([]string(nil), v.IDToToken...),
		Freqs:     make(map[string]int, len(v.Freqs)),
	}
	for k, id := range v.TokenToID {
		out.TokenToID[k] = id
	}
	for k, n := range v.Freqs {
		out.Freqs[k] = n
	}
	if v.Vectors != nil {
		var m mat.Dense
		m.CloneFrom(v.Vectors)
		out.Vectors = &m
	}
	return out
}

// PruneInjected removes entries whose slot equals the unknown index but
// whose text is not the canonical unknown token. Such entries are
// leftovers from tokens injected at lookup time and must not be
// persisted.
func (v *Vocabulary) PruneInjected() {
	unk := v.IDToToken[UnkIndex]
	for tok, id := range v.TokenToID {
		if id == UnkIndex && tok != unk {
			delete(v.TokenToID, tok)
			delete(v.Freqs, tok)
		}
	}
}

// HasLangTag reports whether tok carries a "<lang>@" language prefix.
func HasLangTag(tok string) bool {
	return strings.Contains(tok, "@")
}

// ExportJSON writes the vocabulary (without vectors) to path.
func (v *Vocabulary) ExportJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "export vocab")
	}
	defer f.Close()
	data := map[string]any{
		"TokenToID": v.TokenToID,
		"IDToToken": v.IDToToken,
		"Freqs":     v.Freqs,
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(data), "export vocab")
}

// ImportJSON loads a vocabulary previously written by ExportJSON.
func ImportJSON(path string) (*Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "import vocab")
	}
	var data struct {
		TokenToID map[string]int
		IDToToken []string
		Freqs     map[string]int
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "import vocab")
	}
	if len(data.IDToToken) < NumSpecials {
		return nil, errors.Errorf("vocab at %s is missing reserved specials", path)
	}
	v := &Vocabulary{
		TokenToID: data.TokenToID,
		IDToToken: data.IDToToken,
		Freqs:     data.Freqs,
	}
	if v.Freqs == nil {
		v.Freqs = map[string]int{}
	}
	return v, nil
}
