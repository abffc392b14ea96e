package vocab

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/bpe"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// TrainBPE trains a subword tokenizer on corpusPath (unless tokPath
// already exists, in which case it is loaded) and returns the resulting
// vocabulary with this system's reserved specials at the front.
func TrainBPE(corpusPath, tokPath string, vocabSize int) (*Vocabulary, error) {
	if _, err := os.Stat(tokPath); err == nil {
		t, err := pretrained.FromFile(tokPath)
		if err != nil {
			return nil, errors.Wrap(err, "load tokenizer")
		}
		return fromTokenizer(t)
	}

	m := bpe.NewBPE(model.Vocab{}, bpe.Merges{})
	t := tk.NewTokenizer(m)
	t.WithNormalizer(normalizer.NewSequence([]normalizer.Normalizer{
		normalizer.NewNFKC(),
		normalizer.Lowercase(),
	}))
	t.WithPreTokenizer(pretokenizer.NewWhitespaceSplit())

	tr := bpe.NewBPETrainerBuilder().Build()
	tr.VocabSize = vocabSize
	for _, s := range Specials {
		tr.SpecialTokens = append(tr.SpecialTokens, tk.NewAddedToken(s, true))
	}

	if err := t.Train(tr, []string{corpusPath}); err != nil {
		return nil, errors.Wrap(err, "train tokenizer")
	}
	if err := os.MkdirAll(filepath.Dir(tokPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "train tokenizer")
	}
	if err := t.Save(tokPath, false); err != nil {
		return nil, errors.Wrap(err, "save tokenizer")
	}
	return fromTokenizer(t)
}

func fromTokenizer(t *tk.Tokenizer) (*Vocabulary, error) {
	raw := t.GetVocab(true)
	if len(raw) == 0 {
		return nil, errors.New("tokenizer has an empty vocab")
	}
	idToToken := make([]string, len(raw))
	for tok, id := range raw {
		if id < 0 || id >= len(idToToken) {
			return nil, errors.Errorf("tokenizer id %d out of range for token %q", id, tok)
		}
		idToToken[id] = tok
	}
	// Re-layout so the reserved specials sit at indices 0..3 regardless
	// of the ids the trainer assigned them.
	var rest []string
	seen := make(map[string]bool, NumSpecials)
	for _, s := range Specials {
		seen[s] = true
	}
	for _, tok := range idToToken {
		if tok == "" || seen[tok] {
			continue
		}
		rest = append(rest, tok)
	}
	return New(rest, nil), nil
}
