package vocab

import (
	"strings"

	"gonum.org/v1/gonum/mat"
)

// SubsetLanguage reconstructs the vocabulary keeping only tokens tagged
// with the requested language prefix ("<lang>@token") plus every
// untagged token (the specials). Original index order, frequency counts
// and pretrained vector rows are preserved for the retained entries.
func (v *Vocabulary) SubsetLanguage(lang string) *Vocabulary {
	prefix := lang + "@"
	out := &Vocabulary{
		TokenToID: make(map[string]int),
		Freqs:     make(map[string]int),
	}
	var rows []int
	for id, tok := range v.IDToToken {
		if HasLangTag(tok) && !strings.HasPrefix(tok, prefix) {
			continue
		}
		out.TokenToID[tok] = len(out.IDToToken)
		out.IDToToken = append(out.IDToToken, tok)
		if n, ok := v.Freqs[tok]; ok {
			out.Freqs[tok] = n
		}
		rows = append(rows, id)
	}
	if v.Vectors != nil {
		_, dim := v.Vectors.Dims()
		vecs := mat.NewDense(len(rows), dim, nil)
		for i, src := range rows {
			for j := 0; j < dim; j++ {
				vecs.Set(i, j, v.Vectors.At(src, j))
			}
		}
		out.Vectors = vecs
	}
	return out
}
