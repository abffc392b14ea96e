package trainer

import (
	"math/rand"
	"sort"
)

// Noiser corrupts source sentences for denoising training: bounded
// local shuffling, random token removal and random blanking with the
// unknown id. The first token of a sentence is never touched and a
// sentence never shrinks below two tokens.
type Noiser struct {
	Shuffle float64 // max displacement, 0 disables
	Dropout float64 // removal probability, [0, 1)
	Blank   float64 // blanking probability, [0, 1)
	UnkID   int

	rng *rand.Rand
}

func NewNoiser(shuffle, dropout, blank float64, unkID int, seed int64) *Noiser {
	return &Noiser{
		Shuffle: shuffle,
		Dropout: dropout,
		Blank:   blank,
		UnkID:   unkID,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Apply returns a corrupted copy of words. The input is not modified.
func (n *Noiser) Apply(words []int) []int {
	out := append([]int(nil), words...)
	out = n.wordShuffle(out)
	out = n.wordDropout(out)
	return n.wordBlank(out)
}

// wordShuffle permutes tokens so none moves more than Shuffle positions
// from where it started. The lead token keeps its place.
func (n *Noiser) wordShuffle(words []int) []int {
	if n.Shuffle <= 0 || len(words) < 3 {
		return words
	}
	type keyed struct {
		key float64
		tok int
	}
	body := make([]keyed, len(words)-1)
	for i, tok := range words[1:] {
		body[i] = keyed{key: float64(i) + n.rng.Float64()*n.Shuffle, tok: tok}
	}
	sort.SliceStable(body, func(a, b int) bool { return body[a].key < body[b].key })
	for i, k := range body {
		words[i+1] = k.tok
	}
	return words
}

// wordDropout removes tokens independently, keeping the lead token and
// at least two tokens overall.
func (n *Noiser) wordDropout(words []int) []int {
	if n.Dropout <= 0 || len(words) <= 2 {
		return words
	}
	out := words[:1]
	for _, tok := range words[1:] {
		if n.rng.Float64() < n.Dropout {
			continue
		}
		out = append(out, tok)
	}
	if len(out) < 2 {
		// keep one surviving body token at random
		out = append(out, words[1+n.rng.Intn(len(words)-1)])
	}
	return out
}

// wordBlank replaces tokens with the unknown id, lead token excepted.
func (n *Noiser) wordBlank(words []int) []int {
	if n.Blank <= 0 {
		return words
	}
	for i := 1; i < len(words); i++ {
		if n.rng.Float64() < n.Blank {
			words[i] = n.UnkID
		}
	}
	return words
}
