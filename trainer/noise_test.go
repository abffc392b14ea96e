package trainer

import "testing"

func TestApplyDoesNotModifyInput(t *testing.T) {
	n := NewNoiser(3, 0.5, 0.5, 0, 1)
	in := []int{10, 11, 12, 13, 14}
	orig := append([]int(nil), in...)
	n.Apply(in)
	for i := range orig {
		if in[i] != orig[i] {
			t.Fatalf("input mutated at %d", i)
		}
	}
}

func TestShuffleKeepsLeadAndBoundsDisplacement(t *testing.T) {
	n := NewNoiser(3, 0, 0, 0, 7)
	words := make([]int, 30)
	for i := range words {
		words[i] = 100 + i
	}
	for trial := 0; trial < 50; trial++ {
		out := n.Apply(words)
		if out[0] != words[0] {
			t.Fatalf("lead token moved")
		}
		if len(out) != len(words) {
			t.Fatalf("shuffle changed length: %d", len(out))
		}
		for pos, tok := range out {
			orig := tok - 100
			if d := pos - orig; d > 3 || d < -3 {
				t.Fatalf("token %d moved %d positions", tok, d)
			}
		}
	}
}

func TestDropoutKeepsAtLeastTwoTokens(t *testing.T) {
	n := NewNoiser(0, 0.95, 0, 0, 3)
	words := []int{10, 11, 12, 13, 14, 15}
	for trial := 0; trial < 200; trial++ {
		out := n.Apply(words)
		if len(out) < 2 {
			t.Fatalf("sentence shrank to %d tokens", len(out))
		}
		if out[0] != 10 {
			t.Fatalf("lead token dropped")
		}
		// every survivor must come from the original body
		for _, tok := range out[1:] {
			if tok < 11 || tok > 15 {
				t.Fatalf("unknown token %d after dropout", tok)
			}
		}
	}
}

func TestBlankSparesLeadToken(t *testing.T) {
	unk := 0
	n := NewNoiser(0, 0, 1, unk, 5)
	out := n.Apply([]int{10, 11, 12, 13})
	if out[0] != 10 {
		t.Fatalf("lead token blanked")
	}
	for i, tok := range out[1:] {
		if tok != unk {
			t.Fatalf("body token %d not blanked: %d", i+1, tok)
		}
	}
}

func TestShortSentencesPassThrough(t *testing.T) {
	n := NewNoiser(3, 0.9, 0, 0, 9)
	in := []int{10, 11}
	for trial := 0; trial < 20; trial++ {
		out := n.Apply(in)
		if len(out) != 2 || out[0] != 10 || out[1] != 11 {
			t.Fatalf("two-token sentence changed: %v", out)
		}
	}
}
