package vocab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTrainBPERoundTrip(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.txt")
	text := strings.Repeat("the cat sat on the mat\nthe dog sat on the log\n", 50)
	if err := os.WriteFile(corpus, []byte(text), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	tokPath := filepath.Join(dir, "tok", "tokenizer.json")

	v, err := TrainBPE(corpus, tokPath, 64)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	for i, s := range Specials {
		if v.IDToToken[i] != s {
			t.Fatalf("special %d = %q, want %q", i, v.IDToToken[i], s)
		}
	}
	if v.Len() <= NumSpecials {
		t.Fatalf("trained vocabulary has no subwords")
	}
	if _, err := os.Stat(tokPath); err != nil {
		t.Fatalf("tokenizer not written: %v", err)
	}

	// a second call loads the saved tokenizer instead of retraining
	v2, err := TrainBPE(corpus, tokPath, 64)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v2.Len() != v.Len() {
		t.Fatalf("reloaded vocabulary has %d tokens, want %d", v2.Len(), v.Len())
	}
}
