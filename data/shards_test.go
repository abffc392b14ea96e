package data

import (
	"os"
	"path/filepath"
	"testing"
)

func samplePairs(n int) [][2][]int {
	pairs := make([][2][]int, n)
	for i := range pairs {
		src := []int{4 + i, 5 + i, 6 + i}
		tgt := []int{2, 7 + i, 8 + i, 3}
		pairs[i] = [2][]int{src, tgt}
	}
	return pairs
}

func collect(it Iterator) [][2][]int {
	var out [][2][]int
	for b := it.Next(); b != nil; b = it.Next() {
		for i := range b.Src {
			out = append(out, [2][]int{b.Src[i], b.Tgt[i]})
		}
	}
	return out
}

func TestShardSetRoundTrip(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "train")
	pairs := samplePairs(10)
	// force several shards: one pair is 7 ids = 28 bytes
	if err := WriteShards(pairs, prefix, 60); err != nil {
		t.Fatalf("write shards: %v", err)
	}
	if _, err := os.Stat(prefix + "-001.bin"); err != nil {
		t.Fatalf("expected a second shard: %v", err)
	}

	it, err := OpenShardSet(prefix, 3)
	if err != nil {
		t.Fatalf("open shard set: %v", err)
	}
	defer it.Close()

	got := collect(it)
	if it.Err() != nil {
		t.Fatalf("iterate: %v", it.Err())
	}
	if len(got) != len(pairs) {
		t.Fatalf("got %d pairs back, want %d", len(got), len(pairs))
	}
	for i, p := range pairs {
		for side := 0; side < 2; side++ {
			if len(got[i][side]) != len(p[side]) {
				t.Fatalf("pair %d side %d length mismatch", i, side)
			}
			for j := range p[side] {
				if got[i][side][j] != p[side][j] {
					t.Fatalf("pair %d side %d token %d: %d != %d",
						i, side, j, got[i][side][j], p[side][j])
				}
			}
		}
	}

	it.Restart()
	again := collect(it)
	if len(again) != len(pairs) {
		t.Fatalf("restart yielded %d pairs, want %d", len(again), len(pairs))
	}
}

func TestShardIterBatchSize(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "train")
	if err := WriteShards(samplePairs(7), prefix, 0); err != nil {
		t.Fatalf("write shards: %v", err)
	}
	it, err := OpenShard(prefix, 0, 3)
	if err != nil {
		t.Fatalf("open shard: %v", err)
	}
	defer it.Close()

	sizes := []int{}
	for b := it.Next(); b != nil; b = it.Next() {
		sizes = append(sizes, b.BatchSize)
		if b.BatchSize != len(b.Src) || len(b.Src) != len(b.Tgt) {
			t.Fatalf("inconsistent batch: %+v", b)
		}
	}
	want := []int{3, 3, 1}
	if len(sizes) != len(want) {
		t.Fatalf("got %d batches, want %d", len(sizes), len(want))
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("batch %d has %d sentences, want %d", i, sizes[i], want[i])
		}
	}
}

func TestStridedIter(t *testing.T) {
	batches := make([]*Batch, 7)
	for i := range batches {
		batches[i] = &Batch{Src: [][]int{{i}}, Tgt: [][]int{{2, i, 3}}, BatchSize: 1}
	}
	r0 := NewStridedIter(NewSliceIter(batches), 3, 0)
	r2 := NewStridedIter(NewSliceIter(batches), 3, 2)

	var got0, got2 []int
	for b := r0.Next(); b != nil; b = r0.Next() {
		got0 = append(got0, b.Src[0][0])
	}
	for b := r2.Next(); b != nil; b = r2.Next() {
		got2 = append(got2, b.Src[0][0])
	}
	want0 := []int{0, 3, 6}
	want2 := []int{2, 5}
	if len(got0) != len(want0) || len(got2) != len(want2) {
		t.Fatalf("rank splits wrong: rank0=%v rank2=%v", got0, got2)
	}
	for i := range want0 {
		if got0[i] != want0[i] {
			t.Fatalf("rank 0 got %v, want %v", got0, want0)
		}
	}
	for i := range want2 {
		if got2[i] != want2[i] {
			t.Fatalf("rank 2 got %v, want %v", got2, want2)
		}
	}
}

func TestRepeatingIter(t *testing.T) {
	batches := []*Batch{
		{Src: [][]int{{1}}, BatchSize: 1},
		{Src: [][]int{{2}}, BatchSize: 1},
	}
	it := NewRepeatingIter(NewSliceIter(batches))
	var got []int
	for i := 0; i < 5; i++ {
		b := it.Next()
		if b == nil {
			t.Fatalf("repeating source ran dry at %d", i)
		}
		got = append(got, b.Src[0][0])
	}
	want := []int{1, 2, 1, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
