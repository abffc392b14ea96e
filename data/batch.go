// Package data defines the batch record consumed by the trainer and a
// couple of concrete batch sources. The real data pipeline lives
// upstream; anything producing Batch values can drive training.
package data

// Batch is one group of parallel sentences. Src and Tgt hold token ids
// per sentence; TgtFeats optionally carries a second, aligned label
// stream per sentence (secondary task / language tags).
type Batch struct {
	Src        [][]int
	SrcLengths []int
	Tgt        [][]int
	TgtFeats   [][]int
	BatchSize  int
}

// MaxTgtLen is the longest target sequence in the batch.
func (b *Batch) MaxTgtLen() int {
	max := 0
	for _, t := range b.Tgt {
		if len(t) > max {
			max = len(t)
		}
	}
	return max
}

// Iterator is a pull-based batch source. Next returns nil when the
// source is exhausted.
type Iterator interface {
	Next() *Batch
}

// Restartable sources can be rewound for another epoch or a validation
// pass.
type Restartable interface {
	Iterator
	Restart()
}

// SliceIter serves batches from memory and restarts from the top.
type SliceIter struct {
	batches []*Batch
	pos     int
}

func NewSliceIter(batches []*Batch) *SliceIter {
	return &SliceIter{batches: batches}
}

func (it *SliceIter) Next() *Batch {
	if it.pos >= len(it.batches) {
		return nil
	}
	b := it.batches[it.pos]
	it.pos++
	return b
}

func (it *SliceIter) Restart() { it.pos = 0 }

// RepeatingIter wraps a restartable source into an endless stream, for
// step-budget driven training.
type RepeatingIter struct {
	src Restartable
}

func NewRepeatingIter(src Restartable) *RepeatingIter {
	return &RepeatingIter{src: src}
}

func (it *RepeatingIter) Next() *Batch {
	b := it.src.Next()
	if b == nil {
		it.src.Restart()
		b = it.src.Next()
	}
	return b
}

// StridedIter deals every n-th batch to one worker of a group, so
// workers sharing a source never train on the same batch.
type StridedIter struct {
	src         Iterator
	world, rank int
	pos         int
}

func NewStridedIter(src Iterator, world, rank int) *StridedIter {
	return &StridedIter{src: src, world: world, rank: rank}
}

func (it *StridedIter) Next() *Batch {
	for {
		b := it.src.Next()
		if b == nil {
			return nil
		}
		mine := it.pos%it.world == it.rank
		it.pos++
		if mine {
			return b
		}
	}
}
