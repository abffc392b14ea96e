package data

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Binary token shards:
//
//   - .bin = concatenated int32 token sequences, src then tgt per pair
//   - .idx = int64 (srcLen, tgtLen) per pair
//
// Large corpora are split into shards <= maxShardBytes.

// WriteShards persists aligned (src, tgt) id sequences.
func WriteShards(pairs [][2][]int, outPrefix string, maxShardBytes int64) error {
	shard := 0
	var (
		dataF *os.File
		idxF  *os.File
		wData *bufio.Writer
		wIdx  *bufio.Writer
		cur   int64
	)

	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return err
		}
		if err := wIdx.Flush(); err != nil {
			return err
		}
		dataF.Close()
		idxF.Close()
		dataF, idxF = nil, nil
		return nil
	}
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		var err error
		dataF, err = os.Create(fmt.Sprintf("%s-%03d.bin", outPrefix, shard))
		if err != nil {
			return err
		}
		idxF, err = os.Create(fmt.Sprintf("%s-%03d.idx", outPrefix, shard))
		if err != nil {
			return err
		}
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		return nil
	}

	if err := openShard(); err != nil {
		return errors.Wrap(err, "write shards")
	}
	for _, pair := range pairs {
		need := int64(4 * (len(pair[0]) + len(pair[1])))
		if cur > 0 && maxShardBytes > 0 && cur+need > maxShardBytes {
			shard++
			if err := openShard(); err != nil {
				return errors.Wrap(err, "write shards")
			}
		}
		for side := 0; side < 2; side++ {
			for _, id := range pair[side] {
				if err := binary.Write(wData, binary.LittleEndian, int32(id)); err != nil {
					return errors.Wrap(err, "write shards")
				}
			}
		}
		hdr := [2]int64{int64(len(pair[0])), int64(len(pair[1]))}
		if err := binary.Write(wIdx, binary.LittleEndian, hdr); err != nil {
			return errors.Wrap(err, "write shards")
		}
		cur += need
	}
	return errors.Wrap(closeShard(), "write shards")
}

// ShardIter streams batches out of one shard pair. It is a single-pass
// source: Next returns nil at end of shard.
type ShardIter struct {
	data      *bufio.Reader
	idx       *bufio.Reader
	dataF     *os.File
	idxF      *os.File
	batchSize int
	err       error
}

// OpenShard opens a .bin/.idx pair written by WriteShards.
func OpenShard(prefix string, shard, batchSize int) (*ShardIter, error) {
	dataF, err := os.Open(fmt.Sprintf("%s-%03d.bin", prefix, shard))
	if err != nil {
		return nil, errors.Wrap(err, "open shard")
	}
	idxF, err := os.Open(fmt.Sprintf("%s-%03d.idx", prefix, shard))
	if err != nil {
		dataF.Close()
		return nil, errors.Wrap(err, "open shard")
	}
	return &ShardIter{
		data:      bufio.NewReaderSize(dataF, 1<<20),
		idx:       bufio.NewReaderSize(idxF, 1<<16),
		dataF:     dataF,
		idxF:      idxF,
		batchSize: batchSize,
	}, nil
}

// Err reports any read error hit while iterating.
func (it *ShardIter) Err() error { return it.err }

func (it *ShardIter) Close() error {
	it.dataF.Close()
	return it.idxF.Close()
}

func (it *ShardIter) readSeq(n int64) ([]int, error) {
	out := make([]int, n)
	for i := range out {
		var id int32
		if err := binary.Read(it.data, binary.LittleEndian, &id); err != nil {
			return nil, err
		}
		out[i] = int(id)
	}
	return out, nil
}

func (it *ShardIter) Next() *Batch {
	if it.err != nil {
		return nil
	}
	b := &Batch{}
	for len(b.Src) < it.batchSize {
		var hdr [2]int64
		if err := binary.Read(it.idx, binary.LittleEndian, &hdr); err != nil {
			if err != io.EOF {
				it.err = errors.Wrap(err, "read shard")
			}
			break
		}
		src, err := it.readSeq(hdr[0])
		if err != nil {
			it.err = errors.Wrap(err, "read shard")
			break
		}
		tgt, err := it.readSeq(hdr[1])
		if err != nil {
			it.err = errors.Wrap(err, "read shard")
			break
		}
		b.Src = append(b.Src, src)
		b.SrcLengths = append(b.SrcLengths, len(src))
		b.Tgt = append(b.Tgt, tgt)
	}
	if len(b.Src) == 0 {
		return nil
	}
	b.BatchSize = len(b.Src)
	return b
}

// ShardSetIter chains every shard under one prefix into a single
// stream. It restarts from shard zero, so it can back both an endless
// training source and a rewindable validation source.
type ShardSetIter struct {
	prefix    string
	batchSize int
	shard     int
	cur       *ShardIter
	err       error
}

// OpenShardSet opens a shard family written by WriteShards. Shard zero
// must exist.
func OpenShardSet(prefix string, batchSize int) (*ShardSetIter, error) {
	first, err := OpenShard(prefix, 0, batchSize)
	if err != nil {
		return nil, err
	}
	return &ShardSetIter{prefix: prefix, batchSize: batchSize, cur: first}, nil
}

func (it *ShardSetIter) Next() *Batch {
	for it.cur != nil {
		if b := it.cur.Next(); b != nil {
			return b
		}
		if err := it.cur.Err(); err != nil {
			it.err = err
			it.cur.Close()
			it.cur = nil
			return nil
		}
		it.cur.Close()
		it.shard++
		next, err := OpenShard(it.prefix, it.shard, it.batchSize)
		if err != nil {
			// no further shard
			it.cur = nil
			return nil
		}
		it.cur = next
	}
	return nil
}

func (it *ShardSetIter) Restart() {
	if it.cur != nil {
		it.cur.Close()
	}
	it.shard = 0
	it.cur, it.err = OpenShard(it.prefix, 0, it.batchSize)
}

func (it *ShardSetIter) Err() error { return it.err }

func (it *ShardSetIter) Close() error {
	if it.cur == nil {
		return nil
	}
	return it.cur.Close()
}
