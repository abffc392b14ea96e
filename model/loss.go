package model

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/manningwu07/NMT/data"
	"github.com/manningwu07/NMT/stats"
	"github.com/manningwu07/NMT/utils"
	"github.com/manningwu07/NMT/vocab"
)

// Loss holds one window's summed loss and the deferred output
// gradients. Backward divides by the normalization factor and pushes
// the gradients through the model.
type Loss struct {
	Value float64

	m     *Model
	w     *WindowOut
	dOuts []*mat.Dense
}

// Backward propagates the window gradients, scaled by 1/norm.
func (l *Loss) Backward(norm float64) {
	if norm <= 0 {
		norm = 1
	}
	for _, d := range l.dOuts {
		if d != nil {
			d.Scale(1/norm, d)
		}
	}
	l.m.Backward(l.w, l.dOuts)
}

// LossCompute scores decoder outputs against the gold stream, one
// position at a time, sharded to bound the live working set. The
// generator abstraction covers both distribution and continuous
// outputs, so the same driver serves every head.
type LossCompute struct {
	M            *Model
	ShardSize    int
	TgtVocabSize int
	FeatSize     int
	TrainOnlySec bool
}

func NewLossCompute(m *Model, fields Fields, shardSize int, trainOnlySec bool) *LossCompute {
	lc := &LossCompute{
		M:            m,
		ShardSize:    shardSize,
		TgtVocabSize: fields.Tgt.Len(),
		TrainOnlySec: trainOnlySec,
	}
	if fields.TgtFeats != nil {
		lc.FeatSize = fields.TgtFeats.Len()
	}
	return lc
}

// Compute scores one decoded window. The returned statistics count the
// main task only; the secondary head contributes to the loss value and
// the gradients. Errors are recoverable at the window level: the
// caller may skip the window and keep training.
func (lc *LossCompute) Compute(batch *data.Batch, w *WindowOut, training bool) (*Loss, *stats.Statistics, error) {
	loss := &Loss{m: lc.M, w: w, dOuts: make([]*mat.Dense, len(w.Outs))}
	st := stats.NewStatistics()
	for _, l := range batch.SrcLengths {
		st.NSrcWords += l
	}

	shard := lc.ShardSize
	if shard <= 0 {
		shard = 1 << 30
	}

	for i, outs := range w.Outs {
		if outs == nil {
			continue
		}
		d, T := outs.Dims()
		tgt := batch.Tgt[i]
		var dOut *mat.Dense
		if training {
			dOut = mat.NewDense(d, T, nil)
		}

		for lo := 0; lo < T; lo += shard {
			hi := lo + shard
			if hi > T {
				hi = T
			}
			for t := lo; t < hi; t++ {
				gold := tgt[w.Start+t+1]
				if gold < 0 || gold >= lc.TgtVocabSize {
					return nil, nil, errors.Errorf("target id %d outside vocabulary of %d", gold, lc.TgtVocabSize)
				}
				if gold == vocab.PadIndex {
					continue
				}
				h := utils.Col(outs, t)
				if !lc.TrainOnlySec {
					ctx := &GenContext{SrcWords: batch.Src[i]}
					if w.Attns[i] != nil {
						ctx.Align = utils.Col(w.Attns[i], t)
					}
					l, correct, dH := lc.M.Generator.Loss(h, gold, ctx, training)
					loss.Value += l
					st.Loss += l
					st.NWords++
					if correct {
						st.NCorrect++
					}
					if dH != nil {
						utils.AddCol(dOut, t, dH)
					}
				}
				if lc.M.MTLGenerator != nil && batch.TgtFeats != nil && batch.TgtFeats[i] != nil {
					fgold := batch.TgtFeats[i][w.Start+t+1]
					if fgold < 0 || fgold >= lc.FeatSize {
						return nil, nil, errors.Errorf("feature id %d outside vocabulary of %d", fgold, lc.FeatSize)
					}
					l, _, dH := lc.M.MTLGenerator.Loss(h, fgold, nil, training)
					loss.Value += l
					if lc.TrainOnlySec {
						st.Loss += l
						st.NWords++
					}
					if dH != nil {
						utils.AddCol(dOut, t, dH)
					}
				}
			}
		}
		loss.dOuts[i] = dOut
	}
	return loss, st, nil
}
