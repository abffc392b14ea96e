// Package model builds and runs the encoder/decoder network: the
// assembler, the vocabulary migrator, the generator variants and the
// loss computes. Forward/backward passes are hand-written over
// gonum matrices, one sentence at a time.
package model

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

func itoa(i int) string { return strconv.Itoa(i) }

func tanh(v float64) float64 { return math.Tanh(v) }

func sigmoid(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

// NamedParam is one weight matrix with its gradient buffer. Fixed
// parameters are persisted but never trained.
type NamedParam struct {
	Name  string
	W     *mat.Dense
	G     *mat.Dense
	Fixed bool
}

// Module is anything owning parameters.
type Module interface {
	NamedParams() []NamedParam
	UpdateDropout(p float64)
}

func prefixed(prefix string, ps []NamedParam) []NamedParam {
	out := make([]NamedParam, len(ps))
	for i, p := range ps {
		p.Name = prefix + "." + p.Name
		out[i] = p
	}
	return out
}
