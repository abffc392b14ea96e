package utils

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// RandomArray returns n samples uniform in ±1/sqrt(fanIn).
func RandomArray(n int, fanIn float64) []float64 {
	bound := 1.0 / math.Sqrt(fanIn)
	out := make([]float64, n)
	for i := range out {
		out[i] = bound * (2*rand.Float64() - 1)
	}
	return out
}

// UniformInPlace fills m with samples uniform in ±bound.
func UniformInPlace(m *mat.Dense, bound float64) {
	data := m.RawMatrix().Data
	for i := range data {
		data[i] = bound * (2*rand.Float64() - 1)
	}
}

// XavierInPlace fills m with Glorot-uniform samples, gain 1.
func XavierInPlace(m *mat.Dense) {
	r, c := m.Dims()
	bound := math.Sqrt(6.0 / float64(r+c))
	UniformInPlace(m, bound)
}
