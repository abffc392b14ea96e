package utils

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLogSumExpStable(t *testing.T) {
	// large logits must not overflow
	got := LogSumExp([]float64{1000, 1000})
	want := 1000 + math.Log(2)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("LogSumExp = %v, want %v", got, want)
	}
}

func TestClipGrads(t *testing.T) {
	a := mat.NewDense(1, 2, []float64{3, 0})
	b := mat.NewDense(1, 2, []float64{0, 4})
	ClipGrads(1, a, b)
	if n := GlobalNorm([]*mat.Dense{a, b}); math.Abs(n-1) > 1e-12 {
		t.Fatalf("clipped norm = %v, want 1", n)
	}

	// already under the bound: untouched
	c := mat.NewDense(1, 1, []float64{0.5})
	ClipGrads(1, c)
	if c.At(0, 0) != 0.5 {
		t.Fatalf("small gradient rescaled")
	}
}

func TestL2NormalizeRows(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{3, 4, 0, 0})
	L2NormalizeRows(m)
	if math.Abs(m.At(0, 0)-0.6) > 1e-12 || math.Abs(m.At(0, 1)-0.8) > 1e-12 {
		t.Fatalf("row not unit length: %v %v", m.At(0, 0), m.At(0, 1))
	}
	if m.At(1, 0) != 0 || m.At(1, 1) != 0 {
		t.Fatalf("zero row must stay zero")
	}
}

func TestColAddCol(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	c := Col(m, 1)
	if c.At(0, 0) != 2 || c.At(1, 0) != 5 {
		t.Fatalf("Col extracted %v %v", c.At(0, 0), c.At(1, 0))
	}
	AddCol(m, 1, mat.NewDense(2, 1, []float64{10, 10}))
	if m.At(0, 1) != 12 || m.At(1, 1) != 15 {
		t.Fatalf("AddCol wrote %v %v", m.At(0, 1), m.At(1, 1))
	}
}
