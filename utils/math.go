package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix helpers shared by the model modules and the trainer.

func Dot(m, n mat.Matrix) *mat.Dense {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Add(m, n mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}

func CloneDense(a *mat.Dense) *mat.Dense {
	if a == nil {
		return nil
	}
	var o mat.Dense
	o.CloneFrom(a)
	return &o
}

// Col returns column j of m as a fresh column vector.
func Col(m *mat.Dense, j int) *mat.Dense {
	r, _ := m.Dims()
	o := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		o.Set(i, 0, m.At(i, j))
	}
	return o
}

// AddCol adds column vector v into column j of m.
func AddCol(m *mat.Dense, j int, v *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		m.Set(i, j, m.At(i, j)+v.At(i, 0))
	}
}

// MatrixNorm is the Frobenius norm of m.
func MatrixNorm(m *mat.Dense) float64 {
	return floats.Norm(m.RawMatrix().Data, 2)
}

// ClipGrads rescales every gradient in place so the global L2 norm does
// not exceed maxNorm. No-op when maxNorm <= 0.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) {
	if maxNorm <= 0 {
		return
	}
	total := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := floats.Norm(g.RawMatrix().Data, 2)
		total += n * n
	}
	total = math.Sqrt(total)
	if total <= maxNorm {
		return
	}
	scale := maxNorm / total
	for _, g := range grads {
		if g == nil {
			continue
		}
		floats.Scale(scale, g.RawMatrix().Data)
	}
}

// LogSumExp over a logit vector, numerically stable.
func LogSumExp(v []float64) float64 {
	max := math.Inf(-1)
	for _, x := range v {
		if x > max {
			max = x
		}
	}
	sum := 0.0
	for _, x := range v {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}

// GlobalNorm is the L2 norm over the concatenation of all gradients.
func GlobalNorm(grads []*mat.Dense) float64 {
	total := 0.0
	for _, g := range grads {
		if g == nil {
			continue
		}
		n := floats.Norm(g.RawMatrix().Data, 2)
		total += n * n
	}
	return math.Sqrt(total)
}

// L2NormalizeRows normalizes every row of m to unit L2 norm in place.
// Zero rows are left untouched.
func L2NormalizeRows(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		n := 0.0
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			n += v * v
		}
		n = math.Sqrt(n)
		if n == 0 {
			continue
		}
		for j := 0; j < c; j++ {
			m.Set(i, j, m.At(i, j)/n)
		}
	}
}
