package optimizations

import (
	"gonum.org/v1/gonum/mat"
)

// MovingAverage keeps an exponential average of the trainable
// parameters, aligned index-for-index with model.Parameters(). The
// effective decay ramps up with the step count so early averages are
// not dominated by the random initialization.
type MovingAverage struct {
	floor   float64
	half    bool
	tensors []*mat.Dense
}

// NewMovingAverage builds an average with the given decay floor. half
// narrows every stored value through float32, matching an fp16-stored
// model closely enough for validation and saving.
func NewMovingAverage(decayFloor float64, half bool) *MovingAverage {
	return &MovingAverage{floor: decayFloor, half: half}
}

// Update folds the current parameters in. step is the optimizer step
// the parameters correspond to.
func (a *MovingAverage) Update(params []*mat.Dense, step int) {
	if a.tensors == nil {
		a.tensors = make([]*mat.Dense, len(params))
		for i, p := range params {
			a.tensors[i] = mat.DenseCopyOf(p)
			a.narrow(a.tensors[i])
		}
		return
	}
	decay := a.floor
	if ramp := 1 - float64(step+1)/float64(step+10); ramp > decay {
		decay = ramp
	}
	for i, p := range params {
		avg := a.tensors[i]
		avg.Scale(1-decay, avg)
		r, c := p.Dims()
		for x := 0; x < r; x++ {
			for y := 0; y < c; y++ {
				avg.Set(x, y, avg.At(x, y)+decay*p.At(x, y))
			}
		}
		a.narrow(avg)
	}
}

func (a *MovingAverage) narrow(m *mat.Dense) {
	if !a.half {
		return
	}
	raw := m.RawMatrix().Data
	for i, v := range raw {
		raw[i] = float64(float32(v))
	}
}

// Tensors exposes the averaged weights; nil before the first Update.
func (a *MovingAverage) Tensors() []*mat.Dense { return a.tensors }

// Swap copies the averaged weights into the live parameters and
// returns a restore function putting the originals back. Validation
// runs between the two.
func (a *MovingAverage) Swap(params []*mat.Dense) func() {
	if a.tensors == nil {
		return func() {}
	}
	backup := make([]*mat.Dense, len(params))
	for i, p := range params {
		backup[i] = mat.DenseCopyOf(p)
		p.Copy(a.tensors[i])
	}
	return func() {
		for i, p := range params {
			p.Copy(backup[i])
		}
	}
}
