package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// GradCheck compares the analytic gradients of l against central finite
// differences of the scalar loss sum(Forward(x) * r) for a fixed random r.
// Up to samples input elements and samples entries per parameter are probed.
// It returns the largest error scaled by max(1, |analytic|, |numeric|).
func GradCheck(l Layer, x *Tensor[float32], samples int, eps float32, rng *rand.Rand) (float64, error) {
	out, err := l.Forward(x, Train)
	if err != nil {
		return 0, err
	}
	r := NewTensor[float32](out.Shape...)
	for i := range r.Data {
		r.Data[i] = float32(rng.NormFloat64())
	}
	loss := func() (float64, error) {
		y, err := l.Forward(x, Train)
		if err != nil {
			return 0, err
		}
		var s float64
		for i, v := range y.Data {
			s += float64(v) * float64(r.Data[i])
		}
		return s, nil
	}

	params := l.Params()
	ZeroGrads(params)
	gradIn, err := l.Backward(x, r)
	if err != nil {
		return 0, err
	}
	if !SameShape(gradIn, x) {
		return 0, fmt.Errorf("%w: input grad %v for input %v", ErrShape, gradIn.Shape, x.Shape)
	}

	var worst float64
	probe := func(data []float32, analytic []float32) error {
		for _, i := range SampleIndices(len(data), min(samples, len(data)), rng) {
			orig := data[i]
			data[i] = orig + eps
			up, err := loss()
			if err != nil {
				return err
			}
			data[i] = orig - eps
			down, err := loss()
			if err != nil {
				return err
			}
			data[i] = orig
			numeric := (up - down) / (2 * float64(eps))
			a := float64(analytic[i])
			scale := math.Max(1, math.Max(math.Abs(a), math.Abs(numeric)))
			worst = math.Max(worst, math.Abs(a-numeric)/scale)
		}
		return nil
	}

	if err := probe(x.Data, gradIn.Data); err != nil {
		return 0, err
	}
	for _, p := range params {
		if err := probe(p.Value.Data, p.Grad.Data); err != nil {
			return 0, fmt.Errorf("param %s: %w", p.Name, err)
		}
	}
	return worst, nil
}

// MaxAbsDiff returns the largest element-wise |a-b|, or +Inf when the shapes differ.
func MaxAbsDiff(a, b *Tensor[float32]) float64 {
	if !SameShape(a, b) {
		return math.Inf(1)
	}
	var m float64
	for i := range a.Data {
		m = math.Max(m, math.Abs(float64(a.Data[i])-float64(b.Data[i])))
	}
	return m
}

// RandomTensor fills a new tensor with N(0, 1) samples.
func RandomTensor(rng *rand.Rand, shape ...int) *Tensor[float32] {
	t := NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}
