package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testRNG() *rand.Rand { return rand.New(rand.NewSource(7)) }

// awayFromKinks nudges values off the non-differentiable point of the
// piecewise activations so finite differences stay on one side.
func awayFromKinks(x *Tensor[float32]) *Tensor[float32] {
	for i, v := range x.Data {
		if v > -0.05 && v < 0.05 {
			x.Data[i] = 0.1
		}
	}
	return x
}

func setAll(p *Param, v float32) {
	for i := range p.Value.Data {
		p.Value.Data[i] = v
	}
}

func expectData(t *testing.T, name string, got *Tensor[float32], want []float32) {
	t.Helper()
	if len(got.Data) != len(want) {
		t.Fatalf("%s: expected %v, got %v (shape %v)", name, want, got.Data, got.Shape)
	}
	for i := range want {
		if math.Abs(float64(got.Data[i]-want[i])) > 1e-5 {
			t.Fatalf("%s: expected %v, got %v", name, want, got.Data)
		}
	}
}

func TestCausalConv1dKnownValues(t *testing.T) {
	conv, err := NewCausalConv1d(1, 1, 3, 1, 1, testRNG())
	if err != nil {
		t.Fatal(err)
	}
	setAll(conv.Weight, 1)
	x := NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 1, 4)
	y, err := conv.Forward(x, Eval)
	if err != nil {
		t.Fatal(err)
	}
	expectData(t, "stride 1", y, []float32{1, 3, 6, 9})

	strided, err := NewCausalConv1d(1, 1, 3, 2, 1, testRNG())
	if err != nil {
		t.Fatal(err)
	}
	setAll(strided.Weight, 1)
	y, err = strided.Forward(x, Eval)
	if err != nil {
		t.Fatal(err)
	}
	expectData(t, "stride 2", y, []float32{1, 6})
}

func TestCausalConv1dOutputLength(t *testing.T) {
	cases := []struct{ k, s, d, l int }{
		{7, 1, 1, 100}, {7, 1, 9, 100}, {4, 2, 1, 101}, {16, 8, 1, 3200}, {10, 5, 1, 7}, {3, 4, 1, 1},
	}
	for _, c := range cases {
		conv, err := NewCausalConv1d(2, 3, c.k, c.s, c.d, testRNG())
		if err != nil {
			t.Fatal(err)
		}
		if conv.CausalPadding() != c.d*(c.k-1) {
			t.Errorf("k=%d d=%d: causal padding %d", c.k, c.d, conv.CausalPadding())
		}
		want := (c.l-1)/c.s + 1
		if got := conv.OutLength(c.l); got != want {
			t.Errorf("k=%d s=%d d=%d L=%d: expected length %d, got %d", c.k, c.s, c.d, c.l, want, got)
		}
		y, err := conv.Forward(NewTensor[float32](1, 2, c.l), Eval)
		if err != nil {
			t.Fatal(err)
		}
		if y.Dim(2) != want {
			t.Errorf("forward length %d, expected %d", y.Dim(2), want)
		}
	}
}

func TestCausalConv1dIgnoresFuture(t *testing.T) {
	rng := testRNG()
	conv, err := NewCausalConv1d(2, 4, 7, 1, 3, rng)
	if err != nil {
		t.Fatal(err)
	}
	x := RandomTensor(rng, 1, 2, 50)
	y, _ := conv.Forward(x, Eval)

	const cut = 30
	perturbed := x.Clone()
	for c := 0; c < 2; c++ {
		for i := cut + 1; i < 50; i++ {
			perturbed.Data[c*50+i] += 10
		}
	}
	y2, _ := conv.Forward(perturbed, Eval)
	for c := 0; c < 4; c++ {
		for i := 0; i <= cut; i++ {
			if y.Data[c*50+i] != y2.Data[c*50+i] {
				t.Fatalf("output %d of channel %d changed after perturbing inputs > %d", i, c, cut)
			}
		}
	}
}

func TestConv1dGradients(t *testing.T) {
	rng := testRNG()
	cases := []Conv1dConfig{
		{InChannels: 2, OutChannels: 3, KernelSize: 7, Dilation: 3, PadLeft: 18},
		{InChannels: 4, OutChannels: 4, KernelSize: 4, Stride: 2, PadLeft: 3},
		{InChannels: 4, OutChannels: 8, KernelSize: 5, Stride: 2, Groups: 2, PadLeft: 2, PadRight: 2, WeightNorm: true},
		{InChannels: 1, OutChannels: 2, KernelSize: 5, PadLeft: 3, PadRight: 3, PaddingMode: PaddingReflect},
	}
	for i, cfg := range cases {
		conv, err := NewConv1d(cfg, rng)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		x := RandomTensor(rng, 2, cfg.InChannels, 12)
		worst, err := GradCheck(conv, x, 12, 1e-2, rng)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if worst > 2e-2 {
			t.Errorf("case %d: gradient error %g", i, worst)
		}
	}
}

func TestConv1dConfigErrors(t *testing.T) {
	if _, err := NewConv1d(Conv1dConfig{InChannels: 3, OutChannels: 4, KernelSize: 3, Groups: 2}, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("indivisible groups: expected ErrConfig, got %v", err)
	}
	if _, err := NewConv1d(Conv1dConfig{InChannels: 1, OutChannels: 1, KernelSize: 3, PaddingMode: "circle"}, nil); !errors.Is(err, ErrPaddingMode) {
		t.Errorf("unknown padding mode: expected ErrPaddingMode, got %v", err)
	}
	conv, _ := NewConv1d(Conv1dConfig{InChannels: 1, OutChannels: 1, KernelSize: 5}, nil)
	if _, err := conv.Forward(NewTensor[float32](1, 1, 3), Eval); !errors.Is(err, ErrShape) {
		t.Errorf("input shorter than kernel: expected ErrShape, got %v", err)
	}
	if _, err := conv.Forward(NewTensor[float32](1, 2, 10), Eval); !errors.Is(err, ErrShape) {
		t.Errorf("channel mismatch: expected ErrShape, got %v", err)
	}
}

func TestWeightNormInitMatchesPlainWeight(t *testing.T) {
	plain, _ := NewConv1d(Conv1dConfig{InChannels: 2, OutChannels: 3, KernelSize: 3}, rand.New(rand.NewSource(1)))
	normed, _ := NewConv1d(Conv1dConfig{InChannels: 2, OutChannels: 3, KernelSize: 3, WeightNorm: true}, rand.New(rand.NewSource(1)))
	x := RandomTensor(testRNG(), 1, 2, 9)
	a, _ := plain.Forward(x, Eval)
	b, _ := normed.Forward(x, Eval)
	if d := MaxAbsDiff(a, b); d > 1e-5 {
		t.Errorf("weight norm with g=||v|| should reproduce v, max diff %g", d)
	}
	if names := []string{normed.Params()[0].Name, normed.Params()[1].Name}; names[0] != "weight_g" || names[1] != "weight_v" {
		t.Errorf("unexpected weight norm param names %v", names)
	}
}

func TestCausalConvTranspose1dKnownValues(t *testing.T) {
	conv, err := NewCausalConvTranspose1d(ConvTranspose1dConfig{InChannels: 1, OutChannels: 1, KernelSize: 4, Stride: 2}, testRNG())
	if err != nil {
		t.Fatal(err)
	}
	if conv.CausalPadding() != 2 {
		t.Errorf("expected causal padding 2, got %d", conv.CausalPadding())
	}
	setAll(conv.Weight, 1)
	y, err := conv.Forward(NewTensorFromSlice([]float32{1, 2}, 1, 1, 2), Eval)
	if err != nil {
		t.Fatal(err)
	}
	// Full output [1 1 3 3 2 2], right two trimmed.
	expectData(t, "transpose", y, []float32{1, 1, 3, 3})
}

func TestCausalConvTranspose1dZeroTrim(t *testing.T) {
	conv, err := NewCausalConvTranspose1d(ConvTranspose1dConfig{InChannels: 1, OutChannels: 1, KernelSize: 2, Stride: 2}, testRNG())
	if err != nil {
		t.Fatal(err)
	}
	if conv.CausalPadding() != 0 {
		t.Fatalf("expected zero causal padding, got %d", conv.CausalPadding())
	}
	setAll(conv.Weight, 1)
	y, err := conv.Forward(NewTensorFromSlice([]float32{1, 2, 3}, 1, 1, 3), Eval)
	if err != nil {
		t.Fatal(err)
	}
	expectData(t, "zero trim", y, []float32{1, 1, 2, 2, 3, 3})
}

func TestCausalConvTranspose1dLengthsAndCausality(t *testing.T) {
	rng := testRNG()
	for _, s := range []int{2, 4, 5, 8} {
		conv, err := NewCausalConvTranspose1d(ConvTranspose1dConfig{InChannels: 3, OutChannels: 2, KernelSize: 2 * s, Stride: s}, rng)
		if err != nil {
			t.Fatal(err)
		}
		x := RandomTensor(rng, 1, 3, 6)
		y, err := conv.Forward(x, Eval)
		if err != nil {
			t.Fatal(err)
		}
		if y.Dim(2) != 6*s || conv.OutLength(6) != 6*s {
			t.Fatalf("stride %d: expected length %d, got %d", s, 6*s, y.Dim(2))
		}

		// Output sample t must not depend on input frames after t/s.
		perturbed := x.Clone()
		for c := 0; c < 3; c++ {
			perturbed.Data[c*6+5] += 5
		}
		y2, _ := conv.Forward(perturbed, Eval)
		for c := 0; c < 2; c++ {
			for i := 0; i < 5*s; i++ {
				if y.Data[c*6*s+i] != y2.Data[c*6*s+i] {
					t.Fatalf("stride %d: output %d depends on the last input frame", s, i)
				}
			}
		}
	}
}

func TestCausalConvTranspose1dErrors(t *testing.T) {
	base := ConvTranspose1dConfig{InChannels: 2, OutChannels: 2, KernelSize: 4, Stride: 2}

	reflect := base
	reflect.PaddingMode = PaddingReflect
	if _, err := NewCausalConvTranspose1d(reflect, nil); !errors.Is(err, ErrUnsupportedPaddingMode) {
		t.Errorf("reflect padding: expected ErrUnsupportedPaddingMode, got %v", err)
	}

	unknown := base
	unknown.PaddingMode = "wrap"
	if _, err := NewCausalConvTranspose1d(unknown, nil); !errors.Is(err, ErrPaddingMode) {
		t.Errorf("unknown padding: expected ErrPaddingMode, got %v", err)
	}

	short := base
	short.KernelSize = 1
	if _, err := NewCausalConvTranspose1d(short, nil); !errors.Is(err, ErrConfig) {
		t.Errorf("kernel shorter than stride: expected ErrConfig, got %v", err)
	}
}

func TestConvTranspose1dGradients(t *testing.T) {
	rng := testRNG()
	conv, err := NewCausalConvTranspose1d(ConvTranspose1dConfig{InChannels: 4, OutChannels: 2, KernelSize: 10, Stride: 5, Groups: 2}, rng)
	if err != nil {
		t.Fatal(err)
	}
	worst, err := GradCheck(conv, RandomTensor(rng, 2, 4, 4), 12, 1e-2, rng)
	if err != nil {
		t.Fatal(err)
	}
	if worst > 2e-2 {
		t.Errorf("gradient error %g", worst)
	}
}

func TestConv2dShapesAndGradients(t *testing.T) {
	rng := testRNG()
	conv, err := NewConv2d(Conv2dConfig{InChannels: 2, OutChannels: 3, KernelH: 4, KernelW: 3, StrideH: 2, StrideW: 1}, rng)
	if err != nil {
		t.Fatal(err)
	}
	if h, w := conv.OutSize(10, 7); h != 4 || w != 5 {
		t.Errorf("expected 4x5, got %dx%d", h, w)
	}
	worst, err := GradCheck(conv, RandomTensor(rng, 1, 2, 10, 7), 12, 1e-2, rng)
	if err != nil {
		t.Fatal(err)
	}
	if worst > 2e-2 {
		t.Errorf("gradient error %g", worst)
	}

	same, _ := NewConv2d(Conv2dConfig{InChannels: 1, OutChannels: 1, KernelH: 3, KernelW: 3}.SamePadding2d(), rng)
	if h, w := same.OutSize(9, 5); h != 9 || w != 5 {
		t.Errorf("same padding: expected 9x5, got %dx%d", h, w)
	}
	if _, err := same.Forward(NewTensor[float32](1, 1, 3), Eval); !errors.Is(err, ErrShape) {
		t.Errorf("rank 3 input: expected ErrShape, got %v", err)
	}
}

func TestSequentialBackwardMatchesGradCheck(t *testing.T) {
	rng := testRNG()
	c1, _ := NewCausalConv1d(2, 4, 3, 1, 1, rng)
	c2, _ := NewCausalConv1d(4, 2, 4, 2, 1, rng)
	seq := NewSequential(c1, ELU(), c2)
	worst, err := GradCheck(seq, RandomTensor(rng, 1, 2, 16), 10, 1e-2, rng)
	if err != nil {
		t.Fatal(err)
	}
	if worst > 2e-2 {
		t.Errorf("gradient error %g", worst)
	}
	if ps := seq.Params(); len(ps) != 4 || ps[0].Name != "0.weight" || ps[3].Name != "2.bias" {
		names := make([]string, len(ps))
		for i, p := range ps {
			names[i] = p.Name
		}
		t.Errorf("unexpected param names %v", names)
	}
}
