package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// =============================================================================
// Generic Conv1D Implementation
// =============================================================================

// Conv1DArgs describes one 1D convolution over a [batch][inChannels][length]
// input with a [outChannels][inChannels/groups][kernelSize] kernel.
// PadLeft/PadRight are implicit zeros.
type Conv1DArgs struct {
	Batch       int
	InChannels  int
	Length      int
	OutChannels int
	KernelSize  int
	Stride      int
	Dilation    int
	Groups      int
	PadLeft     int
	PadRight    int
}

// OutLength returns the output length, or a value <= 0 when the input is too short.
func (a Conv1DArgs) OutLength() int {
	n := a.Length + a.PadLeft + a.PadRight - a.Dilation*(a.KernelSize-1) - 1
	if n < 0 {
		return 0
	}
	return n/a.Stride + 1
}

// Conv1DForward performs 1D convolution for any numeric type.
// Output shape: [batch][outChannels][outLen] (flattened)
func Conv1DForward[T Numeric](input, kernel, bias []T, a Conv1DArgs) []T {
	outLen := a.OutLength()
	output := make([]T, a.Batch*a.OutChannels*outLen)
	inPerGroup := a.InChannels / a.Groups
	outPerGroup := a.OutChannels / a.Groups

	parallelFor(a.Batch*a.OutChannels, func(lo, hi int) {
		for row := lo; row < hi; row++ {
			b, oc := row/a.OutChannels, row%a.OutChannels
			inStart := (oc / outPerGroup) * inPerGroup
			dst := output[row*outLen : (row+1)*outLen]
			for o := range dst {
				var sum T
				if bias != nil {
					sum = bias[oc]
				}
				for icg := 0; icg < inPerGroup; icg++ {
					src := input[(b*a.InChannels+inStart+icg)*a.Length:]
					w := kernel[(oc*inPerGroup+icg)*a.KernelSize:]
					for k := 0; k < a.KernelSize; k++ {
						pos := o*a.Stride + k*a.Dilation - a.PadLeft
						if pos >= 0 && pos < a.Length {
							sum += src[pos] * w[k]
						}
					}
				}
				dst[o] = sum
			}
		}
	})

	return output
}

// Conv1DBackward computes gradients for 1D convolution with any numeric type.
func Conv1DBackward[T Numeric](gradOutput, input, kernel []T, a Conv1DArgs) (gradInput, gradKernel, gradBias []T) {
	outLen := a.OutLength()
	inPerGroup := a.InChannels / a.Groups
	outPerGroup := a.OutChannels / a.Groups

	gradInput = make([]T, a.Batch*a.InChannels*a.Length)
	gradKernel = make([]T, a.OutChannels*inPerGroup*a.KernelSize)
	gradBias = make([]T, a.OutChannels)

	for b := 0; b < a.Batch; b++ {
		for oc := 0; oc < a.OutChannels; oc++ {
			inStart := (oc / outPerGroup) * inPerGroup
			g := gradOutput[(b*a.OutChannels+oc)*outLen : (b*a.OutChannels+oc+1)*outLen]
			for o, gradOut := range g {
				if gradOut == 0 {
					continue
				}
				gradBias[oc] += gradOut
				for icg := 0; icg < inPerGroup; icg++ {
					rowOff := (b*a.InChannels + inStart + icg) * a.Length
					kOff := (oc*inPerGroup + icg) * a.KernelSize
					for k := 0; k < a.KernelSize; k++ {
						pos := o*a.Stride + k*a.Dilation - a.PadLeft
						if pos >= 0 && pos < a.Length {
							gradInput[rowOff+pos] += gradOut * kernel[kOff+k]
							gradKernel[kOff+k] += gradOut * input[rowOff+pos]
						}
					}
				}
			}
		}
	}

	return gradInput, gradKernel, gradBias
}

// =============================================================================
// Conv1d layer
// =============================================================================

// Conv1dConfig configures a Conv1d. Zero Stride, Dilation and Groups mean 1.
type Conv1dConfig struct {
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Dilation    int
	Groups      int
	PadLeft     int
	PadRight    int
	PaddingMode string // "zeros" (default) or "reflect"
	NoBias      bool
	WeightNorm  bool // reparameterise weight as g * v / ||v|| per output channel
}

// Conv1d is a 1D convolution over [batch][channels][time] tensors.
type Conv1d struct {
	cfg Conv1dConfig

	Weight *Param // [out][in/groups][k]; nil with WeightNorm
	G      *Param // [out][1][1]; WeightNorm only
	V      *Param // [out][in/groups][k]; WeightNorm only
	Bias   *Param // [out]; nil with NoBias
}

// NewConv1d validates cfg and initialises weights (He initialization).
func NewConv1d(cfg Conv1dConfig, rng *rand.Rand) (*Conv1d, error) {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Dilation == 0 {
		cfg.Dilation = 1
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.PaddingMode == "" {
		cfg.PaddingMode = PaddingZeros
	}
	if err := checkFillMode(cfg.PaddingMode); err != nil {
		return nil, err
	}
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.KernelSize <= 0 {
		return nil, fmt.Errorf("%w: conv1d channels %d->%d kernel %d", ErrConfig, cfg.InChannels, cfg.OutChannels, cfg.KernelSize)
	}
	if cfg.Stride < 0 || cfg.Dilation < 0 || cfg.Groups < 0 || cfg.PadLeft < 0 || cfg.PadRight < 0 {
		return nil, fmt.Errorf("%w: conv1d stride/dilation/groups/padding must be non-negative", ErrConfig)
	}
	if cfg.InChannels%cfg.Groups != 0 || cfg.OutChannels%cfg.Groups != 0 {
		return nil, fmt.Errorf("%w: conv1d channels %d->%d not divisible by groups %d", ErrConfig, cfg.InChannels, cfg.OutChannels, cfg.Groups)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	c := &Conv1d{cfg: cfg}
	inPerGroup := cfg.InChannels / cfg.Groups
	fanIn := inPerGroup * cfg.KernelSize
	w := newParam("weight", cfg.OutChannels, inPerGroup, cfg.KernelSize)
	heInit(w, fanIn, rng)
	if cfg.WeightNorm {
		c.V = w
		c.V.Name = "weight_v"
		c.G = newParam("weight_g", cfg.OutChannels, 1, 1)
		per := inPerGroup * cfg.KernelSize
		for o := 0; o < cfg.OutChannels; o++ {
			c.G.Value.Data[o] = float32(l2(c.V.Value.Data[o*per : (o+1)*per]))
		}
	} else {
		c.Weight = w
	}
	if !cfg.NoBias {
		c.Bias = newParam("bias", cfg.OutChannels)
	}
	return c, nil
}

// NewCausalConv1d pads only on the left by dilation*(kernelSize-1), so output
// t depends on inputs <= t*stride. Output length is floor((L-1)/stride)+1.
func NewCausalConv1d(in, out, kernelSize, stride, dilation int, rng *rand.Rand) (*Conv1d, error) {
	if dilation == 0 {
		dilation = 1
	}
	return NewConv1d(Conv1dConfig{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  kernelSize,
		Stride:      stride,
		Dilation:    dilation,
		PadLeft:     dilation * (kernelSize - 1),
	}, rng)
}

// Config returns the resolved configuration.
func (c *Conv1d) Config() Conv1dConfig { return c.cfg }

// CausalPadding is the left padding applied to the input.
func (c *Conv1d) CausalPadding() int { return c.cfg.PadLeft }

// OutLength maps an input length to the output length.
func (c *Conv1d) OutLength(length int) int {
	return c.args(1, length).OutLength()
}

func (c *Conv1d) args(batch, length int) Conv1DArgs {
	return Conv1DArgs{
		Batch:       batch,
		InChannels:  c.cfg.InChannels,
		Length:      length,
		OutChannels: c.cfg.OutChannels,
		KernelSize:  c.cfg.KernelSize,
		Stride:      c.cfg.Stride,
		Dilation:    c.cfg.Dilation,
		Groups:      c.cfg.Groups,
		PadLeft:     c.cfg.PadLeft,
		PadRight:    c.cfg.PadRight,
	}
}

// effectiveWeight returns the kernel used by the convolution.
func (c *Conv1d) effectiveWeight() []float32 {
	if !c.cfg.WeightNorm {
		return c.Weight.Value.Data
	}
	v := c.V.Value.Data
	w := make([]float32, len(v))
	per := len(v) / c.cfg.OutChannels
	for o := 0; o < c.cfg.OutChannels; o++ {
		row := v[o*per : (o+1)*per]
		scale := float64(c.G.Value.Data[o]) / l2(row)
		for i, x := range row {
			w[o*per+i] = float32(float64(x) * scale)
		}
	}
	return w
}

// prepare validates x and returns the (possibly reflection padded) input and
// the convolution arguments for it.
func (c *Conv1d) prepare(x *Tensor[float32]) (*Tensor[float32], Conv1DArgs, error) {
	if err := expectRank(x, 3, "conv1d"); err != nil {
		return nil, Conv1DArgs{}, err
	}
	if x.Shape[1] != c.cfg.InChannels {
		return nil, Conv1DArgs{}, fmt.Errorf("%w: conv1d expects %d input channels, got %d", ErrShape, c.cfg.InChannels, x.Shape[1])
	}
	in := x
	args := c.args(x.Shape[0], x.Shape[2])
	if c.cfg.PaddingMode == PaddingReflect {
		pad := &ReflectionPad1d{Left: c.cfg.PadLeft, Right: c.cfg.PadRight}
		var err error
		if in, err = pad.Forward(x, Eval); err != nil {
			return nil, Conv1DArgs{}, err
		}
		args.Length = in.Shape[2]
		args.PadLeft, args.PadRight = 0, 0
	}
	if args.OutLength() <= 0 {
		return nil, Conv1DArgs{}, fmt.Errorf("%w: conv1d produced non-positive output length for input length %d", ErrShape, x.Shape[2])
	}
	return in, args, nil
}

func (c *Conv1d) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	in, args, err := c.prepare(x)
	if err != nil {
		return nil, err
	}
	var bias []float32
	if c.Bias != nil {
		bias = c.Bias.Value.Data
	}
	out, err := conv1D(args, in.Data, c.effectiveWeight(), bias)
	if err != nil {
		return nil, err
	}
	return NewTensorFromSlice(out, args.Batch, args.OutChannels, args.OutLength()), nil
}

func (c *Conv1d) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	in, args, err := c.prepare(x)
	if err != nil {
		return nil, err
	}
	if gradOut.Size() != args.Batch*args.OutChannels*args.OutLength() {
		return nil, fmt.Errorf("%w: conv1d grad %v does not match output length %d", ErrShape, gradOut.Shape, args.OutLength())
	}
	weight := c.effectiveWeight()
	gradIn, gradW, gradB := Conv1DBackward(gradOut.Data, in.Data, weight, args)

	if c.Bias != nil {
		for i, g := range gradB {
			c.Bias.Grad.Data[i] += g
		}
	}
	if c.cfg.WeightNorm {
		c.accumulateWeightNormGrad(gradW)
	} else {
		for i, g := range gradW {
			c.Weight.Grad.Data[i] += g
		}
	}

	gradInT := NewTensorFromSlice(gradIn, in.Shape...)
	if c.cfg.PaddingMode == PaddingReflect {
		pad := &ReflectionPad1d{Left: c.cfg.PadLeft, Right: c.cfg.PadRight}
		return pad.Backward(x, gradInT)
	}
	return gradInT, nil
}

// accumulateWeightNormGrad maps dL/dw onto g and v for w = g * v / ||v||:
// dL/dg = <dL/dw, v> / ||v||, dL/dv = g/||v|| * dL/dw - g <dL/dw, v> / ||v||^3 * v.
func (c *Conv1d) accumulateWeightNormGrad(gradW []float32) {
	v := c.V.Value.Data
	per := len(v) / c.cfg.OutChannels
	for o := 0; o < c.cfg.OutChannels; o++ {
		row := v[o*per : (o+1)*per]
		gw := gradW[o*per : (o+1)*per]
		norm := l2(row)
		g := float64(c.G.Value.Data[o])
		var dot float64
		for i := range row {
			dot += float64(gw[i]) * float64(row[i])
		}
		c.G.Grad.Data[o] += float32(dot / norm)
		for i := range row {
			d := g/norm*float64(gw[i]) - g*dot/(norm*norm*norm)*float64(row[i])
			c.V.Grad.Data[o*per+i] += float32(d)
		}
	}
}

func (c *Conv1d) Params() []*Param {
	var ps []*Param
	if c.cfg.WeightNorm {
		ps = append(ps, c.G, c.V)
	} else {
		ps = append(ps, c.Weight)
	}
	if c.Bias != nil {
		ps = append(ps, c.Bias)
	}
	return ps
}

func l2(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	if s == 0 {
		return 1e-12
	}
	return math.Sqrt(s)
}
