package nn

import (
	"fmt"
	"math/rand"
)

// ConvTranspose1DArgs describes a transposed 1D convolution with a
// [inChannels][outChannels/groups][kernelSize] kernel. Only the first
// OutLength output samples are produced.
type ConvTranspose1DArgs struct {
	Batch       int
	InChannels  int
	Length      int
	OutChannels int
	KernelSize  int
	Stride      int
	Dilation    int
	Groups      int
	OutLength   int
}

// FullLength is the untrimmed transposed-convolution length for outputPadding.
func (a ConvTranspose1DArgs) FullLength(outputPadding int) int {
	return (a.Length-1)*a.Stride + a.Dilation*(a.KernelSize-1) + outputPadding + 1
}

// ConvTranspose1DForward scatters every input sample through the kernel.
func ConvTranspose1DForward[T Numeric](input, kernel, bias []T, a ConvTranspose1DArgs) []T {
	output := make([]T, a.Batch*a.OutChannels*a.OutLength)
	inPerGroup := a.InChannels / a.Groups
	outPerGroup := a.OutChannels / a.Groups

	parallelFor(a.Batch*a.Groups, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, g := job/a.Groups, job%a.Groups
			for icg := 0; icg < inPerGroup; icg++ {
				ic := g*inPerGroup + icg
				src := input[(b*a.InChannels+ic)*a.Length : (b*a.InChannels+ic+1)*a.Length]
				for ocg := 0; ocg < outPerGroup; ocg++ {
					oc := g*outPerGroup + ocg
					dst := output[(b*a.OutChannels+oc)*a.OutLength : (b*a.OutChannels+oc+1)*a.OutLength]
					w := kernel[(ic*outPerGroup+ocg)*a.KernelSize : (ic*outPerGroup+ocg+1)*a.KernelSize]
					for i, v := range src {
						for k, wk := range w {
							pos := i*a.Stride + k*a.Dilation
							if pos < a.OutLength {
								dst[pos] += v * wk
							}
						}
					}
				}
			}
			if bias != nil {
				for ocg := 0; ocg < outPerGroup; ocg++ {
					oc := g*outPerGroup + ocg
					dst := output[(b*a.OutChannels+oc)*a.OutLength : (b*a.OutChannels+oc+1)*a.OutLength]
					for o := range dst {
						dst[o] += bias[oc]
					}
				}
			}
		}
	})

	return output
}

// ConvTranspose1DBackward computes gradients for ConvTranspose1DForward.
func ConvTranspose1DBackward[T Numeric](gradOutput, input, kernel []T, a ConvTranspose1DArgs) (gradInput, gradKernel, gradBias []T) {
	inPerGroup := a.InChannels / a.Groups
	outPerGroup := a.OutChannels / a.Groups

	gradInput = make([]T, len(input))
	gradKernel = make([]T, len(kernel))
	gradBias = make([]T, a.OutChannels)

	for b := 0; b < a.Batch; b++ {
		for oc := 0; oc < a.OutChannels; oc++ {
			for _, g := range gradOutput[(b*a.OutChannels+oc)*a.OutLength : (b*a.OutChannels+oc+1)*a.OutLength] {
				gradBias[oc] += g
			}
		}
		for ic := 0; ic < a.InChannels; ic++ {
			g := ic / inPerGroup
			rowOff := (b*a.InChannels + ic) * a.Length
			for ocg := 0; ocg < outPerGroup; ocg++ {
				oc := g*outPerGroup + ocg
				gOut := gradOutput[(b*a.OutChannels+oc)*a.OutLength : (b*a.OutChannels+oc+1)*a.OutLength]
				kOff := (ic*outPerGroup + ocg) * a.KernelSize
				for i := 0; i < a.Length; i++ {
					v := input[rowOff+i]
					for k := 0; k < a.KernelSize; k++ {
						pos := i*a.Stride + k*a.Dilation
						if pos < a.OutLength {
							gradInput[rowOff+i] += gOut[pos] * kernel[kOff+k]
							gradKernel[kOff+k] += gOut[pos] * v
						}
					}
				}
			}
		}
	}

	return gradInput, gradKernel, gradBias
}

// =============================================================================
// Causal ConvTranspose1d layer
// =============================================================================

// ConvTranspose1dConfig configures a ConvTranspose1d. Zero Stride, Dilation
// and Groups mean 1.
type ConvTranspose1dConfig struct {
	InChannels    int
	OutChannels   int
	KernelSize    int
	Stride        int
	Dilation      int
	Groups        int
	OutputPadding int
	PaddingMode   string // only "zeros" is accepted
	NoBias        bool
}

// ConvTranspose1d is a causal transposed convolution: the standard output is
// trimmed on the right by dilation*(k-1) + outputPadding + 1 - stride samples,
// so an input of length L upsamples to exactly L*stride.
type ConvTranspose1d struct {
	cfg           ConvTranspose1dConfig
	causalPadding int

	Weight *Param // [in][out/groups][k]
	Bias   *Param
}

// NewCausalConvTranspose1d validates cfg and initialises weights.
func NewCausalConvTranspose1d(cfg ConvTranspose1dConfig, rng *rand.Rand) (*ConvTranspose1d, error) {
	if cfg.Stride == 0 {
		cfg.Stride = 1
	}
	if cfg.Dilation == 0 {
		cfg.Dilation = 1
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	switch cfg.PaddingMode {
	case "", PaddingZeros:
		cfg.PaddingMode = PaddingZeros
	case PaddingReflect:
		return nil, fmt.Errorf("%w: conv transpose got %q", ErrUnsupportedPaddingMode, cfg.PaddingMode)
	default:
		return nil, fmt.Errorf("%w: %q", ErrPaddingMode, cfg.PaddingMode)
	}
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.KernelSize <= 0 || cfg.Stride < 0 || cfg.Dilation < 0 || cfg.Groups < 0 {
		return nil, fmt.Errorf("%w: conv transpose %d->%d kernel %d stride %d", ErrConfig, cfg.InChannels, cfg.OutChannels, cfg.KernelSize, cfg.Stride)
	}
	if cfg.InChannels%cfg.Groups != 0 || cfg.OutChannels%cfg.Groups != 0 {
		return nil, fmt.Errorf("%w: conv transpose channels %d->%d not divisible by groups %d", ErrConfig, cfg.InChannels, cfg.OutChannels, cfg.Groups)
	}
	if cfg.OutputPadding < 0 || cfg.OutputPadding >= max(cfg.Stride, cfg.Dilation) {
		return nil, fmt.Errorf("%w: output padding %d must be in [0, max(stride, dilation))", ErrConfig, cfg.OutputPadding)
	}
	causal := cfg.Dilation*(cfg.KernelSize-1) + cfg.OutputPadding + 1 - cfg.Stride
	if causal < 0 {
		return nil, fmt.Errorf("%w: kernel %d shorter than stride %d leaves gaps in the causal output", ErrConfig, cfg.KernelSize, cfg.Stride)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	outPerGroup := cfg.OutChannels / cfg.Groups
	c := &ConvTranspose1d{cfg: cfg, causalPadding: causal}
	c.Weight = newParam("weight", cfg.InChannels, outPerGroup, cfg.KernelSize)
	heInit(c.Weight, outPerGroup*cfg.KernelSize, rng)
	if !cfg.NoBias {
		c.Bias = newParam("bias", cfg.OutChannels)
	}
	return c, nil
}

// Config returns the resolved configuration.
func (c *ConvTranspose1d) Config() ConvTranspose1dConfig { return c.cfg }

// CausalPadding is the number of samples trimmed from the right edge.
func (c *ConvTranspose1d) CausalPadding() int { return c.causalPadding }

// OutLength maps an input length to the trimmed output length.
func (c *ConvTranspose1d) OutLength(length int) int {
	a := c.args(1, length)
	return a.FullLength(c.cfg.OutputPadding) - c.causalPadding
}

func (c *ConvTranspose1d) args(batch, length int) ConvTranspose1DArgs {
	a := ConvTranspose1DArgs{
		Batch:       batch,
		InChannels:  c.cfg.InChannels,
		Length:      length,
		OutChannels: c.cfg.OutChannels,
		KernelSize:  c.cfg.KernelSize,
		Stride:      c.cfg.Stride,
		Dilation:    c.cfg.Dilation,
		Groups:      c.cfg.Groups,
	}
	a.OutLength = a.FullLength(c.cfg.OutputPadding) - c.causalPadding
	return a
}

func (c *ConvTranspose1d) prepare(x *Tensor[float32]) (ConvTranspose1DArgs, error) {
	if err := expectRank(x, 3, "conv transpose 1d"); err != nil {
		return ConvTranspose1DArgs{}, err
	}
	if x.Shape[1] != c.cfg.InChannels {
		return ConvTranspose1DArgs{}, fmt.Errorf("%w: conv transpose expects %d input channels, got %d", ErrShape, c.cfg.InChannels, x.Shape[1])
	}
	if x.Shape[2] <= 0 {
		return ConvTranspose1DArgs{}, fmt.Errorf("%w: conv transpose on empty input", ErrShape)
	}
	return c.args(x.Shape[0], x.Shape[2]), nil
}

func (c *ConvTranspose1d) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	a, err := c.prepare(x)
	if err != nil {
		return nil, err
	}
	var bias []float32
	if c.Bias != nil {
		bias = c.Bias.Value.Data
	}
	out := ConvTranspose1DForward(x.Data, c.Weight.Value.Data, bias, a)
	return NewTensorFromSlice(out, a.Batch, a.OutChannels, a.OutLength), nil
}

func (c *ConvTranspose1d) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	a, err := c.prepare(x)
	if err != nil {
		return nil, err
	}
	if gradOut.Size() != a.Batch*a.OutChannels*a.OutLength {
		return nil, fmt.Errorf("%w: conv transpose grad %v does not match output length %d", ErrShape, gradOut.Shape, a.OutLength)
	}
	gradIn, gradW, gradB := ConvTranspose1DBackward(gradOut.Data, x.Data, c.Weight.Value.Data, a)
	for i, g := range gradW {
		c.Weight.Grad.Data[i] += g
	}
	if c.Bias != nil {
		for i, g := range gradB {
			c.Bias.Grad.Data[i] += g
		}
	}
	return NewTensorFromSlice(gradIn, x.Shape...), nil
}

func (c *ConvTranspose1d) Params() []*Param {
	if c.Bias == nil {
		return []*Param{c.Weight}
	}
	return []*Param{c.Weight, c.Bias}
}
