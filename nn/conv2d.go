package nn

import (
	"fmt"
	"math/rand"
)

// Conv2DArgs describes one 2D convolution over a [batch][inChannels][height][width]
// input with a [outChannels][inChannels][kernelH][kernelW] kernel and implicit
// zero padding on each side.
type Conv2DArgs struct {
	Batch       int
	InChannels  int
	Height      int
	Width       int
	OutChannels int
	KernelH     int
	KernelW     int
	StrideH     int
	StrideW     int
	PadTop      int
	PadBottom   int
	PadLeft     int
	PadRight    int
}

// OutSize returns the output (height, width); either is <= 0 when the input is too small.
func (a Conv2DArgs) OutSize() (int, int) {
	h := a.Height + a.PadTop + a.PadBottom - a.KernelH
	w := a.Width + a.PadLeft + a.PadRight - a.KernelW
	if h < 0 || w < 0 {
		return 0, 0
	}
	return h/a.StrideH + 1, w/a.StrideW + 1
}

// Conv2DForward performs 2D convolution for any numeric type.
func Conv2DForward[T Numeric](input, kernel, bias []T, a Conv2DArgs) []T {
	outH, outW := a.OutSize()
	plane := outH * outW
	output := make([]T, a.Batch*a.OutChannels*plane)
	inPlane := a.Height * a.Width
	kPlane := a.KernelH * a.KernelW

	parallelFor(a.Batch*a.OutChannels, func(lo, hi int) {
		for row := lo; row < hi; row++ {
			b, oc := row/a.OutChannels, row%a.OutChannels
			dst := output[row*plane : (row+1)*plane]
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					var sum T
					if bias != nil {
						sum = bias[oc]
					}
					for ic := 0; ic < a.InChannels; ic++ {
						src := input[(b*a.InChannels+ic)*inPlane:]
						w := kernel[(oc*a.InChannels+ic)*kPlane:]
						for kh := 0; kh < a.KernelH; kh++ {
							ih := oh*a.StrideH + kh - a.PadTop
							if ih < 0 || ih >= a.Height {
								continue
							}
							for kw := 0; kw < a.KernelW; kw++ {
								iw := ow*a.StrideW + kw - a.PadLeft
								if iw >= 0 && iw < a.Width {
									sum += src[ih*a.Width+iw] * w[kh*a.KernelW+kw]
								}
							}
						}
					}
					dst[oh*outW+ow] = sum
				}
			}
		}
	})

	return output
}

// Conv2DBackward computes gradients for 2D convolution.
func Conv2DBackward[T Numeric](gradOutput, input, kernel []T, a Conv2DArgs) (gradInput, gradKernel, gradBias []T) {
	outH, outW := a.OutSize()
	plane := outH * outW
	inPlane := a.Height * a.Width
	kPlane := a.KernelH * a.KernelW

	gradInput = make([]T, len(input))
	gradKernel = make([]T, len(kernel))
	gradBias = make([]T, a.OutChannels)

	for b := 0; b < a.Batch; b++ {
		for oc := 0; oc < a.OutChannels; oc++ {
			g := gradOutput[(b*a.OutChannels+oc)*plane : (b*a.OutChannels+oc+1)*plane]
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					gradOut := g[oh*outW+ow]
					if gradOut == 0 {
						continue
					}
					gradBias[oc] += gradOut
					for ic := 0; ic < a.InChannels; ic++ {
						inOff := (b*a.InChannels + ic) * inPlane
						kOff := (oc*a.InChannels + ic) * kPlane
						for kh := 0; kh < a.KernelH; kh++ {
							ih := oh*a.StrideH + kh - a.PadTop
							if ih < 0 || ih >= a.Height {
								continue
							}
							for kw := 0; kw < a.KernelW; kw++ {
								iw := ow*a.StrideW + kw - a.PadLeft
								if iw < 0 || iw >= a.Width {
									continue
								}
								gradInput[inOff+ih*a.Width+iw] += gradOut * kernel[kOff+kh*a.KernelW+kw]
								gradKernel[kOff+kh*a.KernelW+kw] += gradOut * input[inOff+ih*a.Width+iw]
							}
						}
					}
				}
			}
		}
	}

	return gradInput, gradKernel, gradBias
}

// =============================================================================
// Conv2d layer
// =============================================================================

// Conv2dConfig configures a Conv2d. Kernel and stride are (height, width);
// zero strides mean 1.
type Conv2dConfig struct {
	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	StrideH     int
	StrideW     int
	PadTop      int
	PadBottom   int
	PadLeft     int
	PadRight    int
}

// SamePadding2d sets symmetric padding that keeps a stride-1 conv size
// preserving for odd kernels.
func (c Conv2dConfig) SamePadding2d() Conv2dConfig {
	c.PadTop, c.PadBottom = (c.KernelH-1)/2, c.KernelH/2
	c.PadLeft, c.PadRight = (c.KernelW-1)/2, c.KernelW/2
	return c
}

// Conv2d is a 2D convolution over [batch][channels][height][width] tensors.
type Conv2d struct {
	cfg Conv2dConfig

	Weight *Param // [out][in][kh][kw]
	Bias   *Param // [out]
}

// NewConv2d validates cfg and initialises weights (He initialization).
func NewConv2d(cfg Conv2dConfig, rng *rand.Rand) (*Conv2d, error) {
	if cfg.StrideH == 0 {
		cfg.StrideH = 1
	}
	if cfg.StrideW == 0 {
		cfg.StrideW = 1
	}
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 || cfg.KernelH <= 0 || cfg.KernelW <= 0 {
		return nil, fmt.Errorf("%w: conv2d channels %d->%d kernel %dx%d", ErrConfig, cfg.InChannels, cfg.OutChannels, cfg.KernelH, cfg.KernelW)
	}
	if cfg.StrideH < 0 || cfg.StrideW < 0 || cfg.PadTop < 0 || cfg.PadBottom < 0 || cfg.PadLeft < 0 || cfg.PadRight < 0 {
		return nil, fmt.Errorf("%w: conv2d stride and padding must be non-negative", ErrConfig)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	c := &Conv2d{cfg: cfg}
	c.Weight = newParam("weight", cfg.OutChannels, cfg.InChannels, cfg.KernelH, cfg.KernelW)
	heInit(c.Weight, cfg.InChannels*cfg.KernelH*cfg.KernelW, rng)
	c.Bias = newParam("bias", cfg.OutChannels)
	return c, nil
}

// Config returns the resolved configuration.
func (c *Conv2d) Config() Conv2dConfig { return c.cfg }

// OutSize maps an input (height, width) to the output size.
func (c *Conv2d) OutSize(height, width int) (int, int) {
	return c.args(1, height, width).OutSize()
}

func (c *Conv2d) args(batch, height, width int) Conv2DArgs {
	return Conv2DArgs{
		Batch:       batch,
		InChannels:  c.cfg.InChannels,
		Height:      height,
		Width:       width,
		OutChannels: c.cfg.OutChannels,
		KernelH:     c.cfg.KernelH,
		KernelW:     c.cfg.KernelW,
		StrideH:     c.cfg.StrideH,
		StrideW:     c.cfg.StrideW,
		PadTop:      c.cfg.PadTop,
		PadBottom:   c.cfg.PadBottom,
		PadLeft:     c.cfg.PadLeft,
		PadRight:    c.cfg.PadRight,
	}
}

func (c *Conv2d) prepare(x *Tensor[float32]) (Conv2DArgs, error) {
	if err := expectRank(x, 4, "conv2d"); err != nil {
		return Conv2DArgs{}, err
	}
	if x.Shape[1] != c.cfg.InChannels {
		return Conv2DArgs{}, fmt.Errorf("%w: conv2d expects %d input channels, got %d", ErrShape, c.cfg.InChannels, x.Shape[1])
	}
	a := c.args(x.Shape[0], x.Shape[2], x.Shape[3])
	if h, w := a.OutSize(); h <= 0 || w <= 0 {
		return Conv2DArgs{}, fmt.Errorf("%w: conv2d produced non-positive output size for input %dx%d", ErrShape, x.Shape[2], x.Shape[3])
	}
	return a, nil
}

func (c *Conv2d) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	a, err := c.prepare(x)
	if err != nil {
		return nil, err
	}
	h, w := a.OutSize()
	out := Conv2DForward(x.Data, c.Weight.Value.Data, c.Bias.Value.Data, a)
	return NewTensorFromSlice(out, a.Batch, a.OutChannels, h, w), nil
}

func (c *Conv2d) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	a, err := c.prepare(x)
	if err != nil {
		return nil, err
	}
	h, w := a.OutSize()
	if gradOut.Size() != a.Batch*a.OutChannels*h*w {
		return nil, fmt.Errorf("%w: conv2d grad %v does not match output %dx%d", ErrShape, gradOut.Shape, h, w)
	}
	gradIn, gradW, gradB := Conv2DBackward(gradOut.Data, x.Data, c.Weight.Value.Data, a)
	for i, g := range gradW {
		c.Weight.Grad.Data[i] += g
	}
	for i, g := range gradB {
		c.Bias.Grad.Data[i] += g
	}
	return NewTensorFromSlice(gradIn, x.Shape...), nil
}

func (c *Conv2d) Params() []*Param {
	return []*Param{c.Weight, c.Bias}
}
