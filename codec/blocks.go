package codec

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// ResidualUnit computes x + Conv1x1(ELU(CausalConv_k7_d(x))). Channel count
// and length are preserved.
type ResidualUnit struct {
	Dilation int
	body     *nn.Sequential
}

// NewResidualUnit builds a unit over channels with the given dilation.
func NewResidualUnit(channels, dilation int, rng *rand.Rand) (*ResidualUnit, error) {
	conv, err := nn.NewCausalConv1d(channels, channels, 7, 1, dilation, rng)
	if err != nil {
		return nil, err
	}
	point, err := nn.NewConv1d(nn.Conv1dConfig{InChannels: channels, OutChannels: channels, KernelSize: 1}, rng)
	if err != nil {
		return nil, err
	}
	return &ResidualUnit{Dilation: dilation, body: nn.NewSequential(conv, nn.ELU(), point)}, nil
}

func (u *ResidualUnit) Forward(x *nn.Tensor[float32], mode nn.Mode) (*nn.Tensor[float32], error) {
	y, err := u.body.Forward(x, mode)
	if err != nil {
		return nil, fmt.Errorf("residual unit (dilation %d): %w", u.Dilation, err)
	}
	if err := nn.AddInPlace(y, x); err != nil {
		return nil, err
	}
	return y, nil
}

func (u *ResidualUnit) Backward(x, gradOut *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	g, err := u.body.Backward(x, gradOut)
	if err != nil {
		return nil, fmt.Errorf("residual unit (dilation %d): %w", u.Dilation, err)
	}
	if err := nn.AddInPlace(g, gradOut); err != nil {
		return nil, err
	}
	return g, nil
}

func (u *ResidualUnit) Params() []*nn.Param {
	return nn.Prefixed("layers", u.body.Params())
}

// residualDilations are the dilations of the three units in every block.
var residualDilations = []int{1, 3, 9}

// EncoderBlock runs three residual units (dilations 1, 3, 9) and then a
// causal conv of kernel 2*stride that expands channels and downsamples.
type EncoderBlock struct {
	*nn.Sequential
	Stride int
}

// NewEncoderBlock builds a block mapping in channels to out channels.
func NewEncoderBlock(in, out, stride int, rng *rand.Rand) (*EncoderBlock, error) {
	seq := nn.NewSequential()
	for _, d := range residualDilations {
		u, err := NewResidualUnit(in, d, rng)
		if err != nil {
			return nil, err
		}
		seq.Append(u, nn.ELU())
	}
	down, err := nn.NewCausalConv1d(in, out, 2*stride, stride, 1, rng)
	if err != nil {
		return nil, err
	}
	seq.Append(down)
	return &EncoderBlock{Sequential: seq, Stride: stride}, nil
}

// DecoderBlock mirrors EncoderBlock: a causal transposed conv of kernel
// 2*stride reduces channels and upsamples, then three residual units follow.
type DecoderBlock struct {
	*nn.Sequential
	Stride int
}

// NewDecoderBlock builds a block mapping in channels to out channels.
func NewDecoderBlock(in, out, stride int, rng *rand.Rand) (*DecoderBlock, error) {
	up, err := nn.NewCausalConvTranspose1d(nn.ConvTranspose1dConfig{
		InChannels:  in,
		OutChannels: out,
		KernelSize:  2 * stride,
		Stride:      stride,
	}, rng)
	if err != nil {
		return nil, err
	}
	seq := nn.NewSequential(up)
	for _, d := range residualDilations {
		u, err := NewResidualUnit(out, d, rng)
		if err != nil {
			return nil, err
		}
		seq.Append(nn.ELU(), u)
	}
	return &DecoderBlock{Sequential: seq, Stride: stride}, nil
}
