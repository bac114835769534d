package codec

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// Encoder maps [batch][io][samples] audio to [batch][latent][samples/R] latents.
type Encoder struct {
	*nn.Sequential
	strides []int
}

// NewEncoder builds the input projection, one EncoderBlock per stride and the
// projection to the latent dimension.
func NewEncoder(cfg Config, rng *rand.Rand) (*Encoder, error) {
	n := cfg.Channels
	in, err := nn.NewCausalConv1d(cfg.IOChannels, n, 7, 1, 1, rng)
	if err != nil {
		return nil, err
	}
	seq := nn.NewSequential(in, nn.ELU())

	prev := n
	for i, stride := range cfg.Strides {
		out := cfg.ChannelMults[i] * n
		block, err := NewEncoderBlock(prev, out, stride, rng)
		if err != nil {
			return nil, fmt.Errorf("encoder block %d: %w", i, err)
		}
		seq.Append(block, nn.ELU())
		prev = out
	}

	proj, err := nn.NewCausalConv1d(prev, cfg.LatentDim, 3, 1, 1, rng)
	if err != nil {
		return nil, err
	}
	seq.Append(proj)
	return &Encoder{Sequential: seq, strides: append([]int(nil), cfg.Strides...)}, nil
}

// Strides returns the block strides in application order.
func (e *Encoder) Strides() []int { return append([]int(nil), e.strides...) }

// TotalStride is the product of the block strides.
func (e *Encoder) TotalStride() int { return product(e.strides) }

// Decoder maps [batch][latent][frames] latents to [batch][io][frames*R] audio.
type Decoder struct {
	*nn.Sequential
	strides []int
}

// NewDecoder mirrors NewEncoder: blocks run in reverse stride order and each
// one undoes the channel expansion of its encoder counterpart.
func NewDecoder(cfg Config, rng *rand.Rand) (*Decoder, error) {
	n := cfg.Channels
	depth := len(cfg.Strides)
	top := cfg.ChannelMults[depth-1] * n
	in, err := nn.NewCausalConv1d(cfg.LatentDim, top, 7, 1, 1, rng)
	if err != nil {
		return nil, err
	}
	seq := nn.NewSequential(in, nn.ELU())

	strides := make([]int, 0, depth)
	for i := depth - 1; i >= 0; i-- {
		out := n
		if i > 0 {
			out = cfg.ChannelMults[i-1] * n
		}
		block, err := NewDecoderBlock(cfg.ChannelMults[i]*n, out, cfg.Strides[i], rng)
		if err != nil {
			return nil, fmt.Errorf("decoder block %d: %w", depth-1-i, err)
		}
		seq.Append(block, nn.ELU())
		strides = append(strides, cfg.Strides[i])
	}

	proj, err := nn.NewCausalConv1d(n, cfg.IOChannels, 7, 1, 1, rng)
	if err != nil {
		return nil, err
	}
	seq.Append(proj)
	return &Decoder{Sequential: seq, strides: strides}, nil
}

// Strides returns the block strides in application order.
func (d *Decoder) Strides() []int { return append([]int(nil), d.strides...) }

// TotalStride is the product of the block strides.
func (d *Decoder) TotalStride() int { return product(d.strides) }

func product(xs []int) int {
	p := 1
	for _, x := range xs {
		p *= x
	}
	return p
}
