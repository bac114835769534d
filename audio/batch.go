package audio

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// PadCrop cuts or zero-pads every channel to Samples. With Random, a crop
// starts at a uniformly drawn offset; otherwise it keeps the beginning.
type PadCrop struct {
	Samples int
	Random  bool
	Rand    *rand.Rand
}

// Apply returns the padded or cropped clip and the number of real samples it holds.
func (p *PadCrop) Apply(c *Clip) (*Clip, int) {
	n := c.Len()
	start := 0
	if p.Random && n > p.Samples {
		rng := p.Rand
		if rng == nil {
			rng = rand.New(rand.NewSource(rand.Int63()))
		}
		start = rng.Intn(n - p.Samples + 1)
	}
	valid := min(n-start, p.Samples)
	out := newClip(c.SampleRate, len(c.Channels), p.Samples)
	for k, ch := range c.Channels {
		copy(out.Channels[k], ch[start:start+valid])
	}
	return out, valid
}

// Batch is a [batch][channels][samples] tensor with the valid sample count of
// each row.
type Batch struct {
	Audio      *nn.Tensor[float32]
	Lengths    []int
	SampleRate int
}

// NewBatch pads or crops every clip with pc and stacks them. All clips must
// share channel count and sample rate.
func NewBatch(clips []*Clip, pc *PadCrop) (*Batch, error) {
	if len(clips) == 0 || pc.Samples <= 0 {
		return nil, ErrEmptyClip
	}
	channels, rate := len(clips[0].Channels), clips[0].SampleRate
	if channels == 0 {
		return nil, ErrEmptyClip
	}
	b := &Batch{
		Audio:      nn.NewTensor[float32](len(clips), channels, pc.Samples),
		Lengths:    make([]int, len(clips)),
		SampleRate: rate,
	}
	for i, c := range clips {
		if len(c.Channels) != channels || c.SampleRate != rate {
			return nil, fmt.Errorf("audio: clip %d is %d ch at %d Hz, batch is %d ch at %d Hz", i, len(c.Channels), c.SampleRate, channels, rate)
		}
		fixed, valid := pc.Apply(c)
		for k, ch := range fixed.Channels {
			copy(b.Audio.Data[(i*channels+k)*pc.Samples:], ch)
		}
		b.Lengths[i] = valid
	}
	return b, nil
}

// FromTensor extracts row b of a [batch][channels][samples] tensor as a clip.
func FromTensor(x *nn.Tensor[float32], b, sampleRate int) (*Clip, error) {
	if len(x.Shape) != 3 || b < 0 || b >= x.Shape[0] {
		return nil, fmt.Errorf("%w: row %d of %v", nn.ErrShape, b, x.Shape)
	}
	channels, n := x.Shape[1], x.Shape[2]
	c := newClip(sampleRate, channels, n)
	for k := range c.Channels {
		copy(c.Channels[k], x.Data[(b*channels+k)*n:(b*channels+k+1)*n])
	}
	return c, nil
}
