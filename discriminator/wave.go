package discriminator

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// ErrDownsamplingFactor is returned for a factor other than 2, the only
// rate the fixed average pooler between scales produces.
var ErrDownsamplingFactor = errors.New("discriminator: downsampling factor must be 2")

// WaveConfig configures a multi-scale waveform discriminator.
type WaveConfig struct {
	NumD               int   `json:"num_d"`
	DownsamplingFactor int   `json:"downsampling_factor"`
	BaseChannels       int   `json:"base_channels"`
	MaxChannels        int   `json:"max_channels"`
	Seed               int64 `json:"seed"`
}

// DefaultWaveConfig is three scales with 16 to 1024 channels.
func DefaultWaveConfig() WaveConfig {
	return WaveConfig{NumD: 3, DownsamplingFactor: 2, BaseChannels: 16, MaxChannels: 1024}
}

func (c WaveConfig) Validate() error {
	switch {
	case c.NumD <= 0:
		return fmt.Errorf("%w: num_d must be positive, got %d", nn.ErrConfig, c.NumD)
	case c.DownsamplingFactor != 2:
		return fmt.Errorf("%w: got %d", ErrDownsamplingFactor, c.DownsamplingFactor)
	case c.BaseChannels <= 0 || c.BaseChannels%4 != 0:
		return fmt.Errorf("%w: base_channels must be a positive multiple of 4, got %d", nn.ErrConfig, c.BaseChannels)
	case c.MaxChannels < c.BaseChannels:
		return fmt.Errorf("%w: max_channels %d below base_channels %d", nn.ErrConfig, c.MaxChannels, c.BaseChannels)
	}
	return nil
}

// WaveBlock is one sub-discriminator: seven weight-normalised convs producing
// seven feature maps, the last a one-channel logit map.
type WaveBlock struct {
	layers stack
}

// NewWaveBlock builds a block whose widths grow by 4 from base up to maxCh,
// each strided conv grouped by a quarter of its input width.
func NewWaveBlock(base, maxCh int, rng *rand.Rand) (*WaveBlock, error) {
	conv := func(cfg nn.Conv1dConfig) (*nn.Conv1d, error) {
		cfg.WeightNorm = true
		return nn.NewConv1d(cfg, rng)
	}
	leaky := func(l nn.Layer) nn.Layer { return nn.NewSequential(l, nn.LeakyReLU()) }

	first, err := conv(nn.Conv1dConfig{
		InChannels: 1, OutChannels: base, KernelSize: 15,
		PadLeft: wavePad, PadRight: wavePad, PaddingMode: nn.PaddingReflect,
	})
	if err != nil {
		return nil, err
	}
	layers := stack{leaky(first)}

	ch := base
	for i := 0; i < 4; i++ {
		out := min(ch*4, maxCh)
		c, err := conv(nn.Conv1dConfig{
			InChannels: ch, OutChannels: out, KernelSize: 41,
			Stride: 4, PadLeft: 20, PadRight: 20, Groups: ch / 4,
		})
		if err != nil {
			return nil, fmt.Errorf("strided conv %d: %w", i, err)
		}
		layers = append(layers, leaky(c))
		ch = out
	}

	mix, err := conv(nn.Conv1dConfig{InChannels: ch, OutChannels: ch, KernelSize: 5, PadLeft: 2, PadRight: 2})
	if err != nil {
		return nil, err
	}
	logit, err := conv(nn.Conv1dConfig{InChannels: ch, OutChannels: 1, KernelSize: 3, PadLeft: 1, PadRight: 1})
	if err != nil {
		return nil, err
	}
	layers = append(layers, leaky(mix), logit)
	return &WaveBlock{layers: layers}, nil
}

// Forward returns the seven feature maps for x of shape [batch][1][samples].
func (b *WaveBlock) Forward(x *nn.Tensor[float32], mode nn.Mode) ([]*nn.Tensor[float32], error) {
	return b.layers.forward(x, mode)
}

// Backward returns the input gradient given one gradient per feature map.
func (b *WaveBlock) Backward(x *nn.Tensor[float32], grads []*nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	return b.layers.backward(x, grads)
}

func (b *WaveBlock) Params() []*nn.Param { return b.layers.params() }

// FeaturesLengths maps valid input lengths to the valid length of each feature map.
func (b *WaveBlock) FeaturesLengths(lengths []int) ([][]int, error) {
	divs := []int{1, 4, 16, 64, 256, 256, 256}
	out := make([][]int, len(divs))
	for i, d := range divs {
		var err error
		if out[i], err = mapLengths(lengths, func(l int) int { return floorDiv(l+d-1, d) }); err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
	}
	return out, nil
}

// wavePad is the reflection padding of the first conv. Each scale needs more
// input samples than this.
const wavePad = 7

// Wave runs NumD identical sub-discriminators, the i-th on the input average
// pooled i times.
type Wave struct {
	nn.ModeHolder

	Blocks []*WaveBlock
	pool   *nn.AvgPool1d
	cfg    WaveConfig
}

// NewWave validates cfg and builds the bank.
func NewWave(cfg WaveConfig) (*Wave, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := newRNG(cfg.Seed)
	w := &Wave{pool: nn.NewAvgPool1d(), cfg: cfg}
	for i := 0; i < cfg.NumD; i++ {
		b, err := NewWaveBlock(cfg.BaseChannels, cfg.MaxChannels, rng)
		if err != nil {
			return nil, fmt.Errorf("wave discriminator %d: %w", i, err)
		}
		w.Blocks = append(w.Blocks, b)
	}
	return w, nil
}

func (w *Wave) Config() WaveConfig { return w.cfg }

// scales returns the input of every sub-discriminator.
func (w *Wave) scales(x *nn.Tensor[float32]) ([]*nn.Tensor[float32], error) {
	if len(x.Shape) != 3 || x.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: wave discriminator expects [batch][1][samples], got %v", nn.ErrShape, x.Shape)
	}
	inputs := []*nn.Tensor[float32]{x}
	for i := 1; i < len(w.Blocks); i++ {
		next, err := w.pool.Forward(inputs[i-1], nn.Eval)
		if err != nil {
			return nil, fmt.Errorf("downsample to scale %d: %w", i, err)
		}
		inputs = append(inputs, next)
	}
	return inputs, nil
}

// Forward returns features[scale][layer].
func (w *Wave) Forward(x *nn.Tensor[float32]) ([][]*nn.Tensor[float32], error) {
	inputs, err := w.scales(x)
	if err != nil {
		return nil, err
	}
	mode := w.Mode()
	out := make([][]*nn.Tensor[float32], len(w.Blocks))
	for i, b := range w.Blocks {
		if out[i], err = b.Forward(inputs[i], mode); err != nil {
			return nil, fmt.Errorf("wave discriminator %d: %w", i, err)
		}
	}
	return out, nil
}

// Backward returns the gradient with respect to x given grads[scale][layer],
// accumulating parameter gradients. Nil entries are treated as zero.
func (w *Wave) Backward(x *nn.Tensor[float32], grads [][]*nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(grads) != len(w.Blocks) {
		return nil, fmt.Errorf("%w: gradients for %d scales, have %d", nn.ErrShape, len(grads), len(w.Blocks))
	}
	inputs, err := w.scales(x)
	if err != nil {
		return nil, err
	}
	var carry *nn.Tensor[float32]
	for i := len(w.Blocks) - 1; i >= 0; i-- {
		g, err := w.Blocks[i].Backward(inputs[i], grads[i])
		if err != nil {
			return nil, fmt.Errorf("wave discriminator %d: %w", i, err)
		}
		if carry != nil {
			if err := nn.AddInPlace(g, carry); err != nil {
				return nil, err
			}
		}
		if i == 0 {
			return g, nil
		}
		if carry, err = w.pool.Backward(inputs[i-1], g); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: wave discriminator has no blocks", nn.ErrConfig)
}

// FeaturesLengths returns lengths[scale][layer][batch]. Scale i applies the
// block formula to floor(L / factor^i), which must exceed the reflection
// padding just as Forward requires.
func (w *Wave) FeaturesLengths(lengths []int) ([][][]int, error) {
	out := make([][][]int, len(w.Blocks))
	div := 1
	for i, b := range w.Blocks {
		scaled := make([]int, len(lengths))
		for j, l := range lengths {
			scaled[j] = floorDiv(l, div)
			if scaled[j] <= wavePad {
				return nil, fmt.Errorf("%w: scale %d sees %d samples of length %d, reflection padding needs more than %d", nn.ErrShape, i, scaled[j], l, wavePad)
			}
		}
		var err error
		if out[i], err = b.FeaturesLengths(scaled); err != nil {
			return nil, fmt.Errorf("scale %d: %w", i, err)
		}
		div *= w.cfg.DownsamplingFactor
	}
	return out, nil
}

// Params names parameters "blocks.<scale>.<layer>.*".
func (w *Wave) Params() []*nn.Param {
	var ps []*nn.Param
	for i, b := range w.Blocks {
		ps = append(ps, nn.Prefixed(fmt.Sprintf("blocks.%d", i), b.Params())...)
	}
	return ps
}

// Save writes the parameters as safetensors.
func (w *Wave) Save(path string) error { return save(path, w.Params()) }

// Load reads parameters written by Save.
func (w *Wave) Load(path string) error { return load(path, w.Params()) }
