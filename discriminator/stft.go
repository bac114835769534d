package discriminator

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// ResidualUnit2d operates on [batch][channels][freq][time]. The body pads
// freq and time on the leading side by stride+1, applies a "same" 3x3 conv,
// ELU and a (sf+2, st+2) conv with stride (sf, st); a strided 1x1 conv forms
// the skip. Output size along each axis is floor((n-1)/stride)+1.
type ResidualUnit2d struct {
	StrideT, StrideF int

	body *nn.Sequential
	skip *nn.Conv2d
}

// NewResidualUnit2d builds a unit mapping in channels to m*n channels.
func NewResidualUnit2d(in, n, m, strideT, strideF int, rng *rand.Rand) (*ResidualUnit2d, error) {
	same, err := nn.NewConv2d(nn.Conv2dConfig{InChannels: in, OutChannels: n, KernelH: 3, KernelW: 3}.SamePadding2d(), rng)
	if err != nil {
		return nil, err
	}
	down, err := nn.NewConv2d(nn.Conv2dConfig{
		InChannels: n, OutChannels: m * n,
		KernelH: strideF + 2, KernelW: strideT + 2,
		StrideH: strideF, StrideW: strideT,
	}, rng)
	if err != nil {
		return nil, err
	}
	skip, err := nn.NewConv2d(nn.Conv2dConfig{
		InChannels: in, OutChannels: m * n,
		KernelH: 1, KernelW: 1,
		StrideH: strideF, StrideW: strideT,
	}, rng)
	if err != nil {
		return nil, err
	}
	pad := &nn.ZeroPad2d{Left: strideT + 1, Top: strideF + 1}
	return &ResidualUnit2d{
		StrideT: strideT,
		StrideF: strideF,
		body:    nn.NewSequential(pad, same, nn.ELU(), down),
		skip:    skip,
	}, nil
}

func (u *ResidualUnit2d) Forward(x *nn.Tensor[float32], mode nn.Mode) (*nn.Tensor[float32], error) {
	y, err := u.body.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	s, err := u.skip.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	if err := nn.AddInPlace(y, s); err != nil {
		return nil, err
	}
	return y, nil
}

func (u *ResidualUnit2d) Backward(x, gradOut *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	g, err := u.body.Backward(x, gradOut)
	if err != nil {
		return nil, err
	}
	gs, err := u.skip.Backward(x, gradOut)
	if err != nil {
		return nil, err
	}
	if err := nn.AddInPlace(g, gs); err != nil {
		return nil, err
	}
	return g, nil
}

func (u *ResidualUnit2d) Params() []*nn.Param {
	return append(nn.Prefixed("layers", u.body.Params()), nn.Prefixed("skip", u.skip.Params())...)
}

// STFTConfig configures the spectrogram discriminator. FreqBins must leave
// at least one bin after the 7x7 stem and six halvings; the final conv spans
// FreqBins/64 bins.
type STFTConfig struct {
	Channels int   `json:"channels"`
	FreqBins int   `json:"freq_bins"`
	Seed     int64 `json:"seed"`
}

// DefaultSTFTConfig matches a 1024-point FFT.
func DefaultSTFTConfig() STFTConfig {
	return STFTConfig{Channels: 32, FreqBins: 513}
}

// stftUnits lists (m, s_t, s_f) per residual unit; N follows the input width
// except for the first unit, where it is C.
var stftUnits = []struct{ m, st, sf int }{
	{2, 1, 2}, {2, 2, 2}, {1, 1, 2}, {2, 2, 2}, {1, 1, 2}, {2, 2, 2},
}

// STFT is a single-scale discriminator over [batch][2][freq][frames] input.
type STFT struct {
	nn.ModeHolder

	layers stack
	cfg    STFTConfig
}

// NewSTFT validates cfg and builds the discriminator.
func NewSTFT(cfg STFTConfig) (*STFT, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: channels must be positive, got %d", nn.ErrConfig, cfg.Channels)
	}
	if stftFreqOut(cfg.FreqBins) < cfg.FreqBins/64 || cfg.FreqBins/64 == 0 {
		return nil, fmt.Errorf("%w: %d frequency bins are too few", nn.ErrConfig, cfg.FreqBins)
	}
	rng := newRNG(cfg.Seed)
	stem, err := nn.NewConv2d(nn.Conv2dConfig{InChannels: 2, OutChannels: 32, KernelH: 7, KernelW: 7}, rng)
	if err != nil {
		return nil, err
	}
	layers := stack{nn.NewSequential(stem, nn.ELU())}
	in, c := 32, cfg.Channels
	for i, u := range stftUnits {
		n := in
		if i == 0 {
			n = c
		}
		ru, err := NewResidualUnit2d(in, n, u.m, u.st, u.sf, rng)
		if err != nil {
			return nil, fmt.Errorf("residual unit %d: %w", i, err)
		}
		layers = append(layers, nn.NewSequential(ru, nn.ELU()))
		in = u.m * n
	}
	head, err := nn.NewConv2d(nn.Conv2dConfig{InChannels: in, OutChannels: 1, KernelH: cfg.FreqBins / 64, KernelW: 1}, rng)
	if err != nil {
		return nil, err
	}
	layers = append(layers, head)
	return &STFT{layers: layers, cfg: cfg}, nil
}

// stftFreqOut is the frequency size reaching the final conv.
func stftFreqOut(bins int) int {
	f := bins - 6
	if f <= 0 {
		return 0
	}
	for range stftUnits {
		f = (f-1)/2 + 1
	}
	return f
}

func (d *STFT) Config() STFTConfig { return d.cfg }

func (d *STFT) check(x *nn.Tensor[float32]) error {
	if len(x.Shape) != 4 || x.Shape[1] != 2 || x.Shape[2] != d.cfg.FreqBins {
		return fmt.Errorf("%w: stft discriminator expects [batch][2][%d][frames], got %v", nn.ErrShape, d.cfg.FreqBins, x.Shape)
	}
	return nil
}

// Forward returns the eight feature maps in layer order.
func (d *STFT) Forward(x *nn.Tensor[float32]) ([]*nn.Tensor[float32], error) {
	if err := d.check(x); err != nil {
		return nil, err
	}
	return d.layers.forward(x, d.Mode())
}

// Backward returns the input gradient given one gradient per feature map.
func (d *STFT) Backward(x *nn.Tensor[float32], grads []*nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if err := d.check(x); err != nil {
		return nil, err
	}
	return d.layers.backward(x, grads)
}

// FeaturesLengths maps valid frame counts to the valid time length of each
// feature map.
func (d *STFT) FeaturesLengths(lengths []int) ([][]int, error) {
	formulas := []func(int) int{
		func(l int) int { return l - 6 },
		func(l int) int { return l - 6 },
		func(l int) int { return floorDiv(l-5, 2) },
		func(l int) int { return floorDiv(l-5, 2) },
		func(l int) int { return floorDiv(l-3, 4) },
		func(l int) int { return floorDiv(l-3, 4) },
		func(l int) int { return floorDiv(l+1, 8) },
		func(l int) int { return floorDiv(l+1, 8) },
	}
	out := make([][]int, len(formulas))
	for i, f := range formulas {
		var err error
		if out[i], err = mapLengths(lengths, f); err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
	}
	return out, nil
}

// Params names parameters "<layer>.*".
func (d *STFT) Params() []*nn.Param { return d.layers.params() }

// Save writes the parameters as safetensors.
func (d *STFT) Save(path string) error { return save(path, d.Params()) }

// Load reads parameters written by Save.
func (d *STFT) Load(path string) error { return load(path, d.Params()) }
