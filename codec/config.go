package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/openfluke/soundstream/nn"
	"github.com/openfluke/soundstream/rvq"
)

// ErrStrideMismatch is returned when the decoder strides do not invert the
// encoder strides.
var ErrStrideMismatch = errors.New("codec: decoder strides must be the encoder strides reversed")

// Config describes a codec. Strides and ChannelMults are listed in encoder
// order; the decoder applies them reversed.
type Config struct {
	IOChannels   int   `json:"io_channels"`
	Channels     int   `json:"channels"`
	LatentDim    int   `json:"latent_dim"`
	Strides      []int `json:"strides"`
	ChannelMults []int `json:"channel_mults"`

	// DecoderStrides, when set, lists the decoder strides in application
	// order and must equal Strides reversed.
	DecoderStrides []int `json:"decoder_strides,omitempty"`

	Quantizer rvq.Config `json:"quantizer"`
	Seed      int64      `json:"seed"`
}

// DefaultConfig returns a mono codec with strides [2,2,4,5,8] (640 samples
// per latent frame) and an 8-stage, 1024-code quantizer.
func DefaultConfig() Config {
	q := rvq.DefaultConfig(128)
	return Config{
		IOChannels:   1,
		Channels:     32,
		LatentDim:    128,
		Strides:      []int{2, 2, 4, 5, 8},
		ChannelMults: []int{2, 4, 4, 8, 16},
		Quantizer:    q,
	}
}

// LoadConfig reads a JSON config. Missing fields keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	cfg.Quantizer.Dim = 0 // follows latent_dim unless set
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("codec: read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("codec: parse config %s: %w", path, err)
	}
	if cfg.Quantizer.Dim == 0 {
		cfg.Quantizer.Dim = cfg.LatentDim
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration, including that the decoder inverts the encoder.
func (c Config) Validate() error {
	if c.IOChannels <= 0 || c.Channels <= 0 || c.LatentDim <= 0 {
		return fmt.Errorf("%w: io_channels, channels and latent_dim must be positive", nn.ErrConfig)
	}
	if len(c.Strides) == 0 || len(c.Strides) != len(c.ChannelMults) {
		return fmt.Errorf("%w: %d strides for %d channel multipliers", nn.ErrConfig, len(c.Strides), len(c.ChannelMults))
	}
	for i, s := range c.Strides {
		if s <= 0 || c.ChannelMults[i] <= 0 {
			return fmt.Errorf("%w: stride %d and channel multiplier %d must be positive", nn.ErrConfig, s, c.ChannelMults[i])
		}
	}
	if c.DecoderStrides != nil {
		reversed := slices.Clone(c.Strides)
		slices.Reverse(reversed)
		if !slices.Equal(reversed, c.DecoderStrides) {
			return fmt.Errorf("%w: encoder %v, decoder %v", ErrStrideMismatch, c.Strides, c.DecoderStrides)
		}
	}
	if c.Quantizer.Dim != c.LatentDim {
		return fmt.Errorf("%w: quantizer dim %d does not match latent_dim %d", nn.ErrConfig, c.Quantizer.Dim, c.LatentDim)
	}
	return c.Quantizer.Validate()
}

// HopLength is the number of samples per latent frame, the product of the strides.
func (c Config) HopLength() int { return product(c.Strides) }
