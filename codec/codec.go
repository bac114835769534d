package codec

import (
	"context"
	"fmt"
	"maps"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
	"github.com/openfluke/soundstream/rvq"
)

// Codec is encoder, residual quantizer and decoder in one pipeline. It owns
// the codebook state; parameters are updated by the caller through Params.
type Codec struct {
	nn.ModeHolder

	Encoder   *Encoder
	Decoder   *Decoder
	Quantizer *rvq.ResidualVQ
	State     *rvq.State

	cfg Config
}

// Output is the result of one Forward call.
type Output struct {
	Audio     *nn.Tensor[float32] // reconstruction, same shape as the input
	Indices   *nn.Tensor[int32]   // [num_quantizers][batch][frames]
	Losses    []float64           // per-stage commitment losses
	Latent    *nn.Tensor[float32] // encoder output
	Quantized *nn.Tensor[float32] // decoder input

	// Result is the quantizer bookkeeping Backward consumes.
	Result *rvq.Result
}

// New validates cfg and builds a codec with freshly initialised weights and codebooks.
func New(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	enc, err := NewEncoder(cfg, rng)
	if err != nil {
		return nil, fmt.Errorf("codec: encoder: %w", err)
	}
	dec, err := NewDecoder(cfg, rng)
	if err != nil {
		return nil, fmt.Errorf("codec: decoder: %w", err)
	}
	if enc.TotalStride() != dec.TotalStride() {
		return nil, fmt.Errorf("%w: encoder %d, decoder %d", ErrStrideMismatch, enc.TotalStride(), dec.TotalStride())
	}
	q, err := rvq.New(cfg.Quantizer)
	if err != nil {
		return nil, fmt.Errorf("codec: quantizer: %w", err)
	}
	st, err := q.NewState()
	if err != nil {
		return nil, err
	}
	return &Codec{Encoder: enc, Decoder: dec, Quantizer: q, State: st, cfg: cfg}, nil
}

// Config returns the configuration the codec was built with.
func (c *Codec) Config() Config { return c.cfg }

// HopLength is the number of samples per latent frame.
func (c *Codec) HopLength() int { return c.Encoder.TotalStride() }

// Encode runs the encoder. Any input length is accepted; a trailing partial
// frame is still emitted, reading the samples it has.
func (c *Codec) Encode(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if err := c.checkAudio(x); err != nil {
		return nil, err
	}
	return c.Encoder.Forward(x, c.Mode())
}

// Decode maps a (quantized) latent back to audio of frames*HopLength samples.
func (c *Codec) Decode(q *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(q.Shape) != 3 || q.Shape[1] != c.cfg.LatentDim {
		return nil, fmt.Errorf("%w: decoder expects [batch][%d][frames], got %v", nn.ErrShape, c.cfg.LatentDim, q.Shape)
	}
	return c.Decoder.Forward(q, c.Mode())
}

// DecodeIndices reconstructs audio from code indices of shape [stage][batch][frames].
func (c *Codec) DecodeIndices(indices *nn.Tensor[int32]) (*nn.Tensor[float32], error) {
	q, err := c.Quantizer.Dequantize(c.State, indices)
	if err != nil {
		return nil, err
	}
	return c.Decode(q)
}

// Forward computes decode(quantize(encode(x))). The sample count must be a
// multiple of HopLength so the reconstruction has the input's length. In Train
// mode the codebooks are updated, with statistics summed over sync.
func (c *Codec) Forward(ctx context.Context, x *nn.Tensor[float32], mode nn.Mode, sync rvq.Synchronizer) (*Output, error) {
	if err := c.checkAudio(x); err != nil {
		return nil, err
	}
	if r := c.HopLength(); x.Shape[2] == 0 || x.Shape[2]%r != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a positive multiple of the hop length %d", nn.ErrShape, x.Shape[2], r)
	}

	latent, err := c.Encoder.Forward(x, mode)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	res, err := c.Quantizer.Quantize(ctx, c.State, latent, mode, sync)
	if err != nil {
		return nil, fmt.Errorf("codec: quantize: %w", err)
	}
	audio, err := c.Decoder.Forward(res.Quantized, mode)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}
	return &Output{
		Audio:     audio,
		Indices:   res.Indices,
		Losses:    res.Losses,
		Latent:    latent,
		Quantized: res.Quantized,
		Result:    res,
	}, nil
}

// Backward propagates gradAudio through the decoder, the quantizer (straight
// through, plus lossWeight times the commitment losses) and the encoder.
// Parameter gradients accumulate; the returned tensor is the input gradient.
func (c *Codec) Backward(x *nn.Tensor[float32], out *Output, gradAudio *nn.Tensor[float32], lossWeight float64) (*nn.Tensor[float32], error) {
	gq, err := c.Decoder.Backward(out.Quantized, gradAudio)
	if err != nil {
		return nil, fmt.Errorf("codec: decoder backward: %w", err)
	}
	gl, err := c.Quantizer.Backward(out.Result, gq, lossWeight)
	if err != nil {
		return nil, fmt.Errorf("codec: quantizer backward: %w", err)
	}
	gx, err := c.Encoder.Backward(x, gl)
	if err != nil {
		return nil, fmt.Errorf("codec: encoder backward: %w", err)
	}
	return gx, nil
}

// Params returns the learnable parameters, named "encoder.*" and "decoder.*".
// Codebooks are not among them: they follow the EMA update.
func (c *Codec) Params() []*nn.Param {
	return append(nn.Prefixed("encoder", c.Encoder.Params()), nn.Prefixed("decoder", c.Decoder.Params())...)
}

// StateDict returns parameters and codebook state as safetensors entries.
func (c *Codec) StateDict() map[string]nn.TensorWithShape {
	out := nn.ParamTensors(c.Params())
	maps.Copy(out, c.State.StateDict("quantizer"))
	return out
}

// LoadStateDict restores what StateDict produced.
func (c *Codec) LoadStateDict(tensors map[string]nn.TensorWithShape) error {
	if err := nn.LoadParams(c.Params(), tensors); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if err := c.State.LoadStateDict("quantizer", tensors); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	return nil
}

// Save writes a safetensors checkpoint.
func (c *Codec) Save(path string) error {
	return nn.SaveSafetensors(path, c.StateDict())
}

// Load reads a checkpoint written by Save into c.
func (c *Codec) Load(path string) error {
	tensors, err := nn.LoadSafetensors(path)
	if err != nil {
		return err
	}
	return c.LoadStateDict(tensors)
}

func (c *Codec) checkAudio(x *nn.Tensor[float32]) error {
	if len(x.Shape) != 3 || x.Shape[1] != c.cfg.IOChannels {
		return fmt.Errorf("%w: codec expects [batch][%d][samples], got %v", nn.ErrShape, c.cfg.IOChannels, x.Shape)
	}
	return nil
}
