// Package spectral turns waveform batches into the two-channel spectrograms
// the STFT discriminator consumes.
package spectral

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"
	"github.com/openfluke/soundstream/nn"
)

// Config selects the frame size and hop. With Center, the signal is reflect
// padded by NFFT/2 on both sides so frame t is centred on sample t*Hop.
type Config struct {
	NFFT   int  `json:"n_fft"`
	Hop    int  `json:"hop"`
	Center bool `json:"center"`
}

// DefaultConfig is a 1024-point transform with a 256-sample hop, giving 513
// frequency bins.
func DefaultConfig() Config {
	return Config{NFFT: 1024, Hop: 256, Center: true}
}

// STFT holds the window and FFT plan for one configuration. It is not safe
// for concurrent use.
type STFT struct {
	cfg    Config
	window []float64
	plan   *algofft.Plan[complex128]

	frame []float64
	in    []complex128
	out   []complex128
}

// New validates cfg and prepares a periodic Hann window and an FFT plan.
func New(cfg Config) (*STFT, error) {
	if cfg.NFFT < 2 || cfg.Hop <= 0 {
		return nil, fmt.Errorf("%w: stft n_fft %d hop %d", nn.ErrConfig, cfg.NFFT, cfg.Hop)
	}
	plan, err := algofft.NewPlan64(cfg.NFFT)
	if err != nil {
		return nil, fmt.Errorf("%w: fft plan for size %d: %v", nn.ErrConfig, cfg.NFFT, err)
	}
	win := make([]float64, cfg.NFFT)
	for i := range win {
		win[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(cfg.NFFT))
	}
	return &STFT{
		cfg:    cfg,
		window: win,
		plan:   plan,
		frame:  make([]float64, cfg.NFFT),
		in:     make([]complex128, cfg.NFFT),
		out:    make([]complex128, cfg.NFFT),
	}, nil
}

func (s *STFT) Config() Config { return s.cfg }

// Bins is the number of non-negative frequency bins, NFFT/2+1.
func (s *STFT) Bins() int { return s.cfg.NFFT/2 + 1 }

// Frames returns the frame count for a signal of length samples, or a value
// <= 0 when the signal is too short.
func (s *STFT) Frames(samples int) int {
	if s.cfg.Center {
		return samples/s.cfg.Hop + 1
	}
	if samples < s.cfg.NFFT {
		return 0
	}
	return (samples-s.cfg.NFFT)/s.cfg.Hop + 1
}

// FrameLengths maps valid sample counts to valid frame counts.
func (s *STFT) FrameLengths(lengths []int) ([]int, error) {
	out := make([]int, len(lengths))
	for i, l := range lengths {
		if out[i] = s.Frames(l); out[i] <= 0 {
			return nil, fmt.Errorf("%w: %d samples give no stft frame", nn.ErrShape, l)
		}
	}
	return out, nil
}

// Transform maps [batch][1][samples] to [batch][2][bins][frames], channel 0
// holding the real part and channel 1 the imaginary part.
func (s *STFT) Transform(x *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(x.Shape) != 3 || x.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: stft expects [batch][1][samples], got %v", nn.ErrShape, x.Shape)
	}
	b, l := x.Shape[0], x.Shape[2]
	if s.cfg.Center && l <= s.cfg.NFFT/2 {
		return nil, fmt.Errorf("%w: %d samples cannot be reflect padded by %d", nn.ErrShape, l, s.cfg.NFFT/2)
	}
	frames := s.Frames(l)
	if frames <= 0 {
		return nil, fmt.Errorf("%w: %d samples give no stft frame", nn.ErrShape, l)
	}
	bins := s.Bins()
	out := nn.NewTensor[float32](b, 2, bins, frames)
	for n := 0; n < b; n++ {
		signal := x.Data[n*l : (n+1)*l]
		re := out.Data[(n*2)*bins*frames : (n*2+1)*bins*frames]
		im := out.Data[(n*2+1)*bins*frames : (n*2+2)*bins*frames]
		for t := 0; t < frames; t++ {
			s.fill(signal, t)
			if err := s.plan.Forward(s.out, s.in); err != nil {
				return nil, fmt.Errorf("stft frame %d: %w", t, err)
			}
			for k := 0; k < bins; k++ {
				re[k*frames+t] = float32(real(s.out[k]))
				im[k*frames+t] = float32(imag(s.out[k]))
			}
		}
	}
	return out, nil
}

// Backward returns the gradient with respect to the waveform x given the
// gradient of the Transform output. The transform is linear, so this is its
// adjoint: for each frame, Re(FFT(conj(G))) windowed and scattered back.
func (s *STFT) Backward(x, gradOut *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(x.Shape) != 3 || x.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: stft expects [batch][1][samples], got %v", nn.ErrShape, x.Shape)
	}
	b, l := x.Shape[0], x.Shape[2]
	frames, bins := s.Frames(l), s.Bins()
	if len(gradOut.Shape) != 4 || gradOut.Shape[0] != b || gradOut.Shape[1] != 2 || gradOut.Shape[2] != bins || gradOut.Shape[3] != frames {
		return nil, fmt.Errorf("%w: stft grad %v for %d frames of %d bins", nn.ErrShape, gradOut.Shape, frames, bins)
	}
	n := s.cfg.NFFT
	grad := nn.NewTensor[float32](x.Shape...)
	for bi := 0; bi < b; bi++ {
		gre := gradOut.Data[(bi*2)*bins*frames : (bi*2+1)*bins*frames]
		gim := gradOut.Data[(bi*2+1)*bins*frames : (bi*2+2)*bins*frames]
		dst := grad.Data[bi*l : (bi+1)*l]
		for t := 0; t < frames; t++ {
			clear(s.in)
			for k := 0; k < bins; k++ {
				s.in[k] = complex(float64(gre[k*frames+t]), -float64(gim[k*frames+t]))
			}
			if err := s.plan.Forward(s.out, s.in); err != nil {
				return nil, fmt.Errorf("stft frame %d: %w", t, err)
			}
			for i := range s.frame {
				s.frame[i] = real(s.out[i])
			}
			vecmath.MulBlockInPlace(s.frame, s.window)
			start := t * s.cfg.Hop
			if s.cfg.Center {
				start -= n / 2
			}
			for i, v := range s.frame {
				dst[reflect(start+i, l)] += float32(v)
			}
		}
	}
	return grad, nil
}

// fill loads frame t of signal, windowed, into the FFT input.
func (s *STFT) fill(signal []float32, t int) {
	n := s.cfg.NFFT
	start := t * s.cfg.Hop
	if s.cfg.Center {
		start -= n / 2
	}
	for i := range s.frame {
		s.frame[i] = float64(signal[reflect(start+i, len(signal))])
	}
	vecmath.MulBlockInPlace(s.frame, s.window)
	for i, v := range s.frame {
		s.in[i] = complex(v, 0)
	}
}

// reflect mirrors an out-of-range index without repeating the edge sample.
func reflect(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// Magnitude returns sqrt(re^2+im^2) of a Transform output as [batch][1][bins][frames].
func Magnitude(gram *nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(gram.Shape) != 4 || gram.Shape[1] != 2 {
		return nil, fmt.Errorf("%w: magnitude expects [batch][2][bins][frames], got %v", nn.ErrShape, gram.Shape)
	}
	b, plane := gram.Shape[0], gram.Shape[2]*gram.Shape[3]
	out := nn.NewTensor[float32](b, 1, gram.Shape[2], gram.Shape[3])
	re, im, mag := make([]float64, plane), make([]float64, plane), make([]float64, plane)
	for n := 0; n < b; n++ {
		for i := 0; i < plane; i++ {
			re[i] = float64(gram.Data[(n*2)*plane+i])
			im[i] = float64(gram.Data[(n*2+1)*plane+i])
		}
		vecmath.Magnitude(mag, re, im)
		for i, v := range mag {
			out.Data[n*plane+i] = float32(v)
		}
	}
	return out, nil
}
