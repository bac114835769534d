package spectral

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/soundstream/nn"
)

// naiveDFT is the O(N^2) reference for one windowed frame.
func naiveDFT(frame []float64) []complex128 {
	n := len(frame)
	out := make([]complex128, n)
	for k := 0; k < n; k++ {
		var sum complex128
		for i := 0; i < n; i++ {
			angle := -2 * math.Pi * float64(k*i) / float64(n)
			sum += complex(frame[i], 0) * complex(math.Cos(angle), math.Sin(angle))
		}
		out[k] = sum
	}
	return out
}

func TestTransformMatchesNaiveDFT(t *testing.T) {
	s, err := New(Config{NFFT: 16, Hop: 4})
	if err != nil {
		t.Fatal(err)
	}
	x := nn.RandomTensor(rand.New(rand.NewSource(1)), 1, 1, 40)
	gram, err := s.Transform(x)
	if err != nil {
		t.Fatal(err)
	}
	frames, bins := s.Frames(40), s.Bins()
	if frames != 7 || bins != 9 {
		t.Fatalf("got %d frames of %d bins, expected 7 of 9", frames, bins)
	}
	if want := []int{1, 2, 9, 7}; gram.Shape[2] != want[2] || gram.Shape[3] != want[3] {
		t.Fatalf("spectrogram shape %v, expected %v", gram.Shape, want)
	}

	for _, f := range []int{0, 3, 6} {
		frame := make([]float64, 16)
		for i := range frame {
			frame[i] = float64(x.Data[f*4+i]) * s.window[i]
		}
		want := naiveDFT(frame)
		for k := 0; k < bins; k++ {
			re, im := gram.Data[k*frames+f], gram.Data[(bins+k)*frames+f]
			if math.Abs(float64(re)-real(want[k])) > 1e-4 || math.Abs(float64(im)-imag(want[k])) > 1e-4 {
				t.Errorf("frame %d bin %d: got (%g, %g), expected %v", f, k, re, im, want[k])
			}
		}
	}
}

func TestCenteredFrames(t *testing.T) {
	s, err := New(Config{NFFT: 8, Hop: 2, Center: true})
	if err != nil {
		t.Fatal(err)
	}
	lengths, err := s.FrameLengths([]int{10, 11, 32})
	if err != nil {
		t.Fatal(err)
	}
	if lengths[0] != 6 || lengths[1] != 6 || lengths[2] != 17 {
		t.Errorf("frame lengths %v, expected [6 6 17]", lengths)
	}
	gram, err := s.Transform(nn.RandomTensor(rand.New(rand.NewSource(2)), 2, 1, 32))
	if err != nil {
		t.Fatal(err)
	}
	if gram.Shape[3] != 17 {
		t.Errorf("centred spectrogram has %d frames, expected 17", gram.Shape[3])
	}
	if _, err := s.Transform(nn.NewTensor[float32](1, 1, 4)); !errors.Is(err, nn.ErrShape) {
		t.Errorf("signal shorter than the pad: expected ErrShape, got %v", err)
	}
}

// Backward is the adjoint of Transform: <Transform(x), g> == <x, Backward(g)>.
func TestBackwardIsAdjoint(t *testing.T) {
	for _, center := range []bool{false, true} {
		s, err := New(Config{NFFT: 8, Hop: 3, Center: center})
		if err != nil {
			t.Fatal(err)
		}
		rng := rand.New(rand.NewSource(3))
		x := nn.RandomTensor(rng, 2, 1, 29)
		gram, err := s.Transform(x)
		if err != nil {
			t.Fatal(err)
		}
		g := nn.RandomTensor(rng, gram.Shape...)
		gx, err := s.Backward(x, g)
		if err != nil {
			t.Fatal(err)
		}
		var lhs, rhs float64
		for i := range gram.Data {
			lhs += float64(gram.Data[i]) * float64(g.Data[i])
		}
		for i := range x.Data {
			rhs += float64(x.Data[i]) * float64(gx.Data[i])
		}
		if math.Abs(lhs-rhs) > 1e-3*math.Max(1, math.Abs(lhs)) {
			t.Errorf("center=%v: <Sx, g> = %g, <x, S'g> = %g", center, lhs, rhs)
		}
	}
}

func TestMagnitude(t *testing.T) {
	gram := nn.NewTensorFromSlice([]float32{3, 0, 4, 1}, 1, 2, 1, 2)
	mag, err := Magnitude(gram)
	if err != nil {
		t.Fatal(err)
	}
	if mag.Data[0] != 5 || mag.Data[1] != 1 {
		t.Errorf("magnitudes %v, expected [5 1]", mag.Data)
	}
}

func TestConfigValidation(t *testing.T) {
	for _, cfg := range []Config{{NFFT: 1, Hop: 1}, {NFFT: 16, Hop: 0}} {
		if _, err := New(cfg); !errors.Is(err, nn.ErrConfig) {
			t.Errorf("%+v: expected ErrConfig, got %v", cfg, err)
		}
	}
}
