package audio

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/openfluke/soundstream/nn"
)

func sine(rate, n int, freq float64) *Clip {
	c := newClip(rate, 2, n)
	for i := 0; i < n; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		c.Channels[0][i] = v
		c.Channels[1][i] = -v
	}
	return c
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	in := sine(16000, 400, 440)
	in.Channels[0][0] = 2 // clamped on write
	if err := WriteWAV(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.SampleRate != 16000 || len(out.Channels) != 2 || out.Len() != 400 {
		t.Fatalf("got %d Hz, %d channels, %d samples", out.SampleRate, len(out.Channels), out.Len())
	}
	if math.Abs(float64(out.Channels[0][0])-32767.0/32768) > 1e-6 {
		t.Errorf("out-of-range sample not clamped: %g", out.Channels[0][0])
	}
	for k := range in.Channels {
		for i := 1; i < 400; i++ {
			if d := math.Abs(float64(out.Channels[k][i] - in.Channels[k][i])); d > 1e-4 {
				t.Fatalf("channel %d sample %d off by %g", k, i, d)
			}
		}
	}
}

func TestFormatOf(t *testing.T) {
	tests := []struct {
		path string
		want Format
	}{
		{"a.wav", FormatWAV},
		{"b.MP3", FormatMP3},
		{"c/d.ogg", FormatVorbis},
	}
	for _, tc := range tests {
		got, err := FormatOf(tc.path)
		if err != nil || got != tc.want {
			t.Errorf("%s: got %q, %v", tc.path, got, err)
		}
	}
	if _, err := FormatOf("e.flac"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("flac: expected ErrUnknownFormat, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	garbage := bytes.NewReader([]byte("definitely not audio data at all"))
	if _, err := Decode(garbage, FormatWAV); !errors.Is(err, ErrNotWAV) {
		t.Errorf("wav: expected ErrNotWAV, got %v", err)
	}
	for _, f := range []Format{FormatMP3, FormatVorbis} {
		if _, err := Decode(bytes.NewReader([]byte("junk")), f); err == nil {
			t.Errorf("%s: expected a decode error", f)
		}
	}
}

func TestMonoAndResample(t *testing.T) {
	c := sine(8000, 800, 100)
	m := c.Mono()
	for i, v := range m.Channels[0] {
		if math.Abs(float64(v)) > 1e-7 {
			t.Fatalf("opposite channels should cancel, sample %d = %g", i, v)
		}
	}

	up, err := c.Resample(16000)
	if err != nil {
		t.Fatal(err)
	}
	if up.Len() != 1600 {
		t.Fatalf("resampled length %d, expected 1600", up.Len())
	}
	// Even output samples land on input samples.
	for i := 0; i < 800; i++ {
		if d := math.Abs(float64(up.Channels[0][2*i] - c.Channels[0][i])); d > 1e-6 {
			t.Fatalf("sample %d moved by %g", i, d)
		}
	}
}

func TestPadCrop(t *testing.T) {
	c := newClip(100, 1, 5)
	for i := range c.Channels[0] {
		c.Channels[0][i] = float32(i + 1)
	}
	padded, valid := (&PadCrop{Samples: 8}).Apply(c)
	if valid != 5 || padded.Len() != 8 || padded.Channels[0][4] != 5 || padded.Channels[0][5] != 0 {
		t.Errorf("pad: valid %d, samples %v", valid, padded.Channels[0])
	}
	cropped, valid := (&PadCrop{Samples: 3}).Apply(c)
	if valid != 3 || cropped.Channels[0][0] != 1 || cropped.Channels[0][2] != 3 {
		t.Errorf("crop: valid %d, samples %v", valid, cropped.Channels[0])
	}
	random, _ := (&PadCrop{Samples: 3, Random: true, Rand: rand.New(rand.NewSource(1))}).Apply(c)
	first := random.Channels[0][0]
	if first < 1 || first > 3 || random.Channels[0][2] != first+2 {
		t.Errorf("random crop should be a contiguous window starting at 1, 2 or 3, got %v", random.Channels[0])
	}
}

func TestRandomCropCoversEveryOffset(t *testing.T) {
	c := newClip(100, 1, 11)
	for i := range c.Channels[0] {
		c.Channels[0][i] = float32(i)
	}
	pc := &PadCrop{Samples: 10, Random: true, Rand: rand.New(rand.NewSource(7))}
	seen := map[float32]int{}
	for i := 0; i < 1000; i++ {
		out, valid := pc.Apply(c)
		if valid != 10 {
			t.Fatalf("valid %d, expected 10", valid)
		}
		seen[out.Channels[0][0]]++
	}
	if len(seen) != 2 || seen[0] == 0 || seen[1] == 0 {
		t.Errorf("crop offsets drawn %v, expected both 0 and 1", seen)
	}
}

func TestNewBatch(t *testing.T) {
	a, b := newClip(100, 1, 10), newClip(100, 1, 4)
	for i := range a.Channels[0] {
		a.Channels[0][i] = 1
	}
	for i := range b.Channels[0] {
		b.Channels[0][i] = 2
	}
	batch, err := NewBatch([]*Clip{a, b}, &PadCrop{Samples: 6})
	if err != nil {
		t.Fatal(err)
	}
	if batch.Lengths[0] != 6 || batch.Lengths[1] != 4 {
		t.Errorf("lengths %v, expected [6 4]", batch.Lengths)
	}
	if batch.Audio.Data[6+3] != 2 || batch.Audio.Data[6+4] != 0 {
		t.Errorf("row 1 = %v", batch.Audio.Data[6:])
	}

	row, err := FromTensor(batch.Audio, 1, batch.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	if row.Len() != 6 || row.Channels[0][0] != 2 {
		t.Errorf("extracted row %v", row.Channels[0])
	}
	if _, err := FromTensor(batch.Audio, 2, 100); !errors.Is(err, nn.ErrShape) {
		t.Errorf("row out of range: expected ErrShape, got %v", err)
	}

	stereo := newClip(100, 2, 4)
	if _, err := NewBatch([]*Clip{a, stereo}, &PadCrop{Samples: 6}); err == nil {
		t.Error("mixed channel counts should be rejected")
	}
}
