// Package audio loads training clips from WAV, MP3 and Ogg Vorbis files,
// shapes them into fixed-length batches and writes reconstructions back as
// 16-bit WAV.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

var (
	// ErrUnknownFormat is returned for a file extension or format name no decoder handles.
	ErrUnknownFormat = errors.New("audio: unknown format")

	// ErrNotWAV is returned when a WAV stream has no valid RIFF/WAVE header.
	ErrNotWAV = errors.New("audio: not a wav file")

	// ErrEmptyClip is returned when a clip has no channels or no samples.
	ErrEmptyClip = errors.New("audio: empty clip")
)

// Format names a container/codec pair.
type Format string

const (
	FormatWAV    Format = "wav"
	FormatMP3    Format = "mp3"
	FormatVorbis Format = "ogg"
)

// FormatOf maps a file name to its format by extension.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "wav", "wave":
		return FormatWAV, nil
	case "mp3":
		return FormatMP3, nil
	case "ogg", "oga":
		return FormatVorbis, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, ext)
	}
}

// Clip is decoded audio with planar float32 samples in [-1, 1].
type Clip struct {
	SampleRate int
	Channels   [][]float32
}

// Len is the number of samples per channel.
func (c *Clip) Len() int {
	if len(c.Channels) == 0 {
		return 0
	}
	return len(c.Channels[0])
}

// Load decodes the file at path, choosing the decoder by extension.
func Load(path string) (*Clip, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	defer f.Close()
	clip, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("audio: %s: %w", path, err)
	}
	return clip, nil
}

// Decode reads a whole stream of the given format.
func Decode(r io.ReadSeeker, format Format) (*Clip, error) {
	switch format {
	case FormatWAV:
		return decodeWAV(r)
	case FormatMP3:
		return decodeMP3(r)
	case FormatVorbis:
		return decodeVorbis(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func decodeWAV(r io.ReadSeeker) (*Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrNotWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		return nil, ErrEmptyClip
	}
	bits := int(d.BitDepth)
	if bits <= 0 || bits > 32 {
		return nil, fmt.Errorf("wav: unsupported bit depth %d", bits)
	}
	scale := float32(int64(1) << (bits - 1))
	clip := newClip(buf.Format.SampleRate, channels, len(buf.Data)/channels)
	for i, v := range buf.Data[:clip.Len()*channels] {
		clip.Channels[i%channels][i/channels] = float32(v) / scale
	}
	return clip, nil
}

// decodeMP3 reads go-mp3's output: interleaved stereo, 16-bit little endian.
func decodeMP3(r io.Reader) (*Clip, error) {
	d, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("mp3: %w", err)
	}
	frames := len(pcm) / 4
	if frames == 0 {
		return nil, ErrEmptyClip
	}
	clip := newClip(d.SampleRate(), 2, frames)
	for i := 0; i < frames*2; i++ {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		clip.Channels[i%2][i/2] = float32(v) / 32768
	}
	return clip, nil
}

func decodeVorbis(r io.Reader) (*Clip, error) {
	data, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("ogg: %w", err)
	}
	if format.Channels <= 0 {
		return nil, ErrEmptyClip
	}
	clip := newClip(format.SampleRate, format.Channels, len(data)/format.Channels)
	for i, v := range data[:clip.Len()*format.Channels] {
		clip.Channels[i%format.Channels][i/format.Channels] = v
	}
	return clip, nil
}

func newClip(rate, channels, samples int) *Clip {
	c := &Clip{SampleRate: rate, Channels: make([][]float32, channels)}
	for i := range c.Channels {
		c.Channels[i] = make([]float32, samples)
	}
	return c
}

// Mono averages all channels into one.
func (c *Clip) Mono() *Clip {
	out := newClip(c.SampleRate, 1, c.Len())
	if len(c.Channels) == 0 {
		return out
	}
	inv := 1 / float32(len(c.Channels))
	for _, ch := range c.Channels {
		for i, v := range ch {
			out.Channels[0][i] += v * inv
		}
	}
	return out
}

// Resample converts the clip to rate with Catmull-Rom interpolation.
func (c *Clip) Resample(rate int) (*Clip, error) {
	if rate <= 0 || c.SampleRate <= 0 {
		return nil, fmt.Errorf("audio: resample %d Hz to %d Hz", c.SampleRate, rate)
	}
	if rate == c.SampleRate {
		return c, nil
	}
	n := c.Len()
	m := int(int64(n) * int64(rate) / int64(c.SampleRate))
	out := newClip(rate, len(c.Channels), m)
	step := float64(c.SampleRate) / float64(rate)
	at := func(ch []float32, i int) float32 { return ch[max(0, min(i, n-1))] }
	for k, ch := range c.Channels {
		for j := range out.Channels[k] {
			pos := float64(j) * step
			i := int(pos)
			x := float32(pos - float64(i))
			out.Channels[k][j] = cubic(at(ch, i-1), at(ch, i), at(ch, i+1), at(ch, i+2), x)
		}
	}
	return out, nil
}

func cubic(y0, y1, y2, y3, x float32) float32 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	return ((a0*x+a1)*x+a2)*x + y1
}

// toInt16 clamps to [-1, 1] and scales by 32767.
func toInt16(x float32) int {
	x = max(-1, min(1, x))
	return int(x * 32767)
}

// WriteWAV writes the clip as 16-bit PCM WAV to path.
func WriteWAV(path string, c *Clip) error {
	if len(c.Channels) == 0 {
		return ErrEmptyClip
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	if err := EncodeWAV(f, c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// EncodeWAV writes the clip as 16-bit PCM WAV to w.
func EncodeWAV(w io.WriteSeeker, c *Clip) error {
	channels := len(c.Channels)
	if channels == 0 {
		return ErrEmptyClip
	}
	n := c.Len()
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: c.SampleRate},
		Data:           make([]int, n*channels),
		SourceBitDepth: 16,
	}
	for i := 0; i < n; i++ {
		for k, ch := range c.Channels {
			buf.Data[i*channels+k] = toInt16(ch[i])
		}
	}
	enc := wav.NewEncoder(w, c.SampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: wav encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: wav encode: %w", err)
	}
	return nil
}
