package discriminator

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// stack is an ordered list of layers whose every output is a feature map.
type stack []nn.Layer

func (s stack) forward(x *nn.Tensor[float32], mode nn.Mode) ([]*nn.Tensor[float32], error) {
	features := make([]*nn.Tensor[float32], 0, len(s))
	for i, layer := range s {
		var err error
		if x, err = layer.Forward(x, mode); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		features = append(features, x)
	}
	return features, nil
}

// backward returns the input gradient given one gradient per feature map.
// A nil entry contributes nothing.
func (s stack) backward(x *nn.Tensor[float32], grads []*nn.Tensor[float32]) (*nn.Tensor[float32], error) {
	if len(grads) != len(s) {
		return nil, fmt.Errorf("%w: %d feature gradients for %d layers", nn.ErrShape, len(grads), len(s))
	}
	features, err := s.forward(x, nn.Train)
	if err != nil {
		return nil, err
	}
	var g *nn.Tensor[float32]
	for i := len(s) - 1; i >= 0; i-- {
		if grads[i] != nil {
			if g == nil {
				g = grads[i].Clone()
			} else if err := nn.AddInPlace(g, grads[i]); err != nil {
				return nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
		if g == nil {
			continue
		}
		in := x
		if i > 0 {
			in = features[i-1]
		}
		if g, err = s[i].Backward(in, g); err != nil {
			return nil, fmt.Errorf("layer %d backward: %w", i, err)
		}
	}
	if g == nil {
		g = nn.NewTensor[float32](x.Shape...)
	}
	return g, nil
}

func (s stack) params() []*nn.Param {
	return nn.NewSequential(s...).Params()
}

// Masks expands valid lengths into per-step validity flags: masks[b][t] is
// true for t < lengths[b].
func Masks(lengths []int, maxLen int) [][]bool {
	masks := make([][]bool, len(lengths))
	for b, n := range lengths {
		masks[b] = make([]bool, maxLen)
		for t := 0; t < min(n, maxLen); t++ {
			masks[b][t] = true
		}
	}
	return masks
}

// mapLengths applies f to every length and rejects non-positive results.
func mapLengths(lengths []int, f func(int) int) ([]int, error) {
	out := make([]int, len(lengths))
	for i, l := range lengths {
		out[i] = f(l)
		if out[i] <= 0 {
			return nil, fmt.Errorf("%w: input length %d gives feature length %d", nn.ErrShape, l, out[i])
		}
	}
	return out, nil
}

// floorDiv rounds toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func save(path string, ps []*nn.Param) error {
	return nn.SaveSafetensors(path, nn.ParamTensors(ps))
}

func load(path string, ps []*nn.Param) error {
	tensors, err := nn.LoadSafetensors(path)
	if err != nil {
		return err
	}
	return nn.LoadParams(ps, tensors)
}
