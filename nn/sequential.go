package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Layer is one stage of a model: a pure function of its parameters and input.
//
// Backward receives the same input x that was given to Forward and recomputes
// whatever intermediates it needs, so no activations are cached between calls.
// Parameter gradients are accumulated into Param.Grad.
type Layer interface {
	Forward(x *Tensor[float32], mode Mode) (*Tensor[float32], error)
	Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error)
	Params() []*Param
}

// Param is a learnable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *Tensor[float32]
	Grad  *Tensor[float32]
}

func newParam(name string, shape ...int) *Param {
	return &Param{
		Name:  name,
		Value: NewTensor[float32](shape...),
		Grad:  NewTensor[float32](shape...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad.Data)
}

// heInit fills p with N(0, 2/fanIn) samples.
func heInit(p *Param, fanIn int, rng *rand.Rand) {
	stddev := math.Sqrt(2.0 / float64(fanIn))
	for i := range p.Value.Data {
		p.Value.Data[i] = float32(rng.NormFloat64() * stddev)
	}
}

// Prefixed returns views of ps whose names carry prefix. Values and gradients are shared.
func Prefixed(prefix string, ps []*Param) []*Param {
	out := make([]*Param, len(ps))
	for i, p := range ps {
		out[i] = &Param{Name: prefix + "." + p.Name, Value: p.Value, Grad: p.Grad}
	}
	return out
}

// ZeroGrads clears the gradients of every parameter in ps.
func ZeroGrads(ps []*Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// =============================================================================
// Sequential
// =============================================================================

// Sequential applies its stages in order.
type Sequential struct {
	Layers []Layer
}

// NewSequential builds a Sequential from layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

// Append adds layers to the end of the stack.
func (s *Sequential) Append(layers ...Layer) {
	s.Layers = append(s.Layers, layers...)
}

func (s *Sequential) Forward(x *Tensor[float32], mode Mode) (*Tensor[float32], error) {
	out, _, err := s.forwardAll(x, mode, false)
	return out, err
}

// Intermediates runs the stack and returns the output of every stage.
func (s *Sequential) Intermediates(x *Tensor[float32], mode Mode) ([]*Tensor[float32], error) {
	_, outs, err := s.forwardAll(x, mode, true)
	if err != nil {
		return nil, err
	}
	return outs[1:], nil
}

func (s *Sequential) forwardAll(x *Tensor[float32], mode Mode, keep bool) (*Tensor[float32], []*Tensor[float32], error) {
	var inputs []*Tensor[float32]
	if keep {
		inputs = make([]*Tensor[float32], 0, len(s.Layers)+1)
		inputs = append(inputs, x)
	}
	cur := x
	for i, layer := range s.Layers {
		next, err := layer.Forward(cur, mode)
		if err != nil {
			return nil, nil, fmt.Errorf("sequential layer %d: %w", i, err)
		}
		cur = next
		if keep {
			inputs = append(inputs, cur)
		}
	}
	return cur, inputs, nil
}

func (s *Sequential) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	_, inputs, err := s.forwardAll(x, Train, true)
	if err != nil {
		return nil, err
	}
	grad := gradOut
	for i := len(s.Layers) - 1; i >= 0; i-- {
		grad, err = s.Layers[i].Backward(inputs[i], grad)
		if err != nil {
			return nil, fmt.Errorf("sequential layer %d backward: %w", i, err)
		}
	}
	return grad, nil
}

// Params names parameters "<index>.<name>".
func (s *Sequential) Params() []*Param {
	var ps []*Param
	for i, layer := range s.Layers {
		ps = append(ps, Prefixed(fmt.Sprint(i), layer.Params())...)
	}
	return ps
}
