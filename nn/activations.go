package nn

import (
	"fmt"
	"math"
)

// ActivationType defines the element-wise nonlinearity applied by an Activation layer
type ActivationType int

const (
	ActivationIdentity  ActivationType = 0 // v
	ActivationELU       ActivationType = 1 // v if v > 0, else exp(v) - 1
	ActivationLeakyReLU ActivationType = 2 // v if v >= 0, else v * 0.2
	ActivationTanh      ActivationType = 3 // tanh(v)
)

// LeakySlope is the negative slope used by the discriminators.
const LeakySlope = 0.2

func (a ActivationType) String() string {
	switch a {
	case ActivationIdentity:
		return "identity"
	case ActivationELU:
		return "elu"
	case ActivationLeakyReLU:
		return "leaky_relu"
	case ActivationTanh:
		return "tanh"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// Activate applies the activation function to a single value.
func Activate[T Numeric](v T, activation ActivationType) T {
	switch activation {
	case ActivationELU:
		if v > 0 {
			return v
		}
		return T(math.Expm1(float64(v)))
	case ActivationLeakyReLU:
		if v < 0 {
			return T(float64(v) * LeakySlope)
		}
		return v
	case ActivationTanh:
		return T(math.Tanh(float64(v)))
	default:
		return v
	}
}

// ActivateDerivative computes the derivative with respect to the PRE-activation value
func ActivateDerivative[T Numeric](preActivation T, activation ActivationType) T {
	switch activation {
	case ActivationELU:
		if preActivation > 0 {
			return 1
		}
		return T(math.Exp(float64(preActivation)))
	case ActivationLeakyReLU:
		if preActivation >= 0 {
			return 1
		}
		slope := float64(LeakySlope)
		return T(slope)
	case ActivationTanh:
		t := math.Tanh(float64(preActivation))
		return T(1 - t*t)
	default:
		return 1
	}
}

// Activation is a parameter-free element-wise layer.
type Activation struct {
	Type ActivationType
}

// ELU returns an ELU(alpha=1) layer.
func ELU() *Activation { return &Activation{Type: ActivationELU} }

// LeakyReLU returns a LeakyReLU(0.2) layer.
func LeakyReLU() *Activation { return &Activation{Type: ActivationLeakyReLU} }

func (a *Activation) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	out := NewTensor[float32](x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = Activate(v, a.Type)
	}
	return out, nil
}

func (a *Activation) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	if !SameShape(x, gradOut) {
		return nil, fmt.Errorf("%w: %s backward: input %v, grad %v", ErrShape, a.Type, x.Shape, gradOut.Shape)
	}
	gradIn := NewTensor[float32](x.Shape...)
	for i, v := range x.Data {
		gradIn.Data[i] = gradOut.Data[i] * ActivateDerivative(v, a.Type)
	}
	return gradIn, nil
}

func (a *Activation) Params() []*Param { return nil }
