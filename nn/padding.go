package nn

import "fmt"

// Padding placement for PaddingFor.
const (
	PadCentered   = "centered"
	PadCausal     = "causal"
	PadAntiCausal = "anticausal"
)

// Fill modes for convolution inputs.
const (
	PaddingZeros   = "zeros"
	PaddingReflect = "reflect"
)

// PaddingFor returns the (left, right) padding that keeps a stride-1 conv
// length preserving, placed according to mode.
func PaddingFor(kernelSize, dilation int, mode string) (left, right int, err error) {
	if kernelSize == 1 {
		return 0, 0, nil
	}
	p := (kernelSize-1)*dilation + 1
	half := p / 2
	switch mode {
	case PadCentered:
		return half, half, nil
	case PadCausal:
		return 2 * half, 0, nil
	case PadAntiCausal:
		return 0, 2 * half, nil
	default:
		return 0, 0, fmt.Errorf("%w: %q", ErrPaddingMode, mode)
	}
}

func checkFillMode(mode string) error {
	switch mode {
	case "", PaddingZeros, PaddingReflect:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrPaddingMode, mode)
	}
}

func reflectIndex(i, n int) int {
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*(n-1) - i
	}
	return i
}

// =============================================================================
// ReflectionPad1d
// =============================================================================

// ReflectionPad1d mirrors the time axis of a [B][C][L] tensor around its edges.
type ReflectionPad1d struct {
	Left, Right int
}

// NewReflectionPad1d pads both sides by p.
func NewReflectionPad1d(p int) *ReflectionPad1d {
	return &ReflectionPad1d{Left: p, Right: p}
}

func (r *ReflectionPad1d) check(x *Tensor[float32]) error {
	if err := expectRank(x, 3, "reflection pad"); err != nil {
		return err
	}
	if l := x.Shape[2]; r.Left >= l || r.Right >= l {
		return fmt.Errorf("%w: reflection padding (%d, %d) needs input length > padding, got %d", ErrShape, r.Left, r.Right, l)
	}
	return nil
}

func (r *ReflectionPad1d) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	if err := r.check(x); err != nil {
		return nil, err
	}
	rows, l := x.Shape[0]*x.Shape[1], x.Shape[2]
	n := l + r.Left + r.Right
	out := NewTensor[float32](x.Shape[0], x.Shape[1], n)
	for row := 0; row < rows; row++ {
		src := x.Data[row*l : (row+1)*l]
		dst := out.Data[row*n : (row+1)*n]
		for j := range dst {
			dst[j] = src[reflectIndex(j-r.Left, l)]
		}
	}
	return out, nil
}

func (r *ReflectionPad1d) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	if err := r.check(x); err != nil {
		return nil, err
	}
	rows, l := x.Shape[0]*x.Shape[1], x.Shape[2]
	n := l + r.Left + r.Right
	if gradOut.Size() != rows*n {
		return nil, fmt.Errorf("%w: reflection pad grad %v for input %v", ErrShape, gradOut.Shape, x.Shape)
	}
	gradIn := NewTensor[float32](x.Shape...)
	for row := 0; row < rows; row++ {
		src := gradOut.Data[row*n : (row+1)*n]
		dst := gradIn.Data[row*l : (row+1)*l]
		for j, g := range src {
			dst[reflectIndex(j-r.Left, l)] += g
		}
	}
	return gradIn, nil
}

func (r *ReflectionPad1d) Params() []*Param { return nil }

// =============================================================================
// ZeroPad2d
// =============================================================================

// ZeroPad2d zero-pads the last two axes of a [B][C][H][W] tensor.
type ZeroPad2d struct {
	Left, Right, Top, Bottom int
}

func (z *ZeroPad2d) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	if err := expectRank(x, 4, "zero pad 2d"); err != nil {
		return nil, err
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h+z.Top+z.Bottom, w+z.Left+z.Right
	out := NewTensor[float32](b, c, oh, ow)
	for plane := 0; plane < b*c; plane++ {
		for i := 0; i < h; i++ {
			src := x.Data[(plane*h+i)*w : (plane*h+i+1)*w]
			dstStart := (plane*oh+i+z.Top)*ow + z.Left
			copy(out.Data[dstStart:dstStart+w], src)
		}
	}
	return out, nil
}

func (z *ZeroPad2d) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	if err := expectRank(x, 4, "zero pad 2d"); err != nil {
		return nil, err
	}
	b, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h+z.Top+z.Bottom, w+z.Left+z.Right
	if gradOut.Size() != b*c*oh*ow {
		return nil, fmt.Errorf("%w: zero pad grad %v for input %v", ErrShape, gradOut.Shape, x.Shape)
	}
	gradIn := NewTensor[float32](x.Shape...)
	for plane := 0; plane < b*c; plane++ {
		for i := 0; i < h; i++ {
			srcStart := (plane*oh+i+z.Top)*ow + z.Left
			copy(gradIn.Data[(plane*h+i)*w:(plane*h+i+1)*w], gradOut.Data[srcStart:srcStart+w])
		}
	}
	return gradIn, nil
}

func (z *ZeroPad2d) Params() []*Param { return nil }
