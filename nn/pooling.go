package nn

import "fmt"

// AvgPool1d averages windows along the time axis of a [B][C][L] tensor.
// Padded positions are excluded from the divisor, so edge windows average
// only the samples they cover.
type AvgPool1d struct {
	KernelSize int
	Stride     int
	Padding    int
}

// NewAvgPool1d returns the pooler used between discriminator scales:
// kernel 4, stride 2, padding 1, which maps length L to floor(L/2).
func NewAvgPool1d() *AvgPool1d {
	return &AvgPool1d{KernelSize: 4, Stride: 2, Padding: 1}
}

// OutLength maps an input length to the pooled length.
func (p *AvgPool1d) OutLength(length int) int {
	n := length + 2*p.Padding - p.KernelSize
	if n < 0 {
		return 0
	}
	return n/p.Stride + 1
}

func (p *AvgPool1d) window(o, length int) (lo, hi int) {
	lo = o*p.Stride - p.Padding
	hi = lo + p.KernelSize
	return max(lo, 0), min(hi, length)
}

func (p *AvgPool1d) check(x *Tensor[float32]) (int, error) {
	if err := expectRank(x, 3, "avg pool 1d"); err != nil {
		return 0, err
	}
	if p.Padding*2 > p.KernelSize {
		return 0, fmt.Errorf("%w: avg pool padding %d exceeds half kernel %d", ErrConfig, p.Padding, p.KernelSize)
	}
	n := p.OutLength(x.Shape[2])
	if n <= 0 {
		return 0, fmt.Errorf("%w: avg pool on input length %d", ErrShape, x.Shape[2])
	}
	return n, nil
}

func (p *AvgPool1d) Forward(x *Tensor[float32], _ Mode) (*Tensor[float32], error) {
	n, err := p.check(x)
	if err != nil {
		return nil, err
	}
	rows, l := x.Shape[0]*x.Shape[1], x.Shape[2]
	out := NewTensor[float32](x.Shape[0], x.Shape[1], n)
	for row := 0; row < rows; row++ {
		src := x.Data[row*l : (row+1)*l]
		dst := out.Data[row*n : (row+1)*n]
		for o := range dst {
			lo, hi := p.window(o, l)
			var sum float32
			for _, v := range src[lo:hi] {
				sum += v
			}
			dst[o] = sum / float32(hi-lo)
		}
	}
	return out, nil
}

func (p *AvgPool1d) Backward(x, gradOut *Tensor[float32]) (*Tensor[float32], error) {
	n, err := p.check(x)
	if err != nil {
		return nil, err
	}
	rows, l := x.Shape[0]*x.Shape[1], x.Shape[2]
	if gradOut.Size() != rows*n {
		return nil, fmt.Errorf("%w: avg pool grad %v for input %v", ErrShape, gradOut.Shape, x.Shape)
	}
	gradIn := NewTensor[float32](x.Shape...)
	for row := 0; row < rows; row++ {
		src := gradOut.Data[row*n : (row+1)*n]
		dst := gradIn.Data[row*l : (row+1)*l]
		for o, g := range src {
			lo, hi := p.window(o, l)
			share := g / float32(hi-lo)
			for i := lo; i < hi; i++ {
				dst[i] += share
			}
		}
	}
	return gradIn, nil
}

func (p *AvgPool1d) Params() []*Param { return nil }
