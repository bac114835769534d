package rvq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/cwbudde/algo-vecmath"
	"github.com/openfluke/soundstream/nn"
)

// ErrIndexRange is returned when a code index lies outside [0, codebook_size).
var ErrIndexRange = errors.New("rvq: code index out of range")

// ResidualVQ quantizes [batch][dim][frames] latents with a chain of
// codebooks, each stage coding the residual the previous stages left.
// It holds no mutable state: codebooks live in a State passed to each call.
type ResidualVQ struct {
	cfg Config
}

// New validates cfg.
func New(cfg Config) (*ResidualVQ, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ResidualVQ{cfg: cfg}, nil
}

// Config returns the quantizer configuration.
func (q *ResidualVQ) Config() Config { return q.cfg }

// NewState allocates codebook state for q.
func (q *ResidualVQ) NewState() (*State, error) { return NewState(q.cfg) }

// Result is the output of one Quantize call.
type Result struct {
	Quantized *nn.Tensor[float32] // [batch][dim][frames], sum of the stage outputs
	Indices   *nn.Tensor[int32]   // [stage][batch][frames]
	Losses    []float64           // weighted commitment loss per stage

	// Residuals[i] is the input of stage i and StageQuantized[i] its chosen
	// centroids, both [batch][dim][frames]. Backward needs them.
	Residuals      []*nn.Tensor[float32]
	StageQuantized []*nn.Tensor[float32]
}

// Loss returns the sum of the per-stage losses.
func (r *Result) Loss() float64 {
	var s float64
	for _, l := range r.Losses {
		s += l
	}
	return s
}

// Quantize codes x with the codebooks in st. In Train mode each stage then
// folds the batch statistics, summed over sync, into its EMA codebook and
// revives dead codes; the returned centroids are those in effect before the
// update. A nil sync means a single worker.
func (q *ResidualVQ) Quantize(ctx context.Context, st *State, x *nn.Tensor[float32], mode nn.Mode, sync Synchronizer) (*Result, error) {
	if len(x.Shape) != 3 || x.Shape[1] != q.cfg.Dim {
		return nil, fmt.Errorf("%w: quantizer expects [batch][%d][frames], got %v", nn.ErrShape, q.cfg.Dim, x.Shape)
	}
	if len(st.Stages) != q.cfg.NumQuantizers || st.size != q.cfg.CodebookSize || st.dim != q.cfg.Dim {
		return nil, fmt.Errorf("%w: state does not match quantizer configuration", nn.ErrConfig)
	}
	if sync == nil {
		sync = single{}
	}

	b, d, t := x.Shape[0], x.Shape[1], x.Shape[2]
	n := b * t
	if n == 0 {
		return nil, fmt.Errorf("%w: quantizer input %v is empty", nn.ErrShape, x.Shape)
	}
	res := &Result{
		Quantized: nn.NewTensor[float32](b, d, t),
		Indices:   nn.NewTensor[int32](q.cfg.NumQuantizers, b, t),
		Losses:    make([]float64, q.cfg.NumQuantizers),
	}

	residual := toVectors(x)
	for stage := 0; stage < q.cfg.NumQuantizers; stage++ {
		res.Residuals = append(res.Residuals, fromVectors(residual, b, t))

		var gathered [][]float32
		gather := func() ([][]float32, error) {
			if gathered == nil {
				all, err := sync.AllGather(ctx, flatten(residual))
				if err != nil {
					return nil, err
				}
				gathered = unflatten(all, d)
			}
			return gathered, nil
		}

		cb := st.Stages[stage]
		if mode == nn.Train && !cb.Initted {
			all, err := gather()
			if err != nil {
				return nil, err
			}
			q.seed(st, stage, all)
		}

		assign := make([]int, n)
		nn.AssignNearest(residual, st.centroids(stage), assign)

		chosen := make([][]float32, n)
		var sq float64
		for i, c := range assign {
			res.Indices.Data[(stage*b+i/t)*t+i%t] = int32(c)
			chosen[i] = append([]float32(nil), cb.Embed[c*d:(c+1)*d]...)
			for j, v := range chosen[i] {
				diff := float64(v) - float64(residual[i][j])
				sq += diff * diff
			}
		}
		res.Losses[stage] = q.cfg.CommitmentWeight * sq / float64(n*d)

		stageOut := fromVectors(chosen, b, t)
		res.StageQuantized = append(res.StageQuantized, stageOut)
		if err := nn.AddInPlace(res.Quantized, stageOut); err != nil {
			return nil, err
		}

		if mode == nn.Train {
			if err := q.update(ctx, st, stage, residual, assign, sync, gather); err != nil {
				return nil, err
			}
		}

		for i := range residual {
			for j := range residual[i] {
				residual[i][j] -= chosen[i][j]
			}
		}
	}
	if mode == nn.Train {
		st.Step++
	}
	return res, nil
}

// stageRNG is shared by all workers: it depends only on the seed, the
// training step and the stage.
func (q *ResidualVQ) stageRNG(st *State, stage int) *rand.Rand {
	return rand.New(rand.NewSource(q.cfg.Seed + st.Step*int64(q.cfg.NumQuantizers+1) + int64(stage) + 1))
}

// seed replaces the stage's codebook with k-means centroids of all, the
// residuals gathered from every worker.
func (q *ResidualVQ) seed(st *State, stage int, all [][]float32) {
	cb := st.Stages[stage]
	d := q.cfg.Dim
	centroids, assign := nn.KMeansCluster(all, q.cfg.CodebookSize, q.cfg.KMeansIters, q.stageRNG(st, stage))
	clear(cb.ClusterSize)
	for _, c := range assign {
		cb.ClusterSize[c]++
	}
	for c, centroid := range centroids {
		copy(cb.Embed[c*d:(c+1)*d], centroid)
		for j, v := range centroid {
			cb.EmbedSum[c*d+j] = float64(v) * cb.ClusterSize[c]
		}
	}
	cb.Initted = true
	q.cfg.logf("rvq: stage %d seeded %d codes by k-means on %d vectors", stage, q.cfg.CodebookSize, len(all))
}

// update applies one EMA step to the stage's codebook and revives dead codes.
func (q *ResidualVQ) update(ctx context.Context, st *State, stage int, residual [][]float32, assign []int, sync Synchronizer, gather func() ([][]float32, error)) error {
	cb := st.Stages[stage]
	size, d := q.cfg.CodebookSize, q.cfg.Dim

	// Local counts and sums, reduced across workers in one collective.
	stats := make([]float64, size+size*d)
	bins, sums := stats[:size], stats[size:]
	for i, c := range assign {
		bins[c]++
		for j, v := range residual[i] {
			sums[c*d+j] += float64(v)
		}
	}
	if err := sync.AllReduceSum(ctx, stats); err != nil {
		return err
	}

	ema(cb.ClusterSize, bins, q.cfg.Decay)
	ema(cb.EmbedSum, sums, q.cfg.Decay)

	// Laplace smoothing keeps every count positive.
	var total float64
	for _, n := range cb.ClusterSize {
		total += n
	}
	eps := q.cfg.Epsilon
	for c := 0; c < size && total > 0; c++ {
		smoothed := (cb.ClusterSize[c] + eps) / (total + float64(size)*eps) * total
		for j := 0; j < d; j++ {
			cb.Embed[c*d+j] = float32(cb.EmbedSum[c*d+j] / smoothed)
		}
	}

	return q.expire(st, stage, gather)
}

// expire replaces every code whose EMA usage fell below the threshold with a
// vector sampled from the gathered batch and resets its statistics.
func (q *ResidualVQ) expire(st *State, stage int, gather func() ([][]float32, error)) error {
	cb := st.Stages[stage]
	threshold := q.cfg.ThresholdEMADeadCode
	var dead []int
	for c, size := range cb.ClusterSize {
		if size < threshold {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return nil
	}
	all, err := gather()
	if err != nil {
		return err
	}
	d := q.cfg.Dim
	picks := nn.SampleIndices(len(all), len(dead), q.stageRNG(st, stage))
	for i, c := range dead {
		v := all[picks[i]]
		copy(cb.Embed[c*d:(c+1)*d], v)
		cb.ClusterSize[c] = threshold
		for j, x := range v {
			cb.EmbedSum[c*d+j] = float64(x) * threshold
		}
	}
	q.cfg.logf("rvq: stage %d step %d revived %d dead codes", stage, st.Step, len(dead))
	return nil
}

// ema folds x into avg: avg = decay*avg + (1-decay)*x.
func ema(avg, x []float64, decay float64) {
	scratch := make([]float64, len(x))
	vecmath.ScaleBlock(avg, avg, decay)
	vecmath.ScaleBlock(scratch, x, 1-decay)
	vecmath.AddBlockInPlace(avg, scratch)
}

// Dequantize sums the centroids selected by indices ([stage][batch][frames]).
func (q *ResidualVQ) Dequantize(st *State, indices *nn.Tensor[int32]) (*nn.Tensor[float32], error) {
	if len(indices.Shape) != 3 || indices.Shape[0] != len(st.Stages) || len(st.Stages) == 0 {
		return nil, fmt.Errorf("%w: indices must be [%d][batch][frames], got %v", nn.ErrShape, len(st.Stages), indices.Shape)
	}
	b, t, d := indices.Shape[1], indices.Shape[2], st.dim
	out := nn.NewTensor[float32](b, d, t)
	for stage, cb := range st.Stages {
		for bi := 0; bi < b; bi++ {
			for ti := 0; ti < t; ti++ {
				c := int(indices.Data[(stage*b+bi)*t+ti])
				if c < 0 || c >= st.size {
					return nil, fmt.Errorf("%w: stage %d index %d", ErrIndexRange, stage, c)
				}
				for j := 0; j < d; j++ {
					out.Data[(bi*d+j)*t+ti] += cb.Embed[c*d+j]
				}
			}
		}
	}
	return out, nil
}

// Backward returns the gradient with respect to the quantizer input given the
// gradient of the quantized output and the weight of the summed commitment
// losses in the objective. Every stage passes the output gradient straight
// through to its residual, and each residual is the input minus constants.
func (q *ResidualVQ) Backward(res *Result, gradQuantized *nn.Tensor[float32], lossWeight float64) (*nn.Tensor[float32], error) {
	if !nn.SameShape(gradQuantized, res.Quantized) {
		return nil, fmt.Errorf("%w: quantizer grad %v for output %v", nn.ErrShape, gradQuantized.Shape, res.Quantized.Shape)
	}
	stages := len(res.Residuals)
	grad := nn.NewTensor[float32](gradQuantized.Shape...)
	for i, g := range gradQuantized.Data {
		grad.Data[i] = float32(stages) * g
	}
	if lossWeight == 0 {
		return grad, nil
	}
	scale := 2 * lossWeight * q.cfg.CommitmentWeight / float64(grad.Size())
	for s := 0; s < stages; s++ {
		r, qs := res.Residuals[s].Data, res.StageQuantized[s].Data
		for i := range grad.Data {
			grad.Data[i] += float32(scale * (float64(r[i]) - float64(qs[i])))
		}
	}
	return grad, nil
}

// toVectors turns [batch][dim][frames] into one dim-vector per (batch, frame).
func toVectors(x *nn.Tensor[float32]) [][]float32 {
	b, d, t := x.Shape[0], x.Shape[1], x.Shape[2]
	out := make([][]float32, b*t)
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			v := make([]float32, d)
			for j := range v {
				v[j] = x.Data[(bi*d+j)*t+ti]
			}
			out[bi*t+ti] = v
		}
	}
	return out
}

func fromVectors(vs [][]float32, b, t int) *nn.Tensor[float32] {
	d := len(vs[0])
	out := nn.NewTensor[float32](b, d, t)
	for i, v := range vs {
		bi, ti := i/t, i%t
		for j, x := range v {
			out.Data[(bi*d+j)*t+ti] = x
		}
	}
	return out
}

func flatten(vs [][]float32) []float32 {
	var out []float32
	for _, v := range vs {
		out = append(out, v...)
	}
	return out
}

func unflatten(data []float32, d int) [][]float32 {
	out := make([][]float32, len(data)/d)
	for i := range out {
		out[i] = data[i*d : (i+1)*d]
	}
	return out
}
