package rvq

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/soundstream/nn"
)

// Codebook is the state of one quantizer stage.
type Codebook struct {
	Embed       []float32 // [size][dim] centroids
	ClusterSize []float64 // [size] EMA of assignment counts
	EmbedSum    []float64 // [size][dim] EMA of summed assigned vectors
	Initted     bool      // false until k-means seeding has run
}

// State is the codebook state of a ResidualVQ. It lives for the whole
// training run, is mutated only by training-mode Quantize calls and is
// persisted with the model parameters.
type State struct {
	Stages []*Codebook
	Step   int64 // training updates applied so far

	size, dim int
}

// NewState allocates codebooks for cfg. Centroids start from a Kaiming
// uniform draw seeded by cfg.Seed; with KMeansInit they are replaced from the
// first training batch.
func NewState(cfg Config) (*State, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	bound := math.Sqrt(6 / float64(cfg.Dim))
	st := &State{size: cfg.CodebookSize, dim: cfg.Dim}
	for i := 0; i < cfg.NumQuantizers; i++ {
		cb := &Codebook{
			Embed:       make([]float32, cfg.CodebookSize*cfg.Dim),
			ClusterSize: make([]float64, cfg.CodebookSize),
			EmbedSum:    make([]float64, cfg.CodebookSize*cfg.Dim),
			Initted:     !cfg.KMeansInit,
		}
		for j := range cb.Embed {
			cb.Embed[j] = float32((2*rng.Float64() - 1) * bound)
			cb.EmbedSum[j] = float64(cb.Embed[j])
		}
		st.Stages = append(st.Stages, cb)
	}
	return st, nil
}

// Codebook returns a copy of the centroids of stage as [size][dim] vectors.
func (s *State) Codebook(stage int) [][]float32 {
	cb := s.Stages[stage]
	out := make([][]float32, s.size)
	for c := range out {
		out[c] = append([]float32(nil), cb.Embed[c*s.dim:(c+1)*s.dim]...)
	}
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{Step: s.Step, size: s.size, dim: s.dim}
	for _, cb := range s.Stages {
		out.Stages = append(out.Stages, &Codebook{
			Embed:       append([]float32(nil), cb.Embed...),
			ClusterSize: append([]float64(nil), cb.ClusterSize...),
			EmbedSum:    append([]float64(nil), cb.EmbedSum...),
			Initted:     cb.Initted,
		})
	}
	return out
}

func (s *State) centroids(stage int) [][]float32 {
	cb := s.Stages[stage]
	out := make([][]float32, s.size)
	for c := range out {
		out[c] = cb.Embed[c*s.dim : (c+1)*s.dim]
	}
	return out
}

// StateDict returns the state as safetensors entries named "<prefix>.<stage>.<field>".
func (s *State) StateDict(prefix string) map[string]nn.TensorWithShape {
	out := map[string]nn.TensorWithShape{
		prefix + ".step": {DType: "F64", Shape: []int{1}, Float64: []float64{float64(s.Step)}},
	}
	for i, cb := range s.Stages {
		p := fmt.Sprintf("%s.%d.", prefix, i)
		initted := float32(0)
		if cb.Initted {
			initted = 1
		}
		out[p+"embed"] = nn.TensorWithShape{DType: "F32", Shape: []int{s.size, s.dim}, Values: append([]float32(nil), cb.Embed...)}
		out[p+"cluster_size"] = nn.TensorWithShape{DType: "F64", Shape: []int{s.size}, Float64: append([]float64(nil), cb.ClusterSize...)}
		out[p+"embed_sum"] = nn.TensorWithShape{DType: "F64", Shape: []int{s.size, s.dim}, Float64: append([]float64(nil), cb.EmbedSum...)}
		out[p+"initted"] = nn.TensorWithShape{DType: "F32", Shape: []int{1}, Values: []float32{initted}}
	}
	return out
}

// LoadStateDict restores a state written by StateDict with the same prefix.
func (s *State) LoadStateDict(prefix string, tensors map[string]nn.TensorWithShape) error {
	step, ok := tensors[prefix+".step"]
	if !ok || len(step.Float64) != 1 {
		return fmt.Errorf("%w: checkpoint is missing %s.step", nn.ErrShape, prefix)
	}
	for i, cb := range s.Stages {
		p := fmt.Sprintf("%s.%d.", prefix, i)
		embed, e1 := tensors[p+"embed"]
		cs, e2 := tensors[p+"cluster_size"]
		sum, e3 := tensors[p+"embed_sum"]
		initted, e4 := tensors[p+"initted"]
		if !e1 || !e2 || !e3 || !e4 {
			return fmt.Errorf("%w: checkpoint is missing codebook %d", nn.ErrShape, i)
		}
		if len(embed.Values) != len(cb.Embed) || len(cs.Float64) != len(cb.ClusterSize) ||
			len(sum.Float64) != len(cb.EmbedSum) || len(initted.Values) != 1 {
			return fmt.Errorf("%w: codebook %d has the wrong size", nn.ErrShape, i)
		}
		copy(cb.Embed, embed.Values)
		copy(cb.ClusterSize, cs.Float64)
		copy(cb.EmbedSum, sum.Float64)
		cb.Initted = initted.Values[0] != 0
	}
	s.Step = int64(step.Float64[0])
	return nil
}
