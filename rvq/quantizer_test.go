package rvq

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/openfluke/soundstream/nn"
)

func smallConfig() Config {
	cfg := DefaultConfig(3)
	cfg.NumQuantizers = 3
	cfg.CodebookSize = 8
	cfg.Seed = 11
	return cfg
}

func newQuantizer(t *testing.T, cfg Config) (*ResidualVQ, *State) {
	t.Helper()
	q, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	st, err := q.NewState()
	if err != nil {
		t.Fatal(err)
	}
	return q, st
}

func TestQuantizeFrozenIsDeterministic(t *testing.T) {
	q, st := newQuantizer(t, smallConfig())
	x := nn.RandomTensor(rand.New(rand.NewSource(1)), 2, 3, 10)
	ctx := context.Background()

	// Seed the codebooks once, then freeze.
	if _, err := q.Quantize(ctx, st, x, nn.Train, nil); err != nil {
		t.Fatal(err)
	}
	frozen := st.Clone()
	a, err := q.Quantize(ctx, st, x, nn.Eval, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.Quantize(ctx, st, x, nn.Eval, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Indices.Data {
		if a.Indices.Data[i] != b.Indices.Data[i] {
			t.Fatalf("index %d differs between identical eval calls", i)
		}
	}
	for s := range st.Stages {
		for i, v := range frozen.Stages[s].Embed {
			if st.Stages[s].Embed[i] != v {
				t.Fatalf("eval call mutated stage %d", s)
			}
		}
	}
	if st.Step != 1 {
		t.Errorf("expected one training step, got %d", st.Step)
	}
}

func TestDequantizeReconstructsQuantized(t *testing.T) {
	q, st := newQuantizer(t, smallConfig())
	x := nn.RandomTensor(rand.New(rand.NewSource(2)), 2, 3, 7)
	ctx := context.Background()
	if _, err := q.Quantize(ctx, st, x, nn.Train, nil); err != nil {
		t.Fatal(err)
	}
	res, err := q.Quantize(ctx, st, x, nn.Eval, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Indices.Shape[0] != 3 || res.Indices.Shape[1] != 2 || res.Indices.Shape[2] != 7 {
		t.Fatalf("unexpected index shape %v", res.Indices.Shape)
	}
	back, err := q.Dequantize(st, res.Indices)
	if err != nil {
		t.Fatal(err)
	}
	if d := nn.MaxAbsDiff(back, res.Quantized); d > 1e-5 {
		t.Errorf("dequantized indices differ from quantized output by %g", d)
	}

	// Each further stage can only shrink the residual.
	for s := 1; s < len(res.Residuals); s++ {
		if norm(res.Residuals[s]) > norm(res.Residuals[s-1])+1e-6 {
			t.Errorf("stage %d residual grew", s)
		}
	}

	res.Indices.Data[0] = 8
	if _, err := q.Dequantize(st, res.Indices); !errors.Is(err, ErrIndexRange) {
		t.Errorf("expected ErrIndexRange, got %v", err)
	}
}

func norm(x *nn.Tensor[float32]) float64 {
	var s float64
	for _, v := range x.Data {
		s += float64(v) * float64(v)
	}
	return math.Sqrt(s)
}

func TestDeadCodesAreRevived(t *testing.T) {
	cfg := smallConfig()
	cfg.NumQuantizers = 1
	cfg.CodebookSize = 4
	cfg.KMeansInit = false
	q, st := newQuantizer(t, cfg)

	// Twenty copies of one vector: a single code is used.
	x := nn.NewTensor[float32](1, 3, 20)
	for i := 0; i < 20; i++ {
		x.Data[i], x.Data[20+i], x.Data[40+i] = 5, -5, 5
	}
	before := st.Clone()
	res, err := q.Quantize(context.Background(), st, x, nn.Train, nil)
	if err != nil {
		t.Fatal(err)
	}
	used := int(res.Indices.Data[0])
	cb := st.Stages[0]
	for c := 0; c < 4; c++ {
		if c == used {
			if want := (1 - cfg.Decay) * 20; math.Abs(cb.ClusterSize[c]-want) > 1e-9 {
				t.Errorf("used code: expected cluster size %g, got %g", want, cb.ClusterSize[c])
			}
			continue
		}
		if cb.ClusterSize[c] != cfg.ThresholdEMADeadCode {
			t.Errorf("dead code %d: usage not reset, got %g", c, cb.ClusterSize[c])
		}
		same := true
		for j := 0; j < 3; j++ {
			if cb.Embed[c*3+j] != before.Stages[0].Embed[c*3+j] {
				same = false
			}
		}
		if same {
			t.Errorf("dead code %d was not reinitialised", c)
		}
		if cb.Embed[c*3] != 5 || cb.Embed[c*3+1] != -5 {
			t.Errorf("dead code %d should be resampled from the batch, got %v", c, cb.Embed[c*3:c*3+3])
		}
	}
}

func TestWorkersConvergeToIdenticalCodebooks(t *testing.T) {
	cfg := smallConfig()
	q, initial := newQuantizer(t, cfg)
	group := NewLocalGroup(2)
	states := []*State{initial.Clone(), initial.Clone()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(100 + rank)))
			member := group.Member(rank)
			for step := 0; step < 4; step++ {
				x := nn.RandomTensor(rng, 2, 3, 6+rank)
				if _, err := q.Quantize(ctx, states[rank], x, nn.Train, member); err != nil {
					errs[rank] = err
					return
				}
			}
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", rank, err)
		}
	}

	for s := range states[0].Stages {
		a, b := states[0].Stages[s], states[1].Stages[s]
		for i := range a.Embed {
			if math.Float32bits(a.Embed[i]) != math.Float32bits(b.Embed[i]) {
				t.Fatalf("stage %d centroid value %d differs between workers", s, i)
			}
		}
		for i := range a.ClusterSize {
			if a.ClusterSize[i] != b.ClusterSize[i] {
				t.Fatalf("stage %d cluster size %d differs between workers", s, i)
			}
		}
	}
}

func TestCommitmentGradientMatchesFiniteDifference(t *testing.T) {
	q, st := newQuantizer(t, smallConfig())
	x := nn.RandomTensor(rand.New(rand.NewSource(5)), 1, 3, 9)
	ctx := context.Background()
	if _, err := q.Quantize(ctx, st, x, nn.Train, nil); err != nil {
		t.Fatal(err)
	}
	res, err := q.Quantize(ctx, st, x, nn.Eval, nil)
	if err != nil {
		t.Fatal(err)
	}
	grad, err := q.Backward(res, nn.NewTensor[float32](res.Quantized.Shape...), 1)
	if err != nil {
		t.Fatal(err)
	}

	const eps = 1e-3
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		up, _ := q.Quantize(ctx, st, x, nn.Eval, nil)
		x.Data[i] = orig - eps
		down, _ := q.Quantize(ctx, st, x, nn.Eval, nil)
		x.Data[i] = orig
		if !sameIndices(up, res) || !sameIndices(down, res) {
			continue
		}
		numeric := (up.Loss() - down.Loss()) / (2 * eps)
		if math.Abs(numeric-float64(grad.Data[i])) > 1e-2*math.Max(1, math.Abs(numeric)) {
			t.Errorf("element %d: analytic %g, numeric %g", i, grad.Data[i], numeric)
		}
	}

	// Straight-through part: every stage passes the output gradient on.
	ones := nn.NewTensor[float32](res.Quantized.Shape...)
	for i := range ones.Data {
		ones.Data[i] = 1
	}
	st2, _ := q.Backward(res, ones, 0)
	if st2.Data[0] != 3 {
		t.Errorf("expected straight-through gradient 3 (one per stage), got %g", st2.Data[0])
	}
}

func sameIndices(a, b *Result) bool {
	for i := range a.Indices.Data {
		if a.Indices.Data[i] != b.Indices.Data[i] {
			return false
		}
	}
	return true
}

func TestStateDictRoundTrip(t *testing.T) {
	q, st := newQuantizer(t, smallConfig())
	if _, err := q.Quantize(context.Background(), st, nn.RandomTensor(rand.New(rand.NewSource(3)), 1, 3, 12), nn.Train, nil); err != nil {
		t.Fatal(err)
	}
	data, err := nn.SerializeSafetensors(st.StateDict("quantizer"))
	if err != nil {
		t.Fatal(err)
	}
	tensors, err := nn.LoadSafetensorsFromBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	_, restored := newQuantizer(t, smallConfig())
	if err := restored.LoadStateDict("quantizer", tensors); err != nil {
		t.Fatal(err)
	}
	if restored.Step != st.Step {
		t.Errorf("step: expected %d, got %d", st.Step, restored.Step)
	}
	for s := range st.Stages {
		if !restored.Stages[s].Initted {
			t.Errorf("stage %d lost its initialised flag", s)
		}
		for i, v := range st.Stages[s].ClusterSize {
			if restored.Stages[s].ClusterSize[i] != v {
				t.Fatalf("stage %d cluster size %d not restored", s, i)
			}
		}
	}
	if err := restored.LoadStateDict("other", tensors); !errors.Is(err, nn.ErrShape) {
		t.Errorf("wrong prefix: expected ErrShape, got %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	bad := []func(*Config){
		func(c *Config) { c.NumQuantizers = 0 },
		func(c *Config) { c.CodebookSize = -1 },
		func(c *Config) { c.Decay = 1.5 },
		func(c *Config) { c.Epsilon = 0 },
		func(c *Config) { c.ThresholdEMADeadCode = -1 },
	}
	for i, mutate := range bad {
		cfg := smallConfig()
		mutate(&cfg)
		if _, err := New(cfg); !errors.Is(err, nn.ErrConfig) {
			t.Errorf("case %d: expected ErrConfig, got %v", i, err)
		}
	}

	q, st := newQuantizer(t, smallConfig())
	if _, err := q.Quantize(context.Background(), st, nn.NewTensor[float32](1, 4, 5), nn.Eval, nil); !errors.Is(err, nn.ErrShape) {
		t.Errorf("wrong latent dim: expected ErrShape, got %v", err)
	}
}

func TestLocalGroupHonoursContext(t *testing.T) {
	group := NewLocalGroup(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := group.Member(0).AllReduceSum(ctx, []float64{1}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	fresh := NewLocalGroup(2)
	var wg sync.WaitGroup
	out := make([][]float32, 2)
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			out[rank], _ = fresh.Member(rank).AllGather(context.Background(), []float32{float32(rank)})
		}(rank)
	}
	wg.Wait()
	for rank, got := range out {
		if len(got) != 2 || got[0] != 0 || got[1] != 1 {
			t.Errorf("worker %d gathered %v, expected [0 1]", rank, got)
		}
	}
}

func TestLocalGroupAbortReachesEveryWorker(t *testing.T) {
	group := NewLocalGroup(2)
	w0, w1 := group.Member(0), group.Member(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w0.AllReduceSum(ctx, []float64{5}); !errors.Is(err, context.Canceled) {
		t.Fatalf("worker 0: expected context.Canceled, got %v", err)
	}
	data := []float64{1}
	if err := w1.AllReduceSum(context.Background(), data); !errors.Is(err, context.Canceled) {
		t.Errorf("worker 1: expected the aborted round's error, got %v", err)
	}
	if data[0] != 1 {
		t.Errorf("worker 1 data changed to %v after an aborted round", data)
	}

	// Both workers move on to the next round in step.
	var wg sync.WaitGroup
	sums := [][]float64{{1}, {2}}
	errs := make([]error, 2)
	for rank, w := range []Synchronizer{w0, w1} {
		wg.Add(1)
		go func(rank int, w Synchronizer) {
			defer wg.Done()
			errs[rank] = w.AllReduceSum(context.Background(), sums[rank])
		}(rank, w)
	}
	wg.Wait()
	for rank := range sums {
		if errs[rank] != nil || sums[rank][0] != 3 {
			t.Errorf("worker %d: sum %v, err %v; expected 3", rank, sums[rank], errs[rank])
		}
	}
	if n := len(group.rounds); n != 0 {
		t.Errorf("%d rounds left open", n)
	}
}
