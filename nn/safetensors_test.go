package nn

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSafetensorsFileRoundTrip(t *testing.T) {
	tensors := map[string]TensorWithShape{
		"enc.0.weight":  {DType: "F32", Shape: []int{2, 3}, Values: []float32{1, -2, 3.5, 0, 1e-3, 7}},
		"rvq.0.cluster": {DType: "F64", Shape: []int{3}, Float64: []float64{0.1, 2, 1e300}},
		"half":          {DType: "F16", Shape: []int{2}, Values: []float32{1.5, -0.25}},
		"brain":         {DType: "BF16", Shape: []int{1}, Values: []float32{-2}},
	}
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	if err := SaveSafetensors(path, tensors); err != nil {
		t.Fatal(err)
	}
	got, err := LoadSafetensors(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(tensors) {
		t.Fatalf("expected %d tensors, got %d", len(tensors), len(got))
	}
	for i, v := range tensors["enc.0.weight"].Values {
		if got["enc.0.weight"].Values[i] != v {
			t.Errorf("F32 value %d: expected %v, got %v", i, v, got["enc.0.weight"].Values[i])
		}
	}
	for i, v := range tensors["rvq.0.cluster"].Float64 {
		if got["rvq.0.cluster"].Float64[i] != v {
			t.Errorf("F64 value %d: expected %v, got %v", i, v, got["rvq.0.cluster"].Float64[i])
		}
	}
	if h := got["half"].Values; h[0] != 1.5 || h[1] != -0.25 {
		t.Errorf("F16 values: got %v", h)
	}
	if b := got["brain"].Values; b[0] != -2 {
		t.Errorf("BF16 value: got %v", b)
	}
}

func TestSerializeSafetensorsRejectsBadEntries(t *testing.T) {
	if _, err := SerializeSafetensors(map[string]TensorWithShape{"x": {DType: "I8", Shape: []int{1}}}); err == nil {
		t.Error("expected an error for an unsupported dtype")
	}
	if _, err := SerializeSafetensors(map[string]TensorWithShape{"x": {DType: "F32", Shape: []int{3}, Values: []float32{1}}}); err == nil {
		t.Error("expected an error for a shape/value count mismatch")
	}
	if _, err := LoadSafetensorsFromBytes([]byte{1, 2}); err == nil {
		t.Error("expected an error for truncated data")
	}
}

func TestParamTensorsRoundTrip(t *testing.T) {
	conv, _ := NewConv1d(Conv1dConfig{InChannels: 2, OutChannels: 2, KernelSize: 3}, testRNG())
	ps := Prefixed("conv", conv.Params())
	state := ParamTensors(ps)

	fresh, _ := NewConv1d(Conv1dConfig{InChannels: 2, OutChannels: 2, KernelSize: 3}, nil)
	if err := LoadParams(Prefixed("conv", fresh.Params()), state); err != nil {
		t.Fatal(err)
	}
	for i, v := range conv.Weight.Value.Data {
		if fresh.Weight.Value.Data[i] != v {
			t.Fatalf("weight %d not restored", i)
		}
	}

	delete(state, "conv.bias")
	if err := LoadParams(Prefixed("conv", fresh.Params()), state); !errors.Is(err, ErrShape) {
		t.Errorf("missing tensor: expected ErrShape, got %v", err)
	}
}
