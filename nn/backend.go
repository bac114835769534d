package nn

import (
	"errors"
	"sync"
)

// Accelerator runs convolution kernels on a device other than the CPU.
// Implementations return ErrNoAccelerator for requests they cannot serve,
// in which case the CPU path is used.
type Accelerator interface {
	Conv1D(args Conv1DArgs, input, weight, bias []float32) ([]float32, error)
}

var (
	accelMu sync.RWMutex
	accel   Accelerator
)

// SetAccelerator installs a (nil to remove) and returns the previous accelerator.
func SetAccelerator(a Accelerator) Accelerator {
	accelMu.Lock()
	defer accelMu.Unlock()
	prev := accel
	accel = a
	return prev
}

func currentAccelerator() Accelerator {
	accelMu.RLock()
	defer accelMu.RUnlock()
	return accel
}

// conv1D dispatches to the installed accelerator and falls back to the CPU.
func conv1D(args Conv1DArgs, input, weight, bias []float32) ([]float32, error) {
	if a := currentAccelerator(); a != nil {
		out, err := a.Conv1D(args, input, weight, bias)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrNoAccelerator) {
			return nil, err
		}
	}
	return Conv1DForward(input, weight, bias, args), nil
}
