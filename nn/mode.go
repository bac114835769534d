package nn

import "sync"

// Mode selects training or evaluation behaviour for a forward pass.
type Mode int

const (
	Eval  Mode = 0
	Train Mode = 1
)

func (m Mode) String() string {
	if m == Train {
		return "train"
	}
	return "eval"
}

// ModeHolder stores the default mode of a model for callers that do not pass
// one explicitly.
type ModeHolder struct {
	mu   sync.Mutex
	mode Mode
}

// Mode returns the current mode.
func (h *ModeHolder) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

// SetMode replaces the current mode and returns the previous one.
func (h *ModeHolder) SetMode(m Mode) Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.mode
	h.mode = m
	return prev
}

// WithMode runs fn with h switched to mode and restores the previous mode on
// every exit path, including a panic in fn.
func WithMode(h *ModeHolder, mode Mode, fn func() error) error {
	prev := h.SetMode(mode)
	defer h.SetMode(prev)
	return fn()
}
