package rvq

import (
	"fmt"
	"log"

	"github.com/openfluke/soundstream/nn"
)

// Config holds the quantizer hyperparameters.
type Config struct {
	NumQuantizers        int     `json:"num_quantizers"`
	CodebookSize         int     `json:"codebook_size"`
	Dim                  int     `json:"dim"`
	Decay                float64 `json:"decay"`
	Epsilon              float64 `json:"epsilon"`
	ThresholdEMADeadCode float64 `json:"threshold_ema_dead_code"`
	KMeansInit           bool    `json:"kmeans_init"`
	KMeansIters          int     `json:"kmeans_iters"`
	CommitmentWeight     float64 `json:"commitment_weight"`
	Seed                 int64   `json:"seed"`

	// Logger receives k-means seeding and dead-code revival reports. Nil is silent.
	Logger *log.Logger `json:"-"`
}

// DefaultConfig returns the settings the codec trains with: 8 stages of 1024
// codes, k-means seeding and revival of codes used less than twice.
func DefaultConfig(dim int) Config {
	return Config{
		NumQuantizers:        8,
		CodebookSize:         1024,
		Dim:                  dim,
		Decay:                0.8,
		Epsilon:              1e-5,
		ThresholdEMADeadCode: 2,
		KMeansInit:           true,
		KMeansIters:          100,
		CommitmentWeight:     1,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.NumQuantizers <= 0:
		return fmt.Errorf("%w: num_quantizers must be positive, got %d", nn.ErrConfig, c.NumQuantizers)
	case c.CodebookSize <= 0:
		return fmt.Errorf("%w: codebook_size must be positive, got %d", nn.ErrConfig, c.CodebookSize)
	case c.Dim <= 0:
		return fmt.Errorf("%w: dim must be positive, got %d", nn.ErrConfig, c.Dim)
	case c.Decay < 0 || c.Decay > 1:
		return fmt.Errorf("%w: decay must be in [0, 1], got %g", nn.ErrConfig, c.Decay)
	case c.Epsilon <= 0:
		return fmt.Errorf("%w: epsilon must be positive, got %g", nn.ErrConfig, c.Epsilon)
	case c.ThresholdEMADeadCode < 0:
		return fmt.Errorf("%w: threshold_ema_dead_code must be non-negative, got %g", nn.ErrConfig, c.ThresholdEMADeadCode)
	case c.KMeansIters < 0:
		return fmt.Errorf("%w: kmeans_iters must be non-negative, got %d", nn.ErrConfig, c.KMeansIters)
	case c.CommitmentWeight < 0:
		return fmt.Errorf("%w: commitment_weight must be non-negative, got %g", nn.ErrConfig, c.CommitmentWeight)
	}
	return nil
}

func (c Config) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}
