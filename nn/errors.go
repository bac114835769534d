package nn

import "errors"

var (
	// ErrConfig marks a layer configured with values it cannot honour.
	ErrConfig = errors.New("nn: invalid configuration")

	// ErrPaddingMode is returned for a padding mode string that is not recognised.
	ErrPaddingMode = errors.New("nn: invalid padding mode")

	// ErrUnsupportedPaddingMode is returned when a layer only supports zero padding.
	ErrUnsupportedPaddingMode = errors.New("nn: only zeros padding mode is supported")

	// ErrShape marks a tensor whose shape violates a layer precondition.
	ErrShape = errors.New("nn: shape precondition violated")

	// ErrNoAccelerator is returned by an Accelerator that cannot run a request.
	ErrNoAccelerator = errors.New("nn: accelerator unavailable")
)
