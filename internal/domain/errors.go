package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Frame errors
	ErrFrameInvalid = errors.New("frame validation failed")

	// Reassembly errors. The reassembler wraps ErrInvalidFragment with a
	// discriminator string; callers branch on the discriminator.
	ErrInvalidFragment = errors.New("invalid fragment")

	// Policy / tenancy errors
	ErrAccessDenied = errors.New("access denied")

	// Federated reward errors
	ErrSignalInvalid       = errors.New("invalid federated reward signal")
	ErrAggregationRejected = errors.New("aggregation contribution rejected")

	// Store errors
	ErrRowNotFound    = errors.New("encrypted row not found")
	ErrTransientStore = errors.New("transient store failure")
)
