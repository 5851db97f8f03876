package ml

import "errors"

var (
	// ErrInvalidConfig rejects a malformed extractor or classifier
	// configuration at construction time.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrModelNotReady is returned by prediction and export paths before
	// any weights have been assigned.
	ErrModelNotReady = errors.New("model not ready: no weights loaded")

	// ErrInvalidWeights rejects a weight artifact that fails validation.
	ErrInvalidWeights = errors.New("invalid weights")
)
