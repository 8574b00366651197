package models

import "errors"

var (
	ErrUnknownIntegration = errors.New("unsupported integration")
	ErrUnknownAlgorithm   = errors.New(`algorithm must be "aes-256-gcm"`)
)
