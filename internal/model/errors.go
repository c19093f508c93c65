package model

import (
	"errors"
)

// Error kinds shared by all components. Callers wrap them with %w and test
// with errors.Is.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrPortExhaustion   = errors.New("no free port")
	ErrLaunchTimeout    = errors.New("worker launch timeout")
	ErrCommunication    = errors.New("worker communication error")
	ErrExecutionFailure = errors.New("execution failure")
	ErrManifest         = errors.New("manifest error")
	ErrUnsupportedType  = errors.New("unsupported type")
	ErrIntegerOverflow  = errors.New("integer does not fit int64")
	ErrSecurity         = errors.New("path escapes temp root")
)
