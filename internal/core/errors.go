// Package core defines sentinel errors shared across packages.
package core

import "errors"

// Sentinel errors. Packages wrap these with fmt.Errorf("...: %w", err).
var (
	// Device registry errors
	ErrDeviceNotFound      = errors.New("dpni: device not found")
	ErrDeviceAlreadyExists = errors.New("dpni: device already exists")
	ErrDeviceFailed        = errors.New("dpni: device failed")

	// Transport errors
	ErrTransportNotFound = errors.New("dpni: transport not found")
	ErrTransportTimeout  = errors.New("dpni: transport read timeout")
	ErrRetryExhausted    = errors.New("dpni: retry budget exhausted")

	// Configuration errors
	ErrConfigInvalid = errors.New("dpni: invalid configuration")
)
