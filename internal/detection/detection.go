// Package detection holds the detector and identity matcher backends the
// live view can run against.
package detection

import (
	"context"
	"errors"

	"kiosk/internal/face"
)

var (
	// ErrServiceUnavailable is returned when a remote backend cannot be reached
	// or reports itself unhealthy.
	ErrServiceUnavailable = errors.New("detection service unavailable")
	// ErrNoDescriptor is returned by local matchers for crops without an embedding.
	ErrNoDescriptor = errors.New("face crop has no descriptor")
	// ErrUnknownBackend is returned by the factories for unsupported names.
	ErrUnknownBackend = errors.New("unknown detection backend")
	// ErrIncompatibleBackends is returned when the matcher needs face
	// descriptors the detector never produces.
	ErrIncompatibleBackends = errors.New("incompatible detection backends")
)

// Detector finds faces in a frame.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error)
}

// Matcher resolves a face crop to a known identity. A Match with
// Known == false means no gallery entry is close enough.
type Matcher interface {
	Name() string
	Identify(ctx context.Context, crop face.Crop) (face.Match, error)
}

// HealthChecker is implemented by backends that can report readiness.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CheckHealth returns nil for backends without a health probe.
func CheckHealth(ctx context.Context, backend any) error {
	if hc, ok := backend.(HealthChecker); ok {
		return hc.CheckHealth(ctx)
	}
	return nil
}

// Close releases backend resources when the backend holds any.
func Close(backend any) error {
	if c, ok := backend.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
