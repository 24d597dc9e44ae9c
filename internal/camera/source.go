// Package camera provides the frame sources a stream can capture from.
package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kiosk/internal/face"
)

var (
	// ErrSourceUnavailable is returned when a source cannot deliver frames.
	ErrSourceUnavailable = errors.New("camera source unavailable")
	// ErrClosed is returned by Frame after Close.
	ErrClosed = errors.New("camera source closed")
)

// Kind selects the Source implementation.
type Kind string

const (
	// KindDevice captures a V4L2 device, RTSP or HTTP stream through ffmpeg.
	KindDevice Kind = "device"
	// KindSnapshot polls an HTTP endpoint that serves single JPEG images.
	KindSnapshot Kind = "snapshot"
	// KindSynthetic renders moving test faces.
	KindSynthetic Kind = "synthetic"
	// KindOpenCV captures through OpenCV (requires the gocv build tag).
	KindOpenCV Kind = "opencv"
)

// Config describes where a stream gets its frames.
type Config struct {
	Kind        Kind          `yaml:"kind" json:"kind"`
	Device      string        `yaml:"device" json:"device"`
	Width       int           `yaml:"width" json:"width"`
	Height      int           `yaml:"height" json:"height"`
	FPS         int           `yaml:"fps" json:"fps"`
	Faces       int           `yaml:"faces" json:"faces,omitempty"` // synthetic only
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout,omitempty"`
}

// Source delivers frames for one stream.
//
// Open acquires the underlying device and fails with ErrSourceUnavailable
// when it cannot. Frame returns the most recent frame. Close releases the
// device; it is safe to call more than once.
type Source interface {
	Name() string
	Open(ctx context.Context) error
	Frame(ctx context.Context) (*face.Frame, error)
	Close() error
}

// Normalize fills defaults and infers Kind from Device when unset.
func (c Config) Normalize() Config {
	if c.Kind == "" {
		c.Kind = inferKind(c.Device)
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 10
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.Kind == KindSynthetic && c.Faces <= 0 {
		c.Faces = 1
	}
	return c
}

// Validate checks a normalized config.
func (c Config) Validate() error {
	switch c.Kind {
	case KindSynthetic:
		return nil
	case KindDevice, KindSnapshot, KindOpenCV:
		if c.Device == "" {
			return fmt.Errorf("camera kind %q requires a device", c.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown camera kind %q", c.Kind)
	}
}

func inferKind(device string) Kind {
	switch {
	case device == "" || device == "synthetic":
		return KindSynthetic
	case isHTTPImageEndpoint(device):
		return KindSnapshot
	default:
		return KindDevice
	}
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

// New builds the Source selected by cfg.Kind for the given stream.
func New(streamID string, cfg Config) (Source, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Kind {
	case KindDevice:
		return NewFFmpegSource(streamID, cfg), nil
	case KindSnapshot:
		return NewSnapshotSource(streamID, cfg, nil), nil
	case KindSynthetic:
		return NewSyntheticSource(streamID, cfg), nil
	case KindOpenCV:
		return newOpenCVSource(streamID, cfg)
	}
	return nil, fmt.Errorf("unknown camera kind %q", cfg.Kind)
}
