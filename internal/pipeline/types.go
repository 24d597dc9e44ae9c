// Package pipeline runs the per-stream detection loop: capture, detect,
// track, recognize and log, with adaptive pacing.
package pipeline

import (
	"context"
	"errors"
	"time"

	"kiosk/internal/camera"
	"kiosk/internal/face"
	"kiosk/internal/recognition"
)

var (
	// ErrStreamExists is returned when starting a stream id that is running.
	ErrStreamExists = errors.New("stream already running")
	// ErrStreamNotFound is returned for unknown stream ids.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamStopped is returned when acting on a stopped stream.
	ErrStreamStopped = errors.New("stream stopped")
)

// FrameSource delivers frames for one stream. camera.Source implements it.
type FrameSource interface {
	Name() string
	Open(ctx context.Context) error
	Frame(ctx context.Context) (*face.Frame, error)
	Close() error
}

// Detector finds faces in a frame.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error)
}

// Matcher resolves face crops to identities.
type Matcher = recognition.Matcher

// SourceFactory builds the frame source for a stream.
type SourceFactory func(streamID string, cfg camera.Config) (FrameSource, error)

// DefaultSourceFactory builds sources with camera.New.
func DefaultSourceFactory(streamID string, cfg camera.Config) (FrameSource, error) {
	return camera.New(streamID, cfg)
}

// State is the lifecycle state of a stream.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// StreamConfig identifies a stream and where its frames come from.
type StreamConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Source    camera.Config `yaml:"source" json:"source"`
	Autostart bool          `yaml:"autostart" json:"autostart"`
}

// Options tune the detection loop. Zero values use the defaults.
type Options struct {
	Interval            time.Duration `yaml:"interval"`
	IdleInterval        time.Duration `yaml:"idle_interval"`
	IdleAfter           int           `yaml:"idle_after"`
	MinDelay            time.Duration `yaml:"min_delay"`
	MinConfidence       float64       `yaml:"min_confidence"`
	MatchThreshold      float64       `yaml:"match_threshold"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	RecognitionCooldown time.Duration `yaml:"recognition_cooldown"`
	LogCooldown         time.Duration `yaml:"log_cooldown"`
	CropPadding         float64       `yaml:"crop_padding"`
	SnapshotSize        int           `yaml:"snapshot_size"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time `yaml:"-"`
}

// DefaultOptions returns the reference loop settings.
func DefaultOptions() Options {
	return Options{
		Interval:            500 * time.Millisecond,
		IdleInterval:        time.Second,
		IdleAfter:           10,
		MinDelay:            10 * time.Millisecond,
		MinConfidence:       0.6,
		MatchThreshold:      0.4,
		StaleAfter:          time.Second,
		RecognitionCooldown: 5 * time.Second,
		LogCooldown:         10 * time.Second,
		CropPadding:         0.15,
		SnapshotSize:        160,
		StopTimeout:         5 * time.Second,
		Clock:               time.Now,
	}
}

// WithDefaults fills unset fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.IdleInterval <= 0 {
		o.IdleInterval = d.IdleInterval
	}
	if o.IdleAfter <= 0 {
		o.IdleAfter = d.IdleAfter
	}
	if o.MinDelay <= 0 {
		o.MinDelay = d.MinDelay
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = d.MinConfidence
	}
	if o.MatchThreshold <= 0 {
		o.MatchThreshold = d.MatchThreshold
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.RecognitionCooldown <= 0 {
		o.RecognitionCooldown = d.RecognitionCooldown
	}
	if o.LogCooldown <= 0 {
		o.LogCooldown = d.LogCooldown
	}
	if o.CropPadding < 0 {
		o.CropPadding = 0
	}
	if o.SnapshotSize < 0 {
		o.SnapshotSize = 0
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}

// StreamStats reports the loop counters of one stream.
type StreamStats struct {
	StreamID       string            `json:"stream_id"`
	Name           string            `json:"name"`
	State          State             `json:"state"`
	Source         string            `json:"source"`
	Frames         uint64            `json:"frames"`
	Detections     uint64            `json:"detections"`
	CaptureErrors  uint64            `json:"capture_errors"`
	DetectorErrors uint64            `json:"detector_errors"`
	Skipped        uint64            `json:"skipped"`
	EmptyFrames    int               `json:"consecutive_empty_frames"`
	Tracks         int               `json:"tracks"`
	Interval       time.Duration     `json:"interval"`
	LastIteration  time.Time         `json:"last_iteration"`
	LastProcessing time.Duration     `json:"last_processing"`
	Recognition    recognition.Stats `json:"recognition"`
	Activity       uint64            `json:"activity"`
	StartedAt      time.Time         `json:"started_at"`
}
