//go:build gocv

package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"kiosk/internal/face"
)

// OpenCVSource captures frames through gocv.VideoCapture.
type OpenCVSource struct {
	streamID string
	cfg      Config

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	seq     uint64
}

func newOpenCVSource(streamID string, cfg Config) (Source, error) {
	return &OpenCVSource{streamID: streamID, cfg: cfg}, nil
}

// Name implements Source.
func (s *OpenCVSource) Name() string { return "opencv:" + s.cfg.Device }

// Open implements Source. Numeric devices are treated as camera indexes.
func (s *OpenCVSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var device interface{} = s.cfg.Device
	if idx, err := strconv.Atoi(s.cfg.Device); err == nil {
		device = idx
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(s.cfg.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(s.cfg.Height))

	s.capture = capture
	s.mat = gocv.NewMat()

	if ok := capture.Read(&s.mat); !ok || s.mat.Empty() {
		s.closeLocked()
		return fmt.Errorf("%w: no frame from %s", ErrSourceUnavailable, s.cfg.Device)
	}
	return nil
}

// Frame implements Source.
func (s *OpenCVSource) Frame(ctx context.Context) (*face.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capture == nil {
		return nil, ErrClosed
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, fmt.Errorf("%w: read failed on %s", ErrSourceUnavailable, s.cfg.Device)
	}

	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	s.seq++
	return face.NewImageFrame(s.streamID, s.seq, time.Now(), img), nil
}

// Close implements Source.
func (s *OpenCVSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *OpenCVSource) closeLocked() {
	if s.capture == nil {
		return
	}
	s.mat.Close()
	s.capture.Close()
	s.capture = nil
}
