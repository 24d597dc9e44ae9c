package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kiosk/internal/face"
)

// FFmpegSource captures frames by running ffmpeg with an MJPEG image2pipe
// output and keeping the most recent complete JPEG.
type FFmpegSource struct {
	streamID string
	cfg      Config
	binary   string
	logger   *log.Entry

	mu       sync.Mutex
	run      *ffmpegRun
	latest   []byte
	latestAt time.Time
	seq      uint64
	restarts int
	closed   bool
}

type ffmpegRun struct {
	cmd       *exec.Cmd
	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
}

// NewFFmpegSource creates an ffmpeg backed source. Open starts the process.
func NewFFmpegSource(streamID string, cfg Config) *FFmpegSource {
	return &FFmpegSource{
		streamID: streamID,
		cfg:      cfg.Normalize(),
		binary:   "ffmpeg",
		logger:   log.WithFields(log.Fields{"component": "camera", "stream": streamID}),
	}
}

// Name implements Source.
func (s *FFmpegSource) Name() string { return "ffmpeg:" + s.cfg.Device }

// Open starts ffmpeg and waits for the first frame.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	run, err := s.startLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case <-run.first:
		s.logger.Infof("Capture started (device: %s, fps: %d)", s.cfg.Device, s.cfg.FPS)
		return nil
	case <-run.done:
		err = fmt.Errorf("%w: ffmpeg exited before the first frame from %s", ErrSourceUnavailable, s.cfg.Device)
	case <-timer.C:
		err = fmt.Errorf("%w: no frame from %s within %s", ErrSourceUnavailable, s.cfg.Device, s.cfg.OpenTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.Close()
	return err
}

func (s *FFmpegSource) startLocked() (*ffmpegRun, error) {
	cmd := exec.Command(s.binary, ffmpegArgs(s.cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: failed to start ffmpeg: %v", ErrSourceUnavailable, err)
	}

	run := &ffmpegRun{
		cmd:   cmd,
		first: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.run = run

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.logger.Trace(scanner.Text())
		}
	}()

	go s.read(run, stdout)
	return run, nil
}

func (s *FFmpegSource) read(run *ffmpegRun, stdout io.Reader) {
	defer func() {
		_ = run.cmd.Wait()
		close(run.done)
	}()

	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		n, err := stdout.Read(chunk)
		if n > 0 {
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				s.store(frame)
				run.firstOnce.Do(func() { close(run.first) })
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.WithError(err).Warn("Error reading frame")
			}
			return
		}
	}
}

func (s *FFmpegSource) store(frame []byte) {
	s.mu.Lock()
	s.latest = frame
	s.latestAt = time.Now()
	s.seq++
	s.mu.Unlock()
}

// Frame returns the latest captured frame. When ffmpeg has exited it is
// restarted and the call fails with ErrSourceUnavailable.
func (s *FFmpegSource) Frame(ctx context.Context) (*face.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if s.run != nil {
		select {
		case <-s.run.done:
			s.restarts++
			s.latest = nil
			s.logger.Warnf("ffmpeg exited, restarting (attempt %d)", s.restarts)
			if _, err := s.startLocked(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: capture restarted", ErrSourceUnavailable)
		default:
		}
	}

	if s.latest == nil {
		return nil, fmt.Errorf("%w: no frame captured yet", ErrSourceUnavailable)
	}

	return face.NewJPEGFrame(s.streamID, s.seq, s.latestAt, s.latest), nil
}

// Close stops ffmpeg.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.run != nil && s.run.cmd.Process != nil {
		_ = s.run.cmd.Process.Kill()
	}
	s.latest = nil
	return nil
}

func ffmpegArgs(cfg Config) []string {
	output := []string{"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-"}
	rate := []string{"-r", fmt.Sprintf("%d", cfg.FPS)}

	switch {
	case strings.HasPrefix(cfg.Device, "rtsp://"):
		args := []string{"-rtsp_transport", "tcp", "-i", cfg.Device}
		args = append(args, rate...)
		return append(args, output...)
	case strings.HasPrefix(cfg.Device, "http://"), strings.HasPrefix(cfg.Device, "https://"):
		args := []string{"-i", cfg.Device}
		args = append(args, rate...)
		return append(args, output...)
	default:
		// V4L2 device (USB camera)
		args := []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fmt.Sprintf("%d", cfg.FPS),
			"-i", cfg.Device,
		}
		return append(args, output...)
	}
}

// extractJPEGFrame cuts the first complete JPEG (FFD8 ... FFD9) out of
// buffer and advances it past the frame.
func extractJPEGFrame(buffer *[]byte) []byte {
	buf := *buffer
	if len(buf) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(buf)-1; i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, buf[startIdx:endIdx])
	*buffer = buf[endIdx:]

	return frame
}
