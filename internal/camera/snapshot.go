package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"kiosk/internal/face"
)

// maxSnapshotSize bounds a single polled image.
const maxSnapshotSize = 16 << 20

// SnapshotSource fetches one JPEG per Frame call from an HTTP endpoint,
// for IP cameras that expose a still image URL.
type SnapshotSource struct {
	streamID string
	url      string
	client   *http.Client

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewSnapshotSource creates a polling source. A nil client gets a 10s timeout.
func NewSnapshotSource(streamID string, cfg Config, client *http.Client) *SnapshotSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SnapshotSource{streamID: streamID, url: cfg.Device, client: client}
}

// Name implements Source.
func (s *SnapshotSource) Name() string { return "snapshot:" + s.url }

// Open fetches one image to check the endpoint is reachable.
func (s *SnapshotSource) Open(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return nil
}

// Frame implements Source.
func (s *SnapshotSource) Frame(ctx context.Context) (*face.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return face.NewJPEGFrame(s.streamID, seq, time.Now(), data), nil
}

// Close implements Source.
func (s *SnapshotSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *SnapshotSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame from %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("frame endpoint %s returned status %d", s.url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("frame endpoint %s returned an empty body", s.url)
	}
	return data, nil
}
