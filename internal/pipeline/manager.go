package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"kiosk/internal/tracking"
)

// Manager runs one independent Stream per camera.
type Manager struct {
	streams  map[string]*Stream
	detector Detector
	matcher  Matcher
	sources  SourceFactory
	eventBus *EventBus
	opts     Options
	logger   *log.Entry
	mu       sync.RWMutex
	closed   bool
}

// NewManager creates a manager. Detector and matcher are shared by all
// streams; sources may be nil to use DefaultSourceFactory.
func NewManager(detector Detector, matcher Matcher, sources SourceFactory, eventBus *EventBus, opts Options) *Manager {
	if sources == nil {
		sources = DefaultSourceFactory
	}
	if eventBus == nil {
		eventBus = NewEventBus()
	}
	return &Manager{
		streams:  make(map[string]*Stream),
		detector: detector,
		matcher:  matcher,
		sources:  sources,
		eventBus: eventBus,
		opts:     opts.WithDefaults(),
		logger:   log.WithField("component", "pipeline"),
	}
}

// StartStream builds and starts the stream described by cfg. Failing to
// open the camera is returned to the caller and leaves nothing running.
func (m *Manager) StartStream(ctx context.Context, cfg StreamConfig) error {
	if cfg.ID == "" {
		return errors.New("stream id is required")
	}

	source, err := m.sources(cfg.ID, cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to create source for stream %s: %w", cfg.ID, err)
	}
	stream := NewStream(cfg, source, m.detector, m.matcher, m.eventBus, m.opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("stream %s: manager closed: %w", cfg.ID, ErrStreamStopped)
	}
	if _, exists := m.streams[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("stream %s: %w", cfg.ID, ErrStreamExists)
	}
	// Reserve the id while the camera opens.
	m.streams[cfg.ID] = stream
	m.mu.Unlock()

	if err := stream.Start(ctx); err != nil {
		m.mu.Lock()
		if m.streams[cfg.ID] == stream {
			delete(m.streams, cfg.ID)
		}
		m.mu.Unlock()
		return err
	}

	// Stopped or closed while the camera was opening.
	m.mu.RLock()
	current := m.streams[cfg.ID]
	m.mu.RUnlock()
	if current != stream {
		stream.Stop()
		return fmt.Errorf("stream %s: %w", cfg.ID, ErrStreamStopped)
	}
	return nil
}

// StopStream stops and forgets a stream.
func (m *Manager) StopStream(id string) error {
	m.mu.Lock()
	stream, exists := m.streams[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("stream %s: %w", id, ErrStreamNotFound)
	}
	delete(m.streams, id)
	m.mu.Unlock()

	stream.Stop()
	return nil
}

// Stream returns a running stream.
func (m *Manager) Stream(id string) (*Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[id]
	if !exists {
		return nil, fmt.Errorf("stream %s: %w", id, ErrStreamNotFound)
	}
	return stream, nil
}

// Streams returns the stats of all running streams ordered by id.
func (m *Manager) Streams() []StreamStats {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	stats := make([]StreamStats, 0, len(streams))
	for _, s := range streams {
		stats = append(stats, s.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].StreamID < stats[j].StreamID })
	return stats
}

// Tracks returns the live tracks of a stream.
func (m *Manager) Tracks(id string) ([]tracking.Track, error) {
	stream, err := m.Stream(id)
	if err != nil {
		return nil, err
	}
	return stream.Tracks(), nil
}

// Stats returns the counters of a stream.
func (m *Manager) Stats(id string) (StreamStats, error) {
	stream, err := m.Stream(id)
	if err != nil {
		return StreamStats{}, err
	}
	return stream.Stats(), nil
}

// Trigger runs one out-of-schedule iteration on a stream. It reports false
// when an iteration was already in progress.
func (m *Manager) Trigger(ctx context.Context, id string) (bool, error) {
	stream, err := m.Stream(id)
	if err != nil {
		return false, err
	}
	return stream.Trigger(ctx)
}

// Subscribe registers a handler for events from every stream.
func (m *Manager) Subscribe(handler EventHandler) func() {
	return m.eventBus.Subscribe(handler)
}

// EventBus returns the bus streams publish on.
func (m *Manager) EventBus() *EventBus {
	return m.eventBus
}

// Close stops every stream. Later StartStream calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	m.logger.Infof("Closed %d streams", len(streams))
	return nil
}
