package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"kiosk/internal/activity"
	"kiosk/internal/face"
	"kiosk/internal/recognition"
	"kiosk/internal/tracking"
)

// Stream runs the detection loop for one camera. It exclusively owns its
// track registry; the only other writers are its own recognition calls.
type Stream struct {
	cfg       StreamConfig
	opts      Options
	source    FrameSource
	detector  Detector
	registry  *tracking.Registry
	scheduler *recognition.Scheduler
	activity  *activity.Logger
	bus       *EventBus
	logger    *log.Entry

	mu         sync.Mutex
	state      State
	loopCtx    context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
	iterations sync.WaitGroup

	// emitMu orders events against the final idle event.
	emitMu sync.Mutex

	detecting      atomic.Bool
	emptyFrames    atomic.Int64
	interval       atomic.Int64
	frames         atomic.Uint64
	detections     atomic.Uint64
	captureErrors  atomic.Uint64
	detectorErrors atomic.Uint64
	skipped        atomic.Uint64
	activityCount  atomic.Uint64
	lastIteration  atomic.Int64
	lastProcessing atomic.Int64
}

// NewStream wires a stream. bus may be nil, in which case nothing is published.
func NewStream(cfg StreamConfig, source FrameSource, detector Detector, matcher Matcher, bus *EventBus, opts Options) *Stream {
	opts = opts.WithDefaults()
	logger := log.WithFields(log.Fields{"component": "pipeline", "stream": cfg.ID})

	s := &Stream{
		cfg:      cfg,
		opts:     opts,
		source:   source,
		detector: detector,
		registry: tracking.NewRegistry(tracking.Options{
			MatchThreshold: opts.MatchThreshold,
			StaleAfter:     opts.StaleAfter,
		}),
		scheduler: recognition.NewScheduler(matcher, opts.RecognitionCooldown, logger),
		bus:       bus,
		logger:    logger,
		state:     StateIdle,
	}
	var publisher activity.Publisher
	if bus != nil {
		publisher = activity.PublisherFunc(func(ctx context.Context, rec activity.Record) {
			s.emit(func() { bus.PublishActivity(ctx, rec) })
		})
	}
	s.activity = activity.NewLogger(opts.LogCooldown, publisher, logger)
	s.interval.Store(int64(opts.Interval))
	return s
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.cfg.ID }

// Config returns the stream configuration.
func (s *Stream) Config() StreamConfig { return s.cfg }

// State returns the lifecycle state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start opens the frame source and starts the loop; the first iteration
// runs immediately. A source that cannot be opened is reported here and
// not retried. A stopped stream cannot be started again.
//
// The loop is not bound to ctx; it runs until Stop.
func (s *Stream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateActive {
		return fmt.Errorf("stream %s: %w", s.cfg.ID, ErrStreamExists)
	}
	if s.registry.Closed() {
		return fmt.Errorf("stream %s: %w", s.cfg.ID, ErrStreamStopped)
	}

	if err := s.source.Open(ctx); err != nil {
		return fmt.Errorf("failed to open source for stream %s: %w", s.cfg.ID, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.state = StateActive
	s.loopCtx = loopCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = s.opts.Clock()

	go s.run(loopCtx, s.done)

	s.logger.Infof("Started stream (source: %s, detector: %s)", s.source.Name(), s.detector.Name())
	s.publishState(StateActive)
	return nil
}

// Stop ends the loop, cancels pending iterations and closes the source.
// Recognition calls still in flight complete but their results are dropped.
// Nothing is published for the stream after its idle event.
//
// Stop waits at most StopTimeout for iterations to return. A detector that
// is still busy after that keeps the source open until it returns.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	s.registry.Close()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-done
		s.iterations.Wait()
		if err := s.source.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close source")
		}
	}()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warnf("Iteration still running after %s, closing source in background", s.opts.StopTimeout)
	}

	s.logger.Info("Stopped stream")
	s.publishState(StateIdle)
}

func (s *Stream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delay, ran := s.Tick(ctx)
		if !ran {
			delay = s.opts.MinDelay
		}
		timer.Reset(delay)
	}
}

// Tick runs one iteration and returns the delay before the next one. It
// returns false without doing anything while another iteration is running.
func (s *Stream) Tick(ctx context.Context) (time.Duration, bool) {
	if !s.detecting.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return 0, false
	}
	defer s.detecting.Store(false)

	start := s.opts.Clock()
	s.iterate(ctx, start)
	processing := s.opts.Clock().Sub(start)

	delay := s.nextDelay(processing)
	s.interval.Store(int64(delay))
	s.lastIteration.Store(start.UnixNano())
	s.lastProcessing.Store(int64(processing))
	return delay, true
}

// Trigger runs one iteration now, outside the regular schedule. Stop
// cancels the iteration and waits for it like a scheduled one.
func (s *Stream) Trigger(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false, fmt.Errorf("stream %s: %w", s.cfg.ID, ErrStreamStopped)
	}
	s.iterations.Add(1)
	loopCtx := s.loopCtx
	s.mu.Unlock()
	defer s.iterations.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(loopCtx, cancel)()

	_, ran := s.Tick(ctx)
	return ran, nil
}

func (s *Stream) nextDelay(processing time.Duration) time.Duration {
	target := s.opts.Interval
	if s.emptyFrames.Load() > int64(s.opts.IdleAfter) {
		target = s.opts.IdleInterval
	}
	return max(s.opts.MinDelay, target-processing)
}

func (s *Stream) iterate(ctx context.Context, now time.Time) {
	frame, err := s.source.Frame(ctx)
	if err != nil {
		s.captureErrors.Add(1)
		s.logger.WithError(err).Warn("Frame capture failed")
		return
	}
	s.frames.Add(1)

	detections, err := s.detector.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.detectorErrors.Add(1)
		s.logger.WithError(err).Warn("Detection failed")
		return
	}

	detections = face.FilterByConfidence(detections, s.opts.MinConfidence)
	if len(detections) == 0 {
		s.emptyFrames.Add(1)
	} else {
		s.emptyFrames.Store(0)
		s.detections.Add(uint64(len(detections)))
	}

	observed := s.registry.Update(detections, now)
	for _, t := range observed {
		s.evaluate(ctx, frame, t, now)
	}

	s.emit(func() {
		s.bus.Publish(Event{
			Type:      EventTracks,
			StreamID:  s.cfg.ID,
			Timestamp: now,
			Tracks:    s.registry.Snapshot(),
			Frame:     frame,
		})
	})
}

// emit runs publish unless the stream has been stopped.
func (s *Stream) emit(publish func()) {
	if s.bus == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.registry.Closed() {
		return
	}
	publish()
}

func (s *Stream) evaluate(ctx context.Context, frame *face.Frame, t tracking.Track, now time.Time) {
	crop, err := frame.Crop(t.BBox.Expand(s.opts.CropPadding))
	if err != nil {
		s.logger.WithField("track", t.ID).WithError(err).Debug("Skipping recognition, no crop")
	} else {
		crop.Descriptor = t.Descriptor
		s.scheduler.MaybeRecognize(ctx, s.registry, t.ID, crop, now)
	}

	snapshot := func() []byte {
		if err != nil || s.opts.SnapshotSize == 0 {
			return nil
		}
		data, thumbErr := face.Thumbnail(crop.Image, s.opts.SnapshotSize)
		if thumbErr != nil {
			s.logger.WithError(thumbErr).Debug("Failed to encode snapshot")
			return nil
		}
		return data
	}

	if _, ok := s.activity.MaybeLog(ctx, s.cfg.ID, s.registry, t.ID, now, snapshot); ok {
		s.activityCount.Add(1)
	}
}

func (s *Stream) publishState(state State) {
	if s.bus == nil {
		return
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.bus.Publish(Event{
		Type:      EventStream,
		StreamID:  s.cfg.ID,
		Timestamp: s.opts.Clock(),
		State:     state,
	})
}

// Tracks returns the live tracks.
func (s *Stream) Tracks() []tracking.Track {
	return s.registry.Snapshot()
}

// EmptyFrames returns the number of consecutive frames without detections.
func (s *Stream) EmptyFrames() int {
	return int(s.emptyFrames.Load())
}

// Stats returns the loop counters.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	state, startedAt := s.state, s.startedAt
	s.mu.Unlock()

	stats := StreamStats{
		StreamID:       s.cfg.ID,
		Name:           s.cfg.Name,
		State:          state,
		Source:         s.source.Name(),
		Frames:         s.frames.Load(),
		Detections:     s.detections.Load(),
		CaptureErrors:  s.captureErrors.Load(),
		DetectorErrors: s.detectorErrors.Load(),
		Skipped:        s.skipped.Load(),
		EmptyFrames:    int(s.emptyFrames.Load()),
		Tracks:         s.registry.Len(),
		Interval:       time.Duration(s.interval.Load()),
		LastProcessing: time.Duration(s.lastProcessing.Load()),
		Recognition:    s.scheduler.Stats(),
		Activity:       s.activityCount.Load(),
		StartedAt:      startedAt,
	}
	if ns := s.lastIteration.Load(); ns != 0 {
		stats.LastIteration = time.Unix(0, ns)
	}
	return stats
}

// WaitRecognition blocks until in-flight matcher calls have returned.
func (s *Stream) WaitRecognition() {
	s.scheduler.Wait()
}
