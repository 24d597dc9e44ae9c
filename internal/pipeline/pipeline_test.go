package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kiosk/internal/activity"
	"kiosk/internal/camera"
	"kiosk/internal/face"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	mu      sync.Mutex
	openErr error
	opened  bool
	closed  bool
	seq     uint64
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return s.openErr
	}
	s.opened = true
	return nil
}

func (s *fakeSource) Frame(ctx context.Context) (*face.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, camera.ErrClosed
	}
	s.seq++
	return face.NewImageFrame("test", s.seq, time.Now(), image.NewRGBA(image.Rect(0, 0, 320, 240))), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDetector returns the scripted result for each call; once the script
// runs out it repeats the last entry.
type fakeDetector struct {
	mu      sync.Mutex
	script  []detectResult
	calls   int
	onCall  func()
	release chan struct{}
	entered chan struct{}
}

type detectResult struct {
	dets []face.Detection
	err  error
}

func (d *fakeDetector) Name() string { return "fake" }

func (d *fakeDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	d.mu.Lock()
	i := min(d.calls, len(d.script)-1)
	d.calls++
	onCall, release, entered := d.onCall, d.release, d.entered
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if onCall != nil {
		onCall()
	}
	if i < 0 {
		return nil, nil
	}
	return d.script[i].dets, d.script[i].err
}

type fakeMatcher struct {
	mu      sync.Mutex
	calls   int
	match   face.Match
	called  chan struct{}
	release chan struct{}
}

func (m *fakeMatcher) Identify(ctx context.Context, crop face.Crop) (face.Match, error) {
	m.mu.Lock()
	m.calls++
	called, release := m.called, m.release
	m.mu.Unlock()

	if called != nil {
		called <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return m.match, nil
}

func (m *fakeMatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func oneFace(conf float64) []face.Detection {
	return []face.Detection{{BBox: face.BBox{X: 10, Y: 10, Width: 100, Height: 100}, Confidence: conf}}
}

type recorder struct {
	mu      sync.Mutex
	records []activity.Record
	events  []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if e.Type == EventActivity {
		r.records = append(r.records, *e.Activity)
	}
}

func (r *recorder) Records() []activity.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]activity.Record(nil), r.records...)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// gatedDetector answers its first call at once and blocks every later call
// until release is closed, whatever the context.
type gatedDetector struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDetector) Name() string { return "gated" }

func (d *gatedDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	if d.calls.Add(1) > 1 {
		d.entered <- struct{}{}
		<-d.release
	}
	return oneFace(0.9), nil
}

// ctxDetector answers its first call at once; later calls wait for their
// context like a remote detector would.
type ctxDetector struct {
	calls   atomic.Int32
	entered chan struct{}
}

func (d *ctxDetector) Name() string { return "ctx" }

func (d *ctxDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	if d.calls.Add(1) == 1 {
		return nil, nil
	}
	d.entered <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func stopWithin(t *testing.T, s *Stream, d time.Duration) {
	t.Helper()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		s.Stop()
	}()
	select {
	case <-stopped:
	case <-time.After(d):
		t.Fatalf("Stop() still blocked after %s", d)
	}
}

func newTestStream(det Detector, m Matcher, clock *fakeClock) (*Stream, *recorder) {
	bus := NewEventBus()
	rec := &recorder{}
	bus.Subscribe(rec)
	opts := DefaultOptions()
	opts.Clock = clock.Now
	s := NewStream(StreamConfig{ID: "cam1"}, &fakeSource{}, det, m, bus, opts)
	return s, rec
}

func TestStream_OneFaceThreeFrames(t *testing.T) {
	clock := newFakeClock()
	det := &fakeDetector{script: []detectResult{{dets: oneFace(0.9)}}}
	m := &fakeMatcher{match: face.Match{Known: true, Name: "alice", Confidence: 0.88}}
	s, rec := newTestStream(det, m, clock)

	for i := 0; i < 3; i++ {
		if _, ran := s.Tick(context.Background()); !ran {
			t.Fatalf("Tick() %d did not run", i)
		}
		s.WaitRecognition()
		clock.Advance(500 * time.Millisecond)
	}

	tracks := s.Tracks()
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1", len(tracks))
	}
	if tracks[0].Hits != 3 {
		t.Errorf("Hits = %d, want 3", tracks[0].Hits)
	}
	if got := m.Calls(); got != 1 {
		t.Errorf("matcher calls = %d, want 1", got)
	}

	records := rec.Records()
	if len(records) != 1 {
		t.Fatalf("activity records = %d, want 1", len(records))
	}
	if records[0].Name != "alice" || records[0].Reason != activity.ReasonChange {
		t.Errorf("record = %+v, want alice change", records[0])
	}
	if len(records[0].Snapshot) == 0 {
		t.Error("record has no snapshot")
	}
}

func TestStream_IdlePacingAfterEmptyFrames(t *testing.T) {
	clock := newFakeClock()
	det := &fakeDetector{script: []detectResult{{}}}
	s, _ := newTestStream(det, &fakeMatcher{}, clock)

	var delay time.Duration
	for i := 1; i <= 10; i++ {
		delay, _ = s.Tick(context.Background())
		if delay != 500*time.Millisecond {
			t.Fatalf("Tick() %d delay = %v, want 500ms", i, delay)
		}
	}

	delay, _ = s.Tick(context.Background())
	if s.EmptyFrames() != 11 {
		t.Errorf("EmptyFrames() = %d, want 11", s.EmptyFrames())
	}
	if delay != time.Second {
		t.Errorf("Tick() 11 delay = %v, want 1s", delay)
	}

	// A face resets the counter and the fast interval resumes.
	det.mu.Lock()
	det.script = []detectResult{{dets: oneFace(0.9)}}
	det.calls = 0
	det.mu.Unlock()

	delay, _ = s.Tick(context.Background())
	if s.EmptyFrames() != 0 || delay != 500*time.Millisecond {
		t.Errorf("after detection: empty = %d delay = %v, want 0 and 500ms", s.EmptyFrames(), delay)
	}
}

func TestStream_DelaySubtractsProcessing(t *testing.T) {
	clock := newFakeClock()
	det := &fakeDetector{script: []detectResult{{}}}
	s, _ := newTestStream(det, &fakeMatcher{}, clock)

	det.onCall = func() { clock.Advance(200 * time.Millisecond) }
	if delay, _ := s.Tick(context.Background()); delay != 300*time.Millisecond {
		t.Errorf("delay = %v, want 300ms", delay)
	}

	det.onCall = func() { clock.Advance(700 * time.Millisecond) }
	if delay, _ := s.Tick(context.Background()); delay != 10*time.Millisecond {
		t.Errorf("delay = %v, want the 10ms floor", delay)
	}
}

func TestStream_DetectorErrorDoesNotStopLoop(t *testing.T) {
	clock := newFakeClock()
	det := &fakeDetector{script: []detectResult{
		{},
		{err: errors.New("model crashed")},
		{dets: oneFace(0.9)},
	}}
	s, _ := newTestStream(det, &fakeMatcher{}, clock)

	s.Tick(context.Background())
	s.Tick(context.Background())
	if s.EmptyFrames() != 1 {
		t.Errorf("EmptyFrames() after error = %d, want 1 (unchanged)", s.EmptyFrames())
	}

	if _, ran := s.Tick(context.Background()); !ran {
		t.Fatal("Tick() after error did not run")
	}
	s.WaitRecognition()

	st := s.Stats()
	if st.DetectorErrors != 1 {
		t.Errorf("DetectorErrors = %d, want 1", st.DetectorErrors)
	}
	if st.Tracks != 1 || st.Frames != 3 {
		t.Errorf("Tracks = %d Frames = %d, want 1 and 3", st.Tracks, st.Frames)
	}
}

func TestStream_FiltersLowConfidence(t *testing.T) {
	clock := newFakeClock()
	det := &fakeDetector{script: []detectResult{{dets: oneFace(0.59)}}}
	m := &fakeMatcher{}
	s, _ := newTestStream(det, m, clock)

	s.Tick(context.Background())
	s.WaitRecognition()

	if len(s.Tracks()) != 0 {
		t.Errorf("tracks = %d, want 0", len(s.Tracks()))
	}
	if s.EmptyFrames() != 1 {
		t.Errorf("EmptyFrames() = %d, want 1", s.EmptyFrames())
	}
	if m.Calls() != 0 {
		t.Errorf("matcher calls = %d, want 0", m.Calls())
	}
}

func TestStream_ReentrancyGuard(t *testing.T) {
	clock := newFakeClock()
	det := &fakeDetector{
		script:  []detectResult{{}},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s, _ := newTestStream(det, &fakeMatcher{}, clock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Tick(context.Background())
	}()
	<-det.entered

	if _, ran := s.Tick(context.Background()); ran {
		t.Error("second Tick() ran while the first was detecting")
	}

	close(det.release)
	<-done

	if st := s.Stats(); st.Skipped != 1 || st.Frames != 1 {
		t.Errorf("Skipped = %d Frames = %d, want 1 and 1", st.Skipped, st.Frames)
	}
}

func TestStream_StopWhileTriggerRunning(t *testing.T) {
	bus := NewEventBus()
	rec := &recorder{}
	bus.Subscribe(rec)
	src := &fakeSource{}
	det := &gatedDetector{entered: make(chan struct{}, 1), release: make(chan struct{})}
	opts := Options{Interval: time.Hour, IdleInterval: time.Hour, StopTimeout: 50 * time.Millisecond}
	s := NewStream(StreamConfig{ID: "cam1"}, src, det, &fakeMatcher{}, bus, opts)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().LastIteration.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("first iteration never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	triggered := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background())
		triggered <- err
	}()
	<-det.entered

	stopWithin(t, s, 5*time.Second)
	if src.Closed() {
		t.Error("source closed while the triggered iteration was still running")
	}

	close(det.release)
	if err := <-triggered; err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for !src.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("source never closed after the iteration returned")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := rec.Events()
	last := events[len(events)-1]
	if last.Type != EventStream || last.State != StateIdle {
		t.Errorf("last event = %s/%s, want the idle stream event", last.Type, last.State)
	}
	if _, err := s.Trigger(context.Background()); !errors.Is(err, ErrStreamStopped) {
		t.Errorf("Trigger() after stop error = %v, want ErrStreamStopped", err)
	}
}

func TestStream_StopCancelsTrigger(t *testing.T) {
	src := &fakeSource{}
	det := &ctxDetector{entered: make(chan struct{}, 1)}
	opts := Options{Interval: time.Hour, IdleInterval: time.Hour}
	s := NewStream(StreamConfig{ID: "cam1"}, src, det, &fakeMatcher{}, nil, opts)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().LastIteration.IsZero() {
		if time.Now().After(deadline) {
			t.Fatal("first iteration never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	triggered := make(chan struct{})
	go func() {
		defer close(triggered)
		s.Trigger(context.Background())
	}()
	<-det.entered

	stopWithin(t, s, time.Second)
	<-triggered
	if !src.Closed() {
		t.Error("source not closed after Stop returned")
	}
	if st := s.Stats(); st.DetectorErrors != 0 {
		t.Errorf("DetectorErrors = %d, want 0 for a cancelled call", st.DetectorErrors)
	}
}

func TestStream_StopDoesNotWaitForHungDetector(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{
		script:  []detectResult{{}},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := NewStream(StreamConfig{ID: "cam1"}, src, det, &fakeMatcher{}, nil, Options{StopTimeout: 50 * time.Millisecond})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-det.entered

	stopWithin(t, s, 5*time.Second)
	if s.State() != StateIdle {
		t.Errorf("State() = %s, want idle", s.State())
	}
	if src.Closed() {
		t.Error("source closed under a running detector call")
	}

	close(det.release)
	deadline := time.Now().Add(5 * time.Second)
	for !src.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("source never closed after the detector returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestManager_StopDuringRecognition(t *testing.T) {
	src := &fakeSource{}
	det := &fakeDetector{script: []detectResult{{dets: oneFace(0.9)}}}
	m := &fakeMatcher{
		match:   face.Match{Known: true, Name: "carol"},
		called:  make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	mgr := NewManager(det, m, func(string, camera.Config) (FrameSource, error) { return src, nil }, nil, Options{})
	defer mgr.Close()

	if err := mgr.StartStream(context.Background(), StreamConfig{ID: "cam1"}); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	stream, err := mgr.Stream("cam1")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	select {
	case <-m.called:
	case <-time.After(5 * time.Second):
		t.Fatal("matcher was never called")
	}

	if err := mgr.StopStream("cam1"); err != nil {
		t.Fatalf("StopStream() error = %v", err)
	}
	close(m.release)
	stream.WaitRecognition()

	if n := len(stream.Tracks()); n != 0 {
		t.Errorf("tracks after stop = %d, want 0", n)
	}
	st := stream.Stats()
	if st.Recognition.Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", st.Recognition.Discarded)
	}
	if st.State != StateIdle {
		t.Errorf("State = %s, want idle", st.State)
	}
	if !src.Closed() {
		t.Error("source not closed on stop")
	}
	if _, err := mgr.Stream("cam1"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Stream() after stop error = %v, want ErrStreamNotFound", err)
	}
}

func TestManager_StartErrors(t *testing.T) {
	det := &fakeDetector{script: []detectResult{{}}}
	sources := func(id string, cfg camera.Config) (FrameSource, error) {
		if id == "broken" {
			return &fakeSource{openErr: camera.ErrSourceUnavailable}, nil
		}
		return &fakeSource{}, nil
	}
	mgr := NewManager(det, &fakeMatcher{}, sources, nil, Options{})
	defer mgr.Close()

	err := mgr.StartStream(context.Background(), StreamConfig{ID: "broken"})
	if !errors.Is(err, camera.ErrSourceUnavailable) {
		t.Fatalf("StartStream(broken) error = %v, want ErrSourceUnavailable", err)
	}
	if len(mgr.Streams()) != 0 {
		t.Errorf("Streams() = %d after failed start, want 0", len(mgr.Streams()))
	}

	if err := mgr.StartStream(context.Background(), StreamConfig{ID: "a"}); err != nil {
		t.Fatalf("StartStream(a) error = %v", err)
	}
	if err := mgr.StartStream(context.Background(), StreamConfig{ID: "a"}); !errors.Is(err, ErrStreamExists) {
		t.Errorf("StartStream(a) twice error = %v, want ErrStreamExists", err)
	}
	if err := mgr.StartStream(context.Background(), StreamConfig{ID: "b"}); err != nil {
		t.Fatalf("StartStream(b) error = %v", err)
	}

	streams := mgr.Streams()
	if len(streams) != 2 || streams[0].StreamID != "a" || streams[1].StreamID != "b" {
		t.Errorf("Streams() = %+v, want a and b", streams)
	}

	if err := mgr.StopStream("zzz"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("StopStream(zzz) error = %v, want ErrStreamNotFound", err)
	}
	if _, err := mgr.Tracks("zzz"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Tracks(zzz) error = %v, want ErrStreamNotFound", err)
	}

	mgr.Close()
	if err := mgr.StartStream(context.Background(), StreamConfig{ID: "c"}); err == nil {
		t.Error("StartStream() after Close error = nil")
	}
}

func TestManager_Trigger(t *testing.T) {
	det := &fakeDetector{script: []detectResult{{}}}
	mgr := NewManager(det, &fakeMatcher{}, func(string, camera.Config) (FrameSource, error) {
		return &fakeSource{}, nil
	}, nil, Options{Interval: time.Hour, IdleInterval: time.Hour})
	defer mgr.Close()

	if err := mgr.StartStream(context.Background(), StreamConfig{ID: "cam"}); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}

	// The first iteration runs right after start; the trigger may race it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		ran, err := mgr.Trigger(context.Background(), "cam")
		if err != nil {
			t.Fatalf("Trigger() error = %v", err)
		}
		st, _ := mgr.Stats("cam")
		if ran && st.Frames >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("triggered iteration never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := mgr.Trigger(context.Background(), "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Trigger(missing) error = %v, want ErrStreamNotFound", err)
	}
	if err := mgr.StopStream("cam"); err != nil {
		t.Fatalf("StopStream() error = %v", err)
	}
	if _, err := mgr.Trigger(context.Background(), "cam"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Trigger() after stop error = %v, want ErrStreamNotFound", err)
	}
}

func TestEventBus_ChannelDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	ch, unsubscribe := bus.SubscribeChannel("cam1", 1)

	bus.Publish(Event{Type: EventTracks, StreamID: "cam1"})
	bus.Publish(Event{Type: EventTracks, StreamID: "cam1"})
	bus.Publish(Event{Type: EventTracks, StreamID: "cam2"})

	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1", got)
	}

	unsubscribe()
	<-ch
	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", bus.SubscriberCount())
	}
}

func TestEventBus_StreamFilter(t *testing.T) {
	bus := NewEventBus()
	var got []string
	bus.SubscribeStream("cam2", HandlerFunc(func(e Event) { got = append(got, e.StreamID) }))

	bus.Publish(Event{StreamID: "cam1"})
	bus.Publish(Event{StreamID: "cam2"})

	if len(got) != 1 || got[0] != "cam2" {
		t.Errorf("handler got %v, want [cam2]", got)
	}
}
