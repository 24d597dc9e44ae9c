// Package recognition throttles identity matcher calls per track and merges
// their results back into the owning track registry.
package recognition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"kiosk/internal/face"
	"kiosk/internal/tracking"
)

// DefaultCooldown is the minimum time between two matcher calls for one track.
const DefaultCooldown = 5 * time.Second

// Matcher resolves a face crop to a known identity.
type Matcher interface {
	Identify(ctx context.Context, crop face.Crop) (face.Match, error)
}

// Stats counts matcher calls issued by a Scheduler.
type Stats struct {
	Calls     int64 `json:"calls"`
	Matched   int64 `json:"matched"`
	Unknown   int64 `json:"unknown"`
	Errors    int64 `json:"errors"`
	Discarded int64 `json:"discarded"`
}

// Scheduler issues at most one matcher call per track per cooldown window.
type Scheduler struct {
	matcher  Matcher
	cooldown time.Duration
	logger   log.FieldLogger

	wg        sync.WaitGroup
	calls     atomic.Int64
	matched   atomic.Int64
	unknown   atomic.Int64
	errors    atomic.Int64
	discarded atomic.Int64
}

// NewScheduler creates a scheduler around matcher. A non-positive cooldown
// uses DefaultCooldown.
func NewScheduler(matcher Matcher, cooldown time.Duration, logger log.FieldLogger) *Scheduler {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{
		matcher:  matcher,
		cooldown: cooldown,
		logger:   logger,
	}
}

// MaybeRecognize starts a matcher call for the track unless one was started
// within the cooldown window. The window opens when the call is issued, not
// when it completes, so a slow matcher never sees duplicate requests.
//
// The call runs on its own goroutine and is not cancelled with ctx. Its
// result is dropped if the track has been evicted or the registry closed in
// the meantime. It reports whether a call was issued.
func (s *Scheduler) MaybeRecognize(ctx context.Context, reg *tracking.Registry, trackID string, crop face.Crop, now time.Time) bool {
	due := false
	reg.Mutate(trackID, func(t *tracking.Track) {
		if !t.LastRecognizedAt.IsZero() && now.Sub(t.LastRecognizedAt) < s.cooldown {
			return
		}
		t.LastRecognizedAt = now
		due = true
	})
	if !due {
		return false
	}

	s.calls.Add(1)
	s.wg.Add(1)
	callCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.wg.Done()
		match, err := s.matcher.Identify(callCtx, crop)
		s.apply(reg, trackID, match, err)
	}()
	return true
}

func (s *Scheduler) apply(reg *tracking.Registry, trackID string, match face.Match, err error) {
	logger := s.logger.WithField("track", trackID)

	if err != nil {
		s.errors.Add(1)
		logger.WithError(err).Warn("Identity match failed")
		return
	}

	identity := tracking.Identity{Name: face.UnknownName}
	if match.Known {
		identity = tracking.Identity{Name: match.Name, Recognized: true, Confidence: match.Confidence}
	}

	applied := reg.Mutate(trackID, func(t *tracking.Track) {
		t.Identity = identity
	})
	if !applied {
		s.discarded.Add(1)
		logger.Debug("Discarding identity result for a track that is gone")
		return
	}

	if match.Known {
		s.matched.Add(1)
		logger.WithField("name", match.Name).Debugf("Track identified (%.2f)", match.Confidence)
	} else {
		s.unknown.Add(1)
	}
}

// Stats returns the call counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Calls:     s.calls.Load(),
		Matched:   s.matched.Load(),
		Unknown:   s.unknown.Load(),
		Errors:    s.errors.Load(),
		Discarded: s.discarded.Load(),
	}
}

// Wait blocks until every issued matcher call has completed.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
