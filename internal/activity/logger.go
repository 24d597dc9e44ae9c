// Package activity turns track identities into deduplicated activity records.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"kiosk/internal/tracking"
)

// DefaultCooldown is the heartbeat interval for a track whose identity does
// not change.
const DefaultCooldown = 10 * time.Second

// Reasons a record was emitted.
const (
	ReasonChange    = "change"
	ReasonHeartbeat = "heartbeat"
)

// Record is one user-visible activity entry.
type Record struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	TrackID    string    `json:"track_id"`
	Name       string    `json:"name"`
	Recognized bool      `json:"recognized"`
	Confidence float64   `json:"confidence"`
	Gender     string    `json:"gender,omitempty"`
	Age        *int      `json:"age,omitempty"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
	Snapshot   []byte    `json:"snapshot,omitempty"`
}

// Publisher receives emitted records.
type Publisher interface {
	PublishActivity(ctx context.Context, rec Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, rec Record)

// PublishActivity calls f.
func (f PublisherFunc) PublishActivity(ctx context.Context, rec Record) { f(ctx, rec) }

// Logger decides when a track is worth a new activity record.
type Logger struct {
	cooldown  time.Duration
	publisher Publisher
	logger    log.FieldLogger
}

// NewLogger creates a Logger. publisher may be nil.
func NewLogger(cooldown time.Duration, publisher Publisher, logger log.FieldLogger) *Logger {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Logger{cooldown: cooldown, publisher: publisher, logger: logger}
}

// MaybeLog emits a record for the track when its identity name differs from
// the last logged one, or when the last record is at least one cooldown old.
// Tracks without a resolved identity are skipped. snapshot is only called
// when a record is emitted and may be nil.
func (l *Logger) MaybeLog(ctx context.Context, streamID string, reg *tracking.Registry, trackID string, now time.Time, snapshot func() []byte) (Record, bool) {
	var rec Record
	fired := false

	reg.Mutate(trackID, func(t *tracking.Track) {
		if !t.Identity.Resolved() {
			return
		}

		reason := ""
		switch {
		case t.Identity.Name != t.LastLoggedName:
			reason = ReasonChange
		case now.Sub(t.LastLoggedAt) >= l.cooldown:
			reason = ReasonHeartbeat
		default:
			return
		}

		t.LastLoggedAt = now
		t.LastLoggedName = t.Identity.Name
		fired = true

		rec = Record{
			ID:         uuid.NewString(),
			StreamID:   streamID,
			TrackID:    t.ID,
			Name:       t.Identity.Name,
			Recognized: t.Identity.Recognized,
			Confidence: t.Identity.Confidence,
			Gender:     t.Gender,
			Age:        t.Age,
			Reason:     reason,
			Timestamp:  now,
		}
	})
	if !fired {
		return Record{}, false
	}

	if snapshot != nil {
		rec.Snapshot = snapshot()
	}

	l.logger.WithFields(log.Fields{
		"stream":     streamID,
		"track":      trackID,
		"name":       rec.Name,
		"recognized": rec.Recognized,
		"reason":     rec.Reason,
	}).Info("Activity")

	if l.publisher != nil {
		l.publisher.PublishActivity(ctx, rec)
	}
	return rec, true
}
