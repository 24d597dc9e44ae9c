// Package tracking keeps the per-stream set of face tracks alive across
// frames by matching detections on bounding box overlap.
package tracking

import (
	"time"

	"kiosk/internal/face"
)

// Identity is the resolved name of a track. An empty Name means the
// identity matcher has not answered yet.
type Identity struct {
	Name       string  `json:"name"`
	Recognized bool    `json:"recognized"`
	Confidence float64 `json:"confidence"`
}

// Resolved reports whether the matcher has answered for this track.
func (i Identity) Resolved() bool {
	return i.Name != ""
}

// Track is one face followed across consecutive frames of a stream.
type Track struct {
	ID               string    `json:"id"`
	BBox             face.BBox `json:"bbox"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	LastRecognizedAt time.Time `json:"last_recognized_at,omitempty"`
	LastLoggedAt     time.Time `json:"last_logged_at,omitempty"`
	LastLoggedName   string    `json:"last_logged_name,omitempty"`
	Confidence       float64   `json:"confidence"`
	Gender           string    `json:"gender,omitempty"`
	Age              *int      `json:"age,omitempty"`
	Descriptor       []float32 `json:"-"`
	Identity         Identity  `json:"identity"`
	Hits             int       `json:"hits"`

	seq uint64 // creation order, used for deterministic tie-breaks
}

func (t *Track) observe(d face.Detection, now time.Time) {
	t.BBox = d.BBox
	t.LastSeenAt = now
	t.Confidence = d.Confidence
	t.Gender = d.Gender
	t.Age = d.Age
	t.Descriptor = d.Descriptor
	t.Hits++
}
