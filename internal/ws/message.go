package ws

import (
	"time"

	"kiosk/internal/activity"
	"kiosk/internal/face"
	"kiosk/internal/pipeline"
	"kiosk/internal/tracking"
)

// TracksMessage carries the live tracks of a stream after an iteration
type TracksMessage struct {
	Type      string      `json:"type"` // "tracks"
	StreamID  string      `json:"stream_id"`
	Timestamp time.Time   `json:"timestamp"`
	Tracks    []TrackView `json:"tracks"`
}

// TrackView is one track as rendered by the kiosk overlay
type TrackView struct {
	ID         string    `json:"id"`
	BBox       []float64 `json:"bbox"`                 // [x, y, w, h] in pixels
	Confidence float64   `json:"confidence"`           // Detection confidence 0.0-1.0
	Identity   *string   `json:"identity,omitempty"`   // nil until resolved
	IsKnown    bool      `json:"is_known"`             // Whether face was recognized
	Similarity *float64  `json:"similarity,omitempty"` // Match similarity score
	Age        *int      `json:"age,omitempty"`
	Gender     string    `json:"gender,omitempty"`
}

// ActivityMessage carries one activity record
type ActivityMessage struct {
	Type      string          `json:"type"` // "activity"
	StreamID  string          `json:"stream_id"`
	Timestamp time.Time       `json:"timestamp"`
	Record    activity.Record `json:"record"`
}

// StreamMessage announces a stream start or stop
type StreamMessage struct {
	Type      string         `json:"type"` // "stream"
	StreamID  string         `json:"stream_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     pipeline.State `json:"state"`
}

// NewTracksMessage renders a track snapshot
func NewTracksMessage(streamID string, ts time.Time, tracks []tracking.Track) *TracksMessage {
	msg := &TracksMessage{
		Type:      "tracks",
		StreamID:  streamID,
		Timestamp: ts,
		Tracks:    make([]TrackView, 0, len(tracks)),
	}
	for _, t := range tracks {
		view := TrackView{
			ID:         t.ID,
			BBox:       bboxSlice(t.BBox),
			Confidence: t.Confidence,
			IsKnown:    t.Identity.Recognized,
			Age:        t.Age,
			Gender:     t.Gender,
		}
		if t.Identity.Resolved() {
			name := t.Identity.Name
			view.Identity = &name
		}
		if t.Identity.Recognized {
			sim := t.Identity.Confidence
			view.Similarity = &sim
		}
		msg.Tracks = append(msg.Tracks, view)
	}
	return msg
}

func bboxSlice(b face.BBox) []float64 {
	return []float64{b.X, b.Y, b.Width, b.Height}
}

// messageFor converts a bus event into its wire message.
func messageFor(e pipeline.Event) any {
	switch e.Type {
	case pipeline.EventTracks:
		return NewTracksMessage(e.StreamID, e.Timestamp, e.Tracks)
	case pipeline.EventActivity:
		if e.Activity == nil {
			return nil
		}
		return &ActivityMessage{Type: "activity", StreamID: e.StreamID, Timestamp: e.Timestamp, Record: *e.Activity}
	case pipeline.EventStream:
		return &StreamMessage{Type: "stream", StreamID: e.StreamID, Timestamp: e.Timestamp, State: e.State}
	}
	return nil
}
