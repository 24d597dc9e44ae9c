// Package face holds the value types shared by the capture, detection,
// tracking and recognition stages of the live view.
package face

import "errors"

// UnknownName is the identity assigned when the matcher answers with no match.
const UnknownName = "unknown"

var (
	// ErrEmptyCrop is returned when a box does not overlap the frame.
	ErrEmptyCrop = errors.New("crop region is outside the frame")
	// ErrNoImage is returned when a frame carries neither pixels nor JPEG data.
	ErrNoImage = errors.New("frame has no image data")
)

// Detection is one face found in a single frame by a detector backend.
type Detection struct {
	BBox       BBox      `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Landmarks  []Point   `json:"landmarks,omitempty"`
	Age        *int      `json:"age,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Descriptor []float32 `json:"-"` // Face embedding, usable by local identity matchers
}

// FilterByConfidence returns detections with confidence >= minConfidence.
// The input slice is not modified.
func FilterByConfidence(detections []Detection, minConfidence float64) []Detection {
	out := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= minConfidence {
			out = append(out, d)
		}
	}
	return out
}

// Match is the answer of an identity matcher for one face crop.
// Known is false for "no match"; Name is then empty.
type Match struct {
	Known      bool    `json:"known"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence"`
}
