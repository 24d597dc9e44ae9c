package detection

import (
	"context"
	"image"
	"math"

	"kiosk/internal/face"
)

// syntheticConfidence is reported for every generated face.
const syntheticConfidence = 0.95

// SyntheticDetector reports the ground-truth boxes carried by generated
// frames. Frames without ground truth have no faces.
type SyntheticDetector struct{}

// NewSyntheticDetector creates the detector used by demo streams.
func NewSyntheticDetector() *SyntheticDetector { return &SyntheticDetector{} }

// Name implements Detector.
func (d *SyntheticDetector) Name() string { return "synthetic" }

// Detect implements Detector.
func (d *SyntheticDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	if len(frame.Truth) == 0 {
		return nil, nil
	}

	img, err := frame.Image()
	if err != nil {
		return nil, err
	}

	detections := make([]face.Detection, 0, len(frame.Truth))
	for _, box := range frame.Truth {
		detections = append(detections, face.Detection{
			BBox:       box,
			Confidence: syntheticConfidence,
			Descriptor: ColorDescriptor(img, box.Rect()),
		})
	}
	return detections, nil
}

// ColorDescriptor is a 64-bin (4x4x4) RGB histogram of rect, L2 normalized.
// Distinctly colored faces give near-orthogonal descriptors.
func ColorDescriptor(img image.Image, rect image.Rectangle) []float32 {
	rect = rect.Intersect(img.Bounds())
	hist := make([]float32, 64)
	if rect.Empty() {
		return hist
	}

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			bin := (r>>14)*16 + (g>>14)*4 + (b >> 14)
			hist[bin]++
		}
	}

	var norm float64
	for _, v := range hist {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range hist {
		hist[i] = float32(float64(hist[i]) / norm)
	}
	return hist
}
