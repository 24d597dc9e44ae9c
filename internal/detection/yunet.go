//go:build gocv

package detection

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"kiosk/internal/face"
)

// YuNetDetector uses OpenCV's FaceDetectorYN.
type YuNetDetector struct {
	mu       sync.Mutex
	detector gocv.FaceDetectorYN
}

func newYuNetDetector(cfg YuNetConfig) (Detector, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	score := float32(cfg.MinConfidence)
	if score <= 0 {
		score = 0.5
	}

	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.ModelPath,
		"",
		image.Pt(320, 320),
		score,
		0.3,
		5000,
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	return &YuNetDetector{detector: detector}, nil
}

// Name implements Detector.
func (d *YuNetDetector) Name() string { return "yunet" }

// Detect implements Detector.
func (d *YuNetDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	d.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(img, &faces)

	// Row layout: x, y, w, h, five landmark pairs, score.
	detections := make([]face.Detection, 0, faces.Rows())
	for r := 0; r < faces.Rows(); r++ {
		det := face.Detection{
			BBox: face.BBox{
				X:      float64(faces.GetFloatAt(r, 0)),
				Y:      float64(faces.GetFloatAt(r, 1)),
				Width:  float64(faces.GetFloatAt(r, 2)),
				Height: float64(faces.GetFloatAt(r, 3)),
			},
			Confidence: float64(faces.GetFloatAt(r, 14)),
		}
		for l := 0; l < 5; l++ {
			det.Landmarks = append(det.Landmarks, face.Point{
				X: float64(faces.GetFloatAt(r, 4+2*l)),
				Y: float64(faces.GetFloatAt(r, 5+2*l)),
			})
		}
		detections = append(detections, det)
	}
	return detections, nil
}

// Close releases the OpenCV detector.
func (d *YuNetDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.detector.Close()
	return nil
}
