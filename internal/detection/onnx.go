//go:build onnx

package detection

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"kiosk/internal/face"
)

const (
	onnxInputSize   = 640
	onnxPredictions = 8400
	onnxNMSIoU      = 0.45
)

// ONNXDetector runs a YOLO face model (single class, output 1x5x8400)
// through ONNX Runtime.
type ONNXDetector struct {
	mu            sync.Mutex
	session       *ort.AdvancedSession
	input         *ort.Tensor[float32]
	output        *ort.Tensor[float32]
	minConfidence float32
}

func newONNXDetector(cfg ONNXConfig) (Detector, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize onnx runtime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, onnxInputSize, onnxInputSize))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 5, onnxPredictions))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	minConfidence := float32(cfg.MinConfidence)
	if minConfidence <= 0 {
		minConfidence = 0.25
	}

	return &ONNXDetector{session: session, input: input, output: output, minConfidence: minConfidence}, nil
}

// Name implements Detector.
func (d *ONNXDetector) Name() string { return "onnx" }

// Detect implements Detector.
func (d *ONNXDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	img, err := frame.Image()
	if err != nil {
		return nil, err
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	d.mu.Lock()
	defer d.mu.Unlock()

	resized := imaging.Resize(img, onnxInputSize, onnxInputSize, imaging.Linear)
	fillInput(resized, d.input.GetData())

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	return d.decode(d.output.GetData(), w, h), nil
}

func fillInput(img *image.NRGBA, buffer []float32) {
	channelSize := onnxInputSize * onnxInputSize
	for y := 0; y < onnxInputSize; y++ {
		offset := y * onnxInputSize
		for x := 0; x < onnxInputSize; x++ {
			i := offset + x
			p := img.PixOffset(x, y)
			buffer[i] = float32(img.Pix[p]) / 255.0
			buffer[channelSize+i] = float32(img.Pix[p+1]) / 255.0
			buffer[channelSize*2+i] = float32(img.Pix[p+2]) / 255.0
		}
	}
}

func (d *ONNXDetector) decode(out []float32, width, height int) []face.Detection {
	sx := float64(width) / onnxInputSize
	sy := float64(height) / onnxInputSize

	var candidates []face.Detection
	for i := 0; i < onnxPredictions; i++ {
		conf := out[4*onnxPredictions+i]
		if conf < d.minConfidence {
			continue
		}
		cx := float64(out[i]) * sx
		cy := float64(out[onnxPredictions+i]) * sy
		bw := float64(out[2*onnxPredictions+i]) * sx
		bh := float64(out[3*onnxPredictions+i]) * sy
		candidates = append(candidates, face.Detection{
			BBox:       face.BBox{X: cx - bw/2, Y: cy - bh/2, Width: bw, Height: bh},
			Confidence: float64(conf),
		})
	}
	return suppress(candidates, onnxNMSIoU)
}

// suppress is greedy non-maximum suppression.
func suppress(dets []face.Detection, iouThreshold float64) []face.Detection {
	sort.Slice(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })

	kept := make([]face.Detection, 0, len(dets))
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if face.IoU(d.BBox, k.BBox) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

// Close releases the session and tensors.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session.Destroy()
	d.input.Destroy()
	d.output.Destroy()
	return nil
}
