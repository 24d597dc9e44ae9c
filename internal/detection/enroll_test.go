package detection

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"kiosk/internal/camera"
	"kiosk/internal/face"
)

type stubDetector struct {
	dets []face.Detection
	err  error
}

func (d stubDetector) Name() string { return "stub" }

func (d stubDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	return d.dets, d.err
}

func TestEnroll_PicksMostConfidentFace(t *testing.T) {
	g := NewGallery(0.9)
	det := stubDetector{dets: []face.Detection{
		{Confidence: 0.7, Descriptor: []float32{1, 0}},
		{Confidence: 0.99},
		{Confidence: 0.9, Descriptor: []float32{0, 1}},
	}}

	if err := Enroll(context.Background(), g, det, "erin", nil); err != nil {
		t.Fatalf("Enroll() error = %v", err)
	}
	entry, sim, ok := g.Nearest([]float32{0, 1})
	if !ok || entry.Name != "erin" || sim < 0.99 {
		t.Errorf("Nearest() = %v %.2f %v, want erin", entry.Name, sim, ok)
	}
	if g.Len() != 1 {
		t.Errorf("Len() = %d, want 1", g.Len())
	}
}

func TestEnroll_Errors(t *testing.T) {
	g := NewGallery(0.9)
	ctx := context.Background()

	if err := Enroll(ctx, g, stubDetector{}, "x", nil); !errors.Is(err, ErrNoFace) {
		t.Errorf("Enroll(no faces) error = %v, want ErrNoFace", err)
	}
	if err := Enroll(ctx, g, stubDetector{dets: []face.Detection{{Confidence: 1}}}, "x", nil); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("Enroll(no descriptor) error = %v, want ErrNoDescriptor", err)
	}
	boom := errors.New("boom")
	if err := Enroll(ctx, g, stubDetector{err: boom}, "x", nil); !errors.Is(err, boom) {
		t.Errorf("Enroll(detector error) error = %v, want boom", err)
	}
}

func TestEnroll_SyntheticPersonas(t *testing.T) {
	g := NewGallery(0.8)
	det := NewSyntheticDetector()
	for _, p := range camera.Personas {
		if err := Enroll(context.Background(), g, det, p.Name, PersonaFrame(p, 96)); err != nil {
			t.Fatalf("Enroll(%s) error = %v", p.Name, err)
		}
	}

	src := camera.NewSyntheticSource("demo", camera.Config{Kind: camera.KindSynthetic, Width: 640, Height: 480, Faces: 2})
	frame, err := src.Frame(context.Background())
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	dets, _ := det.Detect(context.Background(), frame)
	for i, d := range dets {
		match, _ := g.Identify(context.Background(), face.Crop{Descriptor: d.Descriptor})
		if match.Name != camera.Personas[i].Name {
			t.Errorf("face %d = %q, want %q", i, match.Name, camera.Personas[i].Name)
		}
	}
}

func TestScanGalleryDir(t *testing.T) {
	dir := t.TempDir()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))

	mustSave := func(path string) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := imaging.Save(img, path); err != nil {
			t.Fatalf("Save(%s) error = %v", path, err)
		}
	}
	mustSave(filepath.Join(dir, "carol", "b.jpg"))
	mustSave(filepath.Join(dir, "carol", "a.png"))
	mustSave(filepath.Join(dir, "alice.jpeg"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	images, err := ScanGalleryDir(dir)
	if err != nil {
		t.Fatalf("ScanGalleryDir() error = %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("ScanGalleryDir() = %v, want 3 images", images)
	}
	if images[0].Name != "alice" || images[1].Name != "carol" || filepath.Base(images[1].Path) != "a.png" {
		t.Errorf("ScanGalleryDir() = %v", images)
	}

	frame, err := LoadImageFrame(images[2].Path)
	if err != nil {
		t.Fatalf("LoadImageFrame() error = %v", err)
	}
	if _, err := frame.Image(); err != nil || frame.Width != 8 {
		t.Errorf("frame = %dx%d, err %v", frame.Width, frame.Height, err)
	}

	if got := personName(" Jos\u0065\u0301 "); got != "Jos\u00e9" {
		t.Errorf("personName() = %q, want composed form", got)
	}

	if _, err := ScanGalleryDir(filepath.Join(dir, "missing")); err == nil {
		t.Error("ScanGalleryDir(missing) error = nil")
	}
}
