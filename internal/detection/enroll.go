package detection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/text/unicode/norm"

	"kiosk/internal/camera"
	"kiosk/internal/face"
)

// ErrNoFace is returned when a reference image contains no face.
var ErrNoFace = errors.New("no face found")

// Enroll detects faces in frame and adds the descriptor of the most
// confident one to g under name.
func Enroll(ctx context.Context, g *Gallery, det Detector, name string, frame *face.Frame) error {
	dets, err := det.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("failed to detect faces: %w", err)
	}
	if len(dets) == 0 {
		return ErrNoFace
	}

	best := -1
	for i, d := range dets {
		if len(d.Descriptor) == 0 {
			continue
		}
		if best < 0 || d.Confidence > dets[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return fmt.Errorf("detector %s: %w", det.Name(), ErrNoDescriptor)
	}
	return g.Add(name, dets[best].Descriptor)
}

// PersonaFrame renders a demo persona as a frame whose ground truth is the
// whole image, so SyntheticDetector describes it like a live face.
func PersonaFrame(p camera.Persona, size int) *face.Frame {
	img := camera.RenderPersona(p, size)
	frame := face.NewImageFrame("enroll", 0, time.Now(), img)
	frame.Truth = []face.BBox{{Width: float64(size), Height: float64(size)}}
	return frame
}

// GalleryImage is a reference image and the person it shows.
type GalleryImage struct {
	Name string
	Path string
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// ScanGalleryDir lists reference images laid out as dir/<name>/*.jpg or
// dir/<name>.jpg, ordered by name then path.
func ScanGalleryDir(dir string) ([]GalleryImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read gallery directory: %w", err)
	}

	var images []GalleryImage
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			files, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
			for _, f := range files {
				if !f.IsDir() && imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
					images = append(images, GalleryImage{Name: personName(e.Name()), Path: filepath.Join(path, f.Name())})
				}
			}
			continue
		}
		ext := filepath.Ext(e.Name())
		if imageExts[strings.ToLower(ext)] {
			images = append(images, GalleryImage{Name: personName(strings.TrimSuffix(e.Name(), ext)), Path: path})
		}
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].Name != images[j].Name {
			return images[i].Name < images[j].Name
		}
		return images[i].Path < images[j].Path
	})
	return images, nil
}

// personName turns a file or directory name into an identity name. Some
// filesystems store names decomposed; identities are compared in NFC.
func personName(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// LoadImageFrame reads a reference image, honoring EXIF orientation.
func LoadImageFrame(path string) (*face.Frame, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return face.NewImageFrame("enroll", 0, time.Now(), img), nil
}
