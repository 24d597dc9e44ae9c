package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"kiosk/internal/face"
)

// Persona is one of the faces drawn by the synthetic source.
type Persona struct {
	Name  string
	Color color.RGBA
}

// Personas are drawn in order; a synthetic stream with N faces uses the first N.
var Personas = []Persona{
	{Name: "alice", Color: color.RGBA{224, 172, 105, 255}},
	{Name: "bob", Color: color.RGBA{141, 85, 36, 255}},
	{Name: "carol", Color: color.RGBA{255, 219, 172, 255}},
	{Name: "dave", Color: color.RGBA{90, 60, 160, 255}},
	{Name: "erin", Color: color.RGBA{120, 160, 200, 255}},
}

const (
	// syntheticPeriod frames per visibility cycle; faces are shown for
	// syntheticVisible of them and the scene is empty for the rest.
	syntheticPeriod  = 120
	syntheticVisible = 80
)

// SyntheticSource renders moving faces on a plain background. Every frame
// carries the ground-truth face boxes in Frame.Truth.
type SyntheticSource struct {
	streamID string
	cfg      Config

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// NewSyntheticSource creates a generator for cfg.Faces faces.
func NewSyntheticSource(streamID string, cfg Config) *SyntheticSource {
	cfg = cfg.Normalize()
	if cfg.Faces <= 0 {
		cfg.Faces = 1
	}
	if cfg.Faces > len(Personas) {
		cfg.Faces = len(Personas)
	}
	return &SyntheticSource{streamID: streamID, cfg: cfg}
}

// Name implements Source.
func (s *SyntheticSource) Name() string { return "synthetic" }

// Open implements Source.
func (s *SyntheticSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Frame renders the next frame.
func (s *SyntheticSource) Frame(ctx context.Context) (*face.Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	img, truth := s.render(seq)
	frame := face.NewImageFrame(s.streamID, seq, time.Now(), img)
	frame.Truth = truth
	return frame, nil
}

// Close implements Source.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SyntheticSource) render(seq uint64) (*image.RGBA, []face.BBox) {
	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fillBackground(img)

	if seq%syntheticPeriod >= syntheticVisible {
		return img, nil
	}

	size := min(w, h) / 4
	band := h / s.cfg.Faces
	travel := w - size - 20

	truth := make([]face.BBox, 0, s.cfg.Faces)
	for i := 0; i < s.cfg.Faces; i++ {
		// Faces bounce horizontally, two pixels per frame, each in its own band.
		pos := triangle(int(seq)*2+i*37, travel)
		x := 10 + pos
		y := i*band + max(0, (band-size)/2)
		box := image.Rect(x, y, x+size, y+size)

		DrawPersona(img, box, Personas[i])
		drawLabel(img, x, y+size+4, Personas[i].Name, color.RGBA{255, 255, 255, 255})
		truth = append(truth, face.BBox{X: float64(x), Y: float64(y), Width: float64(size), Height: float64(size)})
	}
	return img, truth
}

// DrawPersona paints a simple face (head and eyes) filling box.
func DrawPersona(img *image.RGBA, box image.Rectangle, p Persona) {
	cx := float64(box.Min.X+box.Max.X) / 2
	cy := float64(box.Min.Y+box.Max.Y) / 2
	rx := float64(box.Dx()) / 2
	ry := float64(box.Dy()) / 2

	eye := color.RGBA{30, 30, 30, 255}
	eyeR := rx / 8
	leftEye := [2]float64{cx - rx/3, cy - ry/4}
	rightEye := [2]float64{cx + rx/3, cy - ry/4}

	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			dy := (float64(y) + 0.5 - cy) / ry
			if dx*dx+dy*dy > 1 {
				continue
			}
			c := p.Color
			if within(x, y, leftEye, eyeR) || within(x, y, rightEye, eyeR) {
				c = eye
			}
			img.SetRGBA(x, y, c)
		}
	}
}

// RenderPersona draws a single persona on a size x size canvas, used to seed
// the identity gallery for demo streams.
func RenderPersona(p Persona, size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	fillBackground(img)
	DrawPersona(img, img.Bounds(), p)
	return img
}

func within(x, y int, c [2]float64, r float64) bool {
	dx := float64(x) + 0.5 - c[0]
	dy := float64(y) + 0.5 - c[1]
	return dx*dx+dy*dy <= r*r
}

func fillBackground(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		shade := uint8(40 + 40*(y-b.Min.Y)/max(1, b.Dy()))
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, color.RGBA{shade, shade, shade + 10, 255})
		}
	}
}

// triangle maps v onto 0..span..0 so positions bounce between the edges.
func triangle(v, span int) int {
	if span <= 0 {
		return 0
	}
	period := 2 * span
	m := v % period
	if m > span {
		return period - m
	}
	return m
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y+12 > img.Bounds().Max.Y {
		return
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
