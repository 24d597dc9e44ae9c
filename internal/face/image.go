package face

import (
	"bytes"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// JPEGQuality is used for every JPEG the live view produces.
const JPEGQuality = 85

// Frame is a single captured image of one stream.
// Pixels and JPEG bytes are converted lazily; a Frame is owned by one loop
// iteration and is not safe for concurrent use.
type Frame struct {
	StreamID  string
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int

	// Truth carries ground-truth face boxes for generated frames.
	Truth []BBox

	img  image.Image
	jpeg []byte
}

// NewImageFrame wraps decoded pixels.
func NewImageFrame(streamID string, seq uint64, ts time.Time, img image.Image) *Frame {
	b := img.Bounds()
	return &Frame{
		StreamID:  streamID,
		Seq:       seq,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		img:       img,
	}
}

// NewJPEGFrame wraps encoded JPEG bytes.
func NewJPEGFrame(streamID string, seq uint64, ts time.Time, data []byte) *Frame {
	return &Frame{
		StreamID:  streamID,
		Seq:       seq,
		Timestamp: ts,
		jpeg:      data,
	}
}

// Image returns the decoded frame, decoding the JPEG payload on first use.
func (f *Frame) Image() (image.Image, error) {
	if f.img != nil {
		return f.img, nil
	}
	if len(f.jpeg) == 0 {
		return nil, ErrNoImage
	}

	img, err := imaging.Decode(bytes.NewReader(f.jpeg))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	b := img.Bounds()
	f.img = img
	f.Width = b.Dx()
	f.Height = b.Dy()
	return img, nil
}

// JPEG returns the encoded frame, encoding the pixels on first use.
func (f *Frame) JPEG() ([]byte, error) {
	if len(f.jpeg) > 0 {
		return f.jpeg, nil
	}
	if f.img == nil {
		return nil, ErrNoImage
	}

	data, err := EncodeJPEG(f.img)
	if err != nil {
		return nil, err
	}
	f.jpeg = data
	return data, nil
}

// Crop cuts the region of box out of the frame. The crop holds its own
// pixel copy so it can outlive the frame.
func (f *Frame) Crop(box BBox) (Crop, error) {
	img, err := f.Image()
	if err != nil {
		return Crop{}, err
	}

	rect := box.Rect().Intersect(img.Bounds())
	if rect.Empty() {
		return Crop{}, ErrEmptyCrop
	}

	return Crop{
		StreamID: f.StreamID,
		BBox:     box,
		Image:    imaging.Crop(img, rect),
	}, nil
}

// Crop is a face image cut out of a frame, handed to identity matchers.
type Crop struct {
	StreamID   string
	BBox       BBox
	Image      image.Image
	Descriptor []float32
}

// JPEG encodes the crop.
func (c Crop) JPEG() ([]byte, error) {
	if c.Image == nil {
		return nil, ErrNoImage
	}
	return EncodeJPEG(c.Image)
}

// EncodeJPEG encodes img with the live view quality setting.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail scales img so that its longest side is at most maxSide and
// returns it JPEG encoded. Images already small enough are encoded as is.
func Thumbnail(img image.Image, maxSide int) ([]byte, error) {
	if img == nil {
		return nil, ErrNoImage
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return EncodeJPEG(img)
	}

	if w >= h {
		h = max(1, h*maxSide/w)
		w = maxSide
	} else {
		w = max(1, w*maxSide/h)
		h = maxSide
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return EncodeJPEG(dst)
}
