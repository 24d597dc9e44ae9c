// Package stream serves an annotated live preview of each running stream:
// the latest frame with its track boxes and identity labels, as MJPEG or
// as a single JPEG snapshot.
package stream

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"kiosk/internal/face"
	"kiosk/internal/pipeline"
	"kiosk/internal/tracking"
)

// ErrNoFrame is returned for streams that have not produced a frame since
// they were started.
var ErrNoFrame = errors.New("no frame available")

const clientBuffer = 5

var (
	knownColor   = color.RGBA{0, 255, 0, 255}     // Green for known
	unknownColor = color.RGBA{255, 165, 0, 255}   // Orange for unknown
	pendingColor = color.RGBA{200, 200, 200, 255} // Grey until the matcher answers
	labelBg      = color.RGBA{0, 0, 0, 180}
)

// Preview keeps the latest frame of every running stream. It subscribes to
// the pipeline event bus; frames are only annotated and encoded while a
// client is watching or a snapshot is requested.
type Preview struct {
	mu     sync.RWMutex
	feeds  map[string]*feed
	logger *log.Entry
}

type feed struct {
	mu      sync.Mutex
	frame   *face.Frame
	tracks  []tracking.Track
	seq     uint64
	jpeg    []byte
	jpegSeq uint64
	clients map[chan []byte]struct{}
}

// NewPreview creates an empty preview.
func NewPreview() *Preview {
	return &Preview{
		feeds:  make(map[string]*feed),
		logger: log.WithField("component", "preview"),
	}
}

// OnEvent implements pipeline.EventHandler.
func (p *Preview) OnEvent(e pipeline.Event) {
	switch e.Type {
	case pipeline.EventTracks:
		if e.Frame == nil {
			return
		}
		p.feed(e.StreamID, true).update(e.Frame, e.Tracks, p.logger.WithField("stream", e.StreamID))
	case pipeline.EventStream:
		if e.State == pipeline.StateIdle {
			p.remove(e.StreamID)
		}
	}
}

func (p *Preview) feed(streamID string, create bool) *feed {
	p.mu.RLock()
	f := p.feeds[streamID]
	p.mu.RUnlock()
	if f != nil || !create {
		return f
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if f = p.feeds[streamID]; f == nil {
		f = &feed{clients: make(map[chan []byte]struct{})}
		p.feeds[streamID] = f
	}
	return f
}

// remove drops the feed of a stopped stream and disconnects its viewers.
func (p *Preview) remove(streamID string) {
	p.mu.Lock()
	f := p.feeds[streamID]
	delete(p.feeds, streamID)
	p.mu.Unlock()

	if f == nil {
		return
	}
	f.mu.Lock()
	for ch := range f.clients {
		close(ch)
	}
	f.clients = make(map[chan []byte]struct{})
	f.mu.Unlock()
}

// update keeps the frame for later rendering; the stream loop does not touch
// a frame once it has been published.
func (f *feed) update(frame *face.Frame, tracks []tracking.Track, logger *log.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.frame = frame
	f.tracks = tracks
	f.seq++

	if len(f.clients) == 0 {
		return
	}
	data, err := f.renderLocked()
	if err != nil {
		logger.WithError(err).Warn("Failed to render preview frame")
		return
	}
	for ch := range f.clients {
		select {
		case ch <- data:
		default:
			// Slow viewer, it gets the next frame
		}
	}
}

// renderLocked returns the annotated JPEG of the current frame, encoding it
// at most once per frame.
func (f *feed) renderLocked() ([]byte, error) {
	if f.frame == nil {
		return nil, ErrNoFrame
	}
	if f.jpeg != nil && f.jpegSeq == f.seq {
		return f.jpeg, nil
	}
	img, err := f.frame.Image()
	if err != nil {
		return nil, err
	}
	data, err := face.EncodeJPEG(Annotate(img, f.tracks))
	if err != nil {
		return nil, err
	}
	f.jpeg, f.jpegSeq = data, f.seq
	return data, nil
}

func (f *feed) subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	f.mu.Lock()
	f.clients[ch] = struct{}{}
	if data, err := f.renderLocked(); err == nil {
		ch <- data
	}
	f.mu.Unlock()
	return ch
}

func (f *feed) unsubscribe(ch chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[ch]; ok {
		delete(f.clients, ch)
		close(ch)
	}
}

// Snapshot returns the latest annotated frame of a stream.
func (p *Preview) Snapshot(streamID string) ([]byte, error) {
	f := p.feed(streamID, false)
	if f == nil {
		return nil, fmt.Errorf("stream %s: %w", streamID, ErrNoFrame)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renderLocked()
}

// Viewers returns the number of MJPEG clients watching a stream.
func (p *Preview) Viewers(streamID string) int {
	f := p.feed(streamID, false)
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// ServeSnapshot writes the latest annotated frame as a single JPEG.
func (p *Preview) ServeSnapshot(w http.ResponseWriter, r *http.Request, streamID string) {
	data, err := p.Snapshot(streamID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// ServeMJPEG streams annotated frames until the client disconnects or the
// stream stops.
func (p *Preview) ServeMJPEG(w http.ResponseWriter, r *http.Request, streamID string) {
	f := p.feed(streamID, false)
	if f == nil {
		http.Error(w, fmt.Sprintf("stream %s: %s", streamID, ErrNoFrame), http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	logger := p.logger.WithField("stream", streamID)
	logger.Infof("Viewer connected from %s", r.RemoteAddr)
	defer logger.Info("Viewer disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if err := writePart(w, frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// Annotate draws the box and label of every track on a copy of img.
func Annotate(img image.Image, tracks []tracking.Track) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, t := range tracks {
		c, label := trackStyle(t)
		r := t.BBox.Rect().Add(bounds.Min)
		drawBox(rgba, r, c, 2)
		drawLabel(rgba, r.Min.X, r.Min.Y-15, label, c)
	}
	return rgba
}

func trackStyle(t tracking.Track) (color.RGBA, string) {
	switch {
	case !t.Identity.Resolved():
		return pendingColor, "..."
	case t.Identity.Recognized:
		return knownColor, fmt.Sprintf("%s %.0f%%", t.Identity.Name, t.Identity.Confidence*100)
	default:
		return unknownColor, face.UnknownName
	}
}

// drawBox draws the outline of r, clipped to the image.
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel draws text on a dark background, kept inside the image.
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	if y < bounds.Min.Y {
		y = bounds.Min.Y
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	bg := image.Rect(x, y, x+len(label)*7+4, y+14).Intersect(bounds)
	draw.Draw(img, bg, image.NewUniform(labelBg), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x + 2), Y: fixed.I(y + 11)},
	}
	d.DrawString(label)
}
