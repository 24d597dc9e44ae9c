package stream

import (
	"bufio"
	"bytes"
	"errors"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"kiosk/internal/face"
	"kiosk/internal/pipeline"
	"kiosk/internal/tracking"
)

func testFrame(streamID string) *face.Frame {
	img := imaging.New(160, 120, color.NRGBA{20, 20, 20, 255})
	return face.NewImageFrame(streamID, 1, time.Now(), img)
}

func tracksEvent(streamID string, tracks ...tracking.Track) pipeline.Event {
	return pipeline.Event{
		Type:     pipeline.EventTracks,
		StreamID: streamID,
		Tracks:   tracks,
		Frame:    testFrame(streamID),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnnotate_Colors(t *testing.T) {
	img := imaging.New(160, 120, color.NRGBA{0, 0, 0, 255})
	tracks := []tracking.Track{
		{ID: "known", BBox: face.BBox{X: 10, Y: 40, Width: 30, Height: 30},
			Identity: tracking.Identity{Name: "alice", Recognized: true, Confidence: 0.9}},
		{ID: "unknown", BBox: face.BBox{X: 60, Y: 40, Width: 30, Height: 30},
			Identity: tracking.Identity{Name: face.UnknownName}},
		{ID: "pending", BBox: face.BBox{X: 110, Y: 40, Width: 30, Height: 30}},
	}

	out := Annotate(img, tracks)

	tests := []struct {
		x, y int
		want color.RGBA
	}{
		{10, 55, knownColor},
		{60, 55, unknownColor},
		{110, 55, pendingColor},
	}
	for _, tt := range tests {
		if got := out.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
	// Box interior is untouched.
	if got := out.RGBAAt(25, 55); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("interior pixel = %v, want black", got)
	}
	// The source image is not drawn on.
	if got := img.NRGBAAt(10, 55); got != (color.NRGBA{0, 0, 0, 255}) {
		t.Errorf("source pixel = %v, want black", got)
	}
}

func TestAnnotate_BoxOutsideImage(t *testing.T) {
	img := imaging.New(32, 32, color.NRGBA{0, 0, 0, 255})
	out := Annotate(img, []tracking.Track{{BBox: face.BBox{X: -20, Y: -20, Width: 100, Height: 100}}})
	if out.Bounds() != img.Bounds() {
		t.Errorf("bounds = %v, want %v", out.Bounds(), img.Bounds())
	}
}

func TestPreview_Snapshot(t *testing.T) {
	p := NewPreview()

	if _, err := p.Snapshot("lobby"); !errors.Is(err, ErrNoFrame) {
		t.Fatalf("Snapshot() before any frame error = %v, want ErrNoFrame", err)
	}

	p.OnEvent(tracksEvent("lobby", tracking.Track{ID: "t1", BBox: face.BBox{X: 10, Y: 40, Width: 30, Height: 30}}))

	data, err := p.Snapshot("lobby")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 160, 120) {
		t.Errorf("bounds = %v", img.Bounds())
	}

	again, _ := p.Snapshot("lobby")
	if !bytes.Equal(data, again) {
		t.Error("Snapshot() re-encoded an unchanged frame")
	}

	p.OnEvent(pipeline.Event{Type: pipeline.EventStream, StreamID: "lobby", State: pipeline.StateIdle})
	if _, err := p.Snapshot("lobby"); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Snapshot() after stop error = %v, want ErrNoFrame", err)
	}
}

func TestPreview_ServeSnapshot(t *testing.T) {
	p := NewPreview()

	rec := httptest.NewRecorder()
	p.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/streams/lobby/snapshot", nil), "lobby")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	p.OnEvent(tracksEvent("lobby"))
	rec = httptest.NewRecorder()
	p.ServeSnapshot(rec, httptest.NewRequest(http.MethodGet, "/streams/lobby/snapshot", nil), "lobby")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestPreview_ServeMJPEG(t *testing.T) {
	p := NewPreview()
	p.OnEvent(tracksEvent("lobby"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.ServeMJPEG(w, r, "lobby")
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	frame := readPart(t, br)
	if _, err := imaging.Decode(bytes.NewReader(frame)); err != nil {
		t.Fatalf("first part is not a JPEG: %v", err)
	}

	waitFor(t, func() bool { return p.Viewers("lobby") == 1 })
	p.OnEvent(tracksEvent("lobby", tracking.Track{ID: "t1", BBox: face.BBox{X: 10, Y: 40, Width: 30, Height: 30}}))
	if next := readPart(t, br); bytes.Equal(next, frame) {
		t.Error("second part repeats the first frame")
	}

	// Stopping the stream ends the response.
	p.OnEvent(pipeline.Event{Type: pipeline.EventStream, StreamID: "lobby", State: pipeline.StateIdle})
	if _, err := io.ReadAll(br); err != nil {
		t.Errorf("ReadAll() after stop error = %v", err)
	}
	if n := p.Viewers("lobby"); n != 0 {
		t.Errorf("Viewers() = %d, want 0", n)
	}
}

func TestPreview_ServeMJPEGUnknownStream(t *testing.T) {
	rec := httptest.NewRecorder()
	NewPreview().ServeMJPEG(rec, httptest.NewRequest(http.MethodGet, "/streams/nope/mjpeg", nil), "nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func readPart(t *testing.T, br *bufio.Reader) []byte {
	t.Helper()
	length := -1
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("reading part header: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" && length >= 0 {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, err = strconv.Atoi(v)
			if err != nil {
				t.Fatalf("bad Content-Length %q", v)
			}
		}
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(br, data); err != nil {
		t.Fatalf("reading part body: %v", err)
	}
	if _, err := br.Discard(2); err != nil {
		t.Fatalf("reading part trailer: %v", err)
	}
	return data
}
