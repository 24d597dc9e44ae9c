package tracking

import (
	"fmt"
	"testing"
	"time"

	"kiosk/internal/face"
)

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("t%d", n)
	}
}

func newTestRegistry() *Registry {
	return NewRegistry(Options{NewID: sequentialIDs()})
}

func det(x, y, w, h, conf float64) face.Detection {
	return face.Detection{BBox: face.BBox{X: x, Y: y, Width: w, Height: h}, Confidence: conf}
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRegistry_CreatesTrackForNewDetection(t *testing.T) {
	r := newTestRegistry()

	got := r.Update([]face.Detection{det(10, 10, 100, 100, 0.9)}, t0)
	if len(got) != 1 {
		t.Fatalf("Update() returned %d tracks, want 1", len(got))
	}
	tr := got[0]
	if tr.ID != "t1" {
		t.Errorf("ID = %q, want %q", tr.ID, "t1")
	}
	if !tr.LastSeenAt.Equal(t0) || !tr.FirstSeenAt.Equal(t0) {
		t.Errorf("seen times = %v/%v, want %v", tr.FirstSeenAt, tr.LastSeenAt, t0)
	}
	if !tr.LastRecognizedAt.IsZero() || !tr.LastLoggedAt.IsZero() {
		t.Error("recognition/log timestamps should be unset on a new track")
	}
	if tr.Identity.Resolved() || tr.Identity.Recognized {
		t.Errorf("Identity = %+v, want unresolved", tr.Identity)
	}
}

func TestRegistry_ContinuesTrackAboveThreshold(t *testing.T) {
	r := newTestRegistry()
	first := r.Update([]face.Detection{det(100, 100, 50, 50, 0.9)}, t0)

	// Shifted by two pixels: IoU ~0.92.
	age := 31
	d := det(102, 100, 50, 50, 0.8)
	d.Gender = "female"
	d.Age = &age
	second := r.Update([]face.Detection{d}, t0.Add(500*time.Millisecond))

	if len(second) != 1 {
		t.Fatalf("Update() returned %d tracks, want 1", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Errorf("ID = %q, want continued %q", second[0].ID, first[0].ID)
	}
	if second[0].BBox != d.BBox {
		t.Errorf("BBox = %+v, want %+v", second[0].BBox, d.BBox)
	}
	if second[0].Confidence != 0.8 || second[0].Gender != "female" || second[0].Age == nil || *second[0].Age != 31 {
		t.Errorf("attributes not overwritten: %+v", second[0])
	}
	if second[0].Hits != 2 {
		t.Errorf("Hits = %d, want 2", second[0].Hits)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_ThresholdIsInclusive(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)

	// Intersection 5000/union 15000 = 1/3: below 0.4.
	got := r.Update([]face.Detection{det(50, 0, 100, 100, 0.9)}, t0.Add(100*time.Millisecond))
	if got[0].ID == "t1" {
		t.Error("detection with IoU 1/3 should not continue the track")
	}

	r3 := NewRegistry(Options{MatchThreshold: 1.0 / 3.0, NewID: sequentialIDs()})
	r3.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)
	got = r3.Update([]face.Detection{det(50, 0, 100, 100, 0.9)}, t0.Add(100*time.Millisecond))
	if got[0].ID != "t1" {
		t.Errorf("IoU equal to threshold should match, got new track %q", got[0].ID)
	}
}

func TestRegistry_NewTrackBelowThreshold(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)

	got := r.Update([]face.Detection{det(300, 300, 100, 100, 0.9)}, t0.Add(200*time.Millisecond))
	if got[0].ID != "t2" {
		t.Errorf("ID = %q, want new track t2", got[0].ID)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (old track not stale yet)", r.Len())
	}
}

func TestRegistry_EvictsAfterStaleness(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)

	r.Update(nil, t0.Add(time.Second))
	if r.Len() != 1 {
		t.Fatalf("Len() = %d after exactly 1s, want 1", r.Len())
	}

	r.Update(nil, t0.Add(time.Second+time.Millisecond))
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after 1.001s, want 0", r.Len())
	}
	if _, ok := r.Get("t1"); ok {
		t.Error("Get() found an evicted track")
	}

	// The same face coming back gets a fresh id.
	got := r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0.Add(2*time.Second))
	if got[0].ID != "t2" {
		t.Errorf("ID = %q, want fresh t2", got[0].ID)
	}
}

func TestRegistry_HigherIoUClaimsExistingTrack(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)

	// a overlaps the track (and b) with IoU 0.5; b sits exactly on it.
	a := det(100.0/3.0, 0, 100, 100, 0.9)
	b := det(0, 0, 100, 100, 0.9)
	got := r.Update([]face.Detection{a, b}, t0.Add(500*time.Millisecond))

	if len(got) != 2 {
		t.Fatalf("Update() returned %d tracks, want 2", len(got))
	}
	if got[1].ID != "t1" {
		t.Errorf("exact-overlap detection got %q, want existing t1", got[1].ID)
	}
	if got[0].ID != "t2" {
		t.Errorf("other detection got %q, want new t2", got[0].ID)
	}
}

func TestRegistry_TieGoesToEarlierDetection(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(50, 0, 100, 100, 0.9)}, t0)

	// Both detections overlap the track by the same amount.
	left := det(30, 0, 100, 100, 0.9)
	right := det(70, 0, 100, 100, 0.9)
	got := r.Update([]face.Detection{right, left}, t0.Add(100*time.Millisecond))

	if got[0].ID != "t1" {
		t.Errorf("first detection got %q, want t1", got[0].ID)
	}
	if got[1].ID != "t2" {
		t.Errorf("second detection got %q, want t2", got[1].ID)
	}
}

func TestRegistry_EachTrackMatchedOnce(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9), det(500, 0, 100, 100, 0.9)}, t0)

	got := r.Update([]face.Detection{
		det(502, 0, 100, 100, 0.9),
		det(1, 0, 100, 100, 0.9),
	}, t0.Add(500*time.Millisecond))

	if got[0].ID != "t2" || got[1].ID != "t1" {
		t.Errorf("IDs = %q,%q, want t2,t1", got[0].ID, got[1].ID)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_MutateAndClose(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)

	ok := r.Mutate("t1", func(tr *Track) {
		tr.Identity = Identity{Name: "alice", Recognized: true, Confidence: 0.93}
	})
	if !ok {
		t.Fatal("Mutate() = false, want true")
	}

	// Detections never touch identity.
	got := r.Update([]face.Detection{det(1, 1, 100, 100, 0.7)}, t0.Add(time.Second/2))
	if got[0].Identity.Name != "alice" {
		t.Errorf("Identity.Name = %q, want alice", got[0].Identity.Name)
	}

	if r.Mutate("missing", func(*Track) { t.Error("fn called for missing track") }) {
		t.Error("Mutate(missing) = true, want false")
	}

	r.Close()
	if !r.Closed() {
		t.Error("Closed() = false after Close()")
	}
	if r.Mutate("t1", func(*Track) { t.Error("fn called after Close") }) {
		t.Error("Mutate() after Close = true, want false")
	}
	if got := r.Update([]face.Detection{det(0, 0, 10, 10, 0.9)}, t0.Add(time.Second)); got != nil {
		t.Errorf("Update() after Close = %v, want nil", got)
	}
	if r.Len() != 0 {
		t.Errorf("Len() after Close = %d, want 0", r.Len())
	}
}

func TestRegistry_SnapshotReturnsCopies(t *testing.T) {
	r := newTestRegistry()
	r.Update([]face.Detection{det(0, 0, 100, 100, 0.9)}, t0)

	snap := r.Snapshot()
	snap[0].Identity.Name = "mallory"

	tr, _ := r.Get("t1")
	if tr.Identity.Name != "" {
		t.Errorf("Snapshot() leaked a live pointer, identity = %q", tr.Identity.Name)
	}
}
