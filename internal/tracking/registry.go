package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiosk/internal/face"
)

const (
	// DefaultMatchThreshold is the minimum IoU for a detection to continue a track.
	DefaultMatchThreshold = 0.4
	// DefaultStaleAfter is how long a track may go unmatched before eviction.
	DefaultStaleAfter = time.Second
)

// Options tune a Registry. Zero values fall back to the defaults.
type Options struct {
	MatchThreshold float64
	StaleAfter     time.Duration

	// NewID generates track ids. Defaults to uuid.NewString.
	NewID func() string
}

// Registry owns the live tracks of one stream.
//
// The stream loop calls Update once per frame; recognition callbacks write
// back through Mutate. Once closed, the registry is empty and rejects all
// further writes, which turns late callbacks into no-ops.
type Registry struct {
	mu      sync.Mutex
	tracks  []*Track // creation order
	byID    map[string]*Track
	nextSeq uint64
	closed  bool

	threshold  float64
	staleAfter time.Duration
	newID      func() string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = DefaultMatchThreshold
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &Registry{
		byID:       make(map[string]*Track),
		threshold:  opts.MatchThreshold,
		staleAfter: opts.StaleAfter,
		newID:      opts.NewID,
	}
}

type candidate struct {
	det   int
	track *Track
	iou   float64
}

// Update applies one frame of detections and evicts stale tracks.
//
// Detection/track pairs with IoU >= the match threshold are assigned
// greedily from the highest IoU down; exact ties go to the earlier
// detection, then to the older track. Unmatched detections start new
// tracks. It returns copies of the tracks observed in this frame, in
// detection order.
func (r *Registry) Update(detections []face.Detection, now time.Time) []Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	var candidates []candidate
	for i, d := range detections {
		for _, t := range r.tracks {
			iou := face.IoU(d.BBox, t.BBox)
			if iou >= r.threshold {
				candidates = append(candidates, candidate{det: i, track: t, iou: iou})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.iou != b.iou {
			return a.iou > b.iou
		}
		if a.det != b.det {
			return a.det < b.det
		}
		return a.track.seq < b.track.seq
	})

	assigned := make([]*Track, len(detections))
	taken := make(map[*Track]bool, len(candidates))
	for _, c := range candidates {
		if assigned[c.det] != nil || taken[c.track] {
			continue
		}
		assigned[c.det] = c.track
		taken[c.track] = true
	}

	observed := make([]Track, 0, len(detections))
	for i, d := range detections {
		t := assigned[i]
		if t == nil {
			t = r.create(now)
		}
		t.observe(d, now)
		observed = append(observed, *t)
	}

	r.evict(now)

	return observed
}

func (r *Registry) create(now time.Time) *Track {
	t := &Track{
		ID:          r.newID(),
		FirstSeenAt: now,
		seq:         r.nextSeq,
	}
	r.nextSeq++
	r.tracks = append(r.tracks, t)
	r.byID[t.ID] = t
	return t
}

func (r *Registry) evict(now time.Time) {
	kept := r.tracks[:0]
	for _, t := range r.tracks {
		if now.Sub(t.LastSeenAt) > r.staleAfter {
			delete(r.byID, t.ID)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(r.tracks); i++ {
		r.tracks[i] = nil
	}
	r.tracks = kept
}

// Get returns a copy of the track with the given id.
func (r *Registry) Get(id string) (Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byID[id]
	if !ok {
		return Track{}, false
	}
	return *t, true
}

// Mutate runs fn on the live track with the given id while holding the
// registry lock. It returns false without calling fn when the track is
// gone or the registry is closed.
func (r *Registry) Mutate(id string, fn func(t *Track)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	t, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// Snapshot returns copies of all live tracks in creation order.
func (r *Registry) Snapshot() []Track {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		out = append(out, *t)
	}
	return out
}

// Len returns the number of live tracks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

// Close drops every track and rejects later updates and mutations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.tracks = nil
	r.byID = make(map[string]*Track)
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
