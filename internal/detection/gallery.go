package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"kiosk/internal/face"
)

// galleryMaxNeighbors is the HNSW M parameter.
const galleryMaxNeighbors = 16

// GalleryConfig configures the local identity gallery.
type GalleryConfig struct {
	Path                string  `yaml:"path"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// GalleryEntry is one reference descriptor for a named person.
type GalleryEntry struct {
	Name       string    `json:"name"`
	Descriptor []float32 `json:"descriptor"`
}

type galleryFile struct {
	Dims    int            `json:"dims"`
	Entries []GalleryEntry `json:"entries"`
}

// Gallery is a local identity matcher. It keeps reference descriptors in an
// HNSW graph with cosine distance and matches crops by their detector
// descriptor.
type Gallery struct {
	mu        sync.RWMutex
	graph     *hnsw.Graph[int64]
	entries   []GalleryEntry
	dims      int
	threshold float64
}

// NewGallery creates an empty gallery.
func NewGallery(threshold float64) *Gallery {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Gallery{threshold: threshold}
}

// LoadGallery reads a gallery file. A missing file yields an empty gallery.
func LoadGallery(cfg GalleryConfig) (*Gallery, error) {
	g := NewGallery(cfg.SimilarityThreshold)
	if cfg.Path == "" {
		return g, nil
	}

	data, err := os.ReadFile(cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read gallery: %w", err)
	}

	var file galleryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse gallery %s: %w", cfg.Path, err)
	}
	for _, e := range file.Entries {
		if err := g.Add(e.Name, e.Descriptor); err != nil {
			return nil, fmt.Errorf("gallery %s: %w", cfg.Path, err)
		}
	}
	return g, nil
}

// Add inserts a reference descriptor. All descriptors must share one size.
func (g *Gallery) Add(name string, descriptor []float32) error {
	if name == "" {
		return errors.New("gallery entry needs a name")
	}
	if len(descriptor) == 0 {
		return ErrNoDescriptor
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dims != 0 && len(descriptor) != g.dims {
		return fmt.Errorf("descriptor has %d dims, gallery uses %d", len(descriptor), g.dims)
	}

	if g.graph == nil {
		g.graph = hnsw.NewGraph[int64]()
		g.graph.M = galleryMaxNeighbors
		g.graph.Ml = 1.0 / float64(galleryMaxNeighbors)
		g.graph.Distance = hnsw.CosineDistance
		g.dims = len(descriptor)
	}

	vec := make([]float32, len(descriptor))
	copy(vec, descriptor)

	id := int64(len(g.entries))
	g.entries = append(g.entries, GalleryEntry{Name: name, Descriptor: vec})
	g.graph.Add(hnsw.MakeNode(id, vec))
	return nil
}

// Len returns the number of reference descriptors.
func (g *Gallery) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Names returns the distinct names in the gallery, sorted.
func (g *Gallery) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, e := range g.entries {
		if !seen[e.Name] {
			seen[e.Name] = true
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Nearest returns the closest reference and its cosine similarity.
func (g *Gallery) Nearest(descriptor []float32) (GalleryEntry, float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.graph == nil || len(descriptor) != g.dims {
		return GalleryEntry{}, 0, false
	}

	neighbors := g.graph.Search(descriptor, 1)
	if len(neighbors) == 0 {
		return GalleryEntry{}, 0, false
	}

	n := neighbors[0]
	similarity := 1 - float64(hnsw.CosineDistance(descriptor, n.Value))
	return g.entries[n.Key], similarity, true
}

// Name implements Matcher.
func (g *Gallery) Name() string { return "gallery" }

// Identify matches the crop descriptor against the gallery.
func (g *Gallery) Identify(ctx context.Context, crop face.Crop) (face.Match, error) {
	if len(crop.Descriptor) == 0 {
		return face.Match{}, ErrNoDescriptor
	}

	entry, similarity, ok := g.Nearest(crop.Descriptor)
	if !ok || similarity < g.threshold {
		return face.Match{}, nil
	}
	return face.Match{Known: true, Name: entry.Name, Confidence: similarity}, nil
}

// Save writes the gallery to path, replacing it atomically.
func (g *Gallery) Save(path string) error {
	g.mu.RLock()
	file := galleryFile{Dims: g.dims, Entries: g.entries}
	data, err := json.MarshalIndent(file, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode gallery: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create gallery directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write gallery: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace gallery: %w", err)
	}
	return nil
}
