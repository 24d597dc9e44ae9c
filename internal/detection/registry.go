package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ONNXConfig configures the ONNX Runtime YOLO face detector.
type ONNXConfig struct {
	ModelPath     string  `yaml:"model_path"`
	LibraryPath   string  `yaml:"library_path"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// YuNetConfig configures the OpenCV YuNet detector.
type YuNetConfig struct {
	ModelPath     string  `yaml:"model_path"`
	MinConfidence float64 `yaml:"min_confidence"`
}

// Config selects and configures the detector and matcher backends.
type Config struct {
	Detector string        `yaml:"detector"` // http, synthetic, onnx, yunet
	Matcher  string        `yaml:"matcher"`  // http, grpc, gallery
	Service  ServiceConfig `yaml:"service"`
	GRPC     GRPCConfig    `yaml:"grpc"`
	Gallery  GalleryConfig `yaml:"gallery"`
	ONNX     ONNXConfig    `yaml:"onnx"`
	YuNet    YuNetConfig   `yaml:"yunet"`
}

// Validate rejects a gallery matcher paired with a detector that returns no
// descriptors. The http detector only has descriptors when the face service
// sends embeddings; Build warns about that pairing.
func (c Config) Validate() error {
	if !c.galleryMatcher() {
		return nil
	}
	switch c.Detector {
	case "onnx", "yunet":
		return fmt.Errorf("%w: matcher gallery needs descriptors, detector %q has none", ErrIncompatibleBackends, c.Detector)
	}
	return nil
}

func (c Config) galleryMatcher() bool {
	return c.Matcher == "" || c.Matcher == "gallery"
}

// Registry holds the backends built for this process. Streams share them;
// the backends themselves are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]Detector
	matchers  map[string]Matcher
	detector  string
	matcher   string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]Detector),
		matchers:  make(map[string]Matcher),
	}
}

// RegisterDetector adds a detector under its name.
func (r *Registry) RegisterDetector(d Detector) error {
	if d == nil {
		return errors.New("detector cannot be nil")
	}
	name := d.Name()
	if name == "" {
		return errors.New("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}
	r.detectors[name] = d
	if r.detector == "" {
		r.detector = name
	}
	return nil
}

// RegisterMatcher adds a matcher under its name.
func (r *Registry) RegisterMatcher(m Matcher) error {
	if m == nil {
		return errors.New("matcher cannot be nil")
	}
	name := m.Name()
	if name == "" {
		return errors.New("matcher name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.matchers[name]; exists {
		return fmt.Errorf("matcher %q already registered", name)
	}
	r.matchers[name] = m
	if r.matcher == "" {
		r.matcher = name
	}
	return nil
}

// Detector returns the active detector.
func (r *Registry) Detector() (Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[r.detector]
	return d, ok
}

// Matcher returns the active matcher.
func (r *Registry) Matcher() (Matcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matchers[r.matcher]
	return m, ok
}

// Names returns the registered detector and matcher names, sorted.
func (r *Registry) Names() (detectors, matchers []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name := range r.detectors {
		detectors = append(detectors, name)
	}
	for name := range r.matchers {
		matchers = append(matchers, name)
	}
	sort.Strings(detectors)
	sort.Strings(matchers)
	return detectors, matchers
}

// Health probes every registered backend. Keys are "detector/<name>" and
// "matcher/<name>"; a nil value means healthy.
func (r *Registry) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]error, len(r.detectors)+len(r.matchers))
	for name, d := range r.detectors {
		result["detector/"+name] = CheckHealth(ctx, d)
	}
	for name, m := range r.matchers {
		result["matcher/"+name] = CheckHealth(ctx, m)
	}
	return result
}

// Close releases all backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	closed := make(map[any]bool)
	for _, d := range r.detectors {
		if !closed[d] {
			closed[d] = true
			errs = append(errs, Close(d))
		}
	}
	for _, m := range r.matchers {
		if !closed[m] {
			closed[m] = true
			errs = append(errs, Close(m))
		}
	}
	r.detectors = make(map[string]Detector)
	r.matchers = make(map[string]Matcher)
	return errors.Join(errs...)
}

// Build creates the registry for cfg with one active detector and matcher.
func Build(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg := NewRegistry()

	detector, err := newDetector(cfg)
	if err != nil {
		return nil, err
	}
	if err := reg.RegisterDetector(detector); err != nil {
		return nil, err
	}

	matcher, err := newMatcher(cfg)
	if err != nil {
		reg.Close()
		return nil, err
	}
	if err := reg.RegisterMatcher(matcher); err != nil {
		reg.Close()
		return nil, err
	}

	logger := log.WithField("component", "detection")
	if cfg.Detector == "http" && cfg.galleryMatcher() {
		logger.Warn("Gallery matching needs embeddings from the face service; faces without one are never identified")
	}
	logger.Infof("Using detector %q and matcher %q", detector.Name(), matcher.Name())
	return reg, nil
}

func newDetector(cfg Config) (Detector, error) {
	switch cfg.Detector {
	case "", "synthetic":
		return NewSyntheticDetector(), nil
	case "http":
		return NewHTTPDetector(NewServiceClient(cfg.Service)), nil
	case "onnx":
		return newONNXDetector(cfg.ONNX)
	case "yunet":
		return newYuNetDetector(cfg.YuNet)
	}
	return nil, fmt.Errorf("%w: detector %q", ErrUnknownBackend, cfg.Detector)
}

func newMatcher(cfg Config) (Matcher, error) {
	switch cfg.Matcher {
	case "", "gallery":
		return LoadGallery(cfg.Gallery)
	case "http":
		return NewHTTPMatcher(NewServiceClient(cfg.Service)), nil
	case "grpc":
		return NewGRPCMatcher(cfg.GRPC)
	}
	return nil, fmt.Errorf("%w: matcher %q", ErrUnknownBackend, cfg.Matcher)
}
