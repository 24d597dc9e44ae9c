package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"kiosk/internal/face"
)

// ServiceConfig configures the HTTP face service client.
type ServiceConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	Timeout             time.Duration `yaml:"timeout"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
}

// ServiceClient talks to a face service exposing /detect, /recognize and
// /health with multipart JPEG uploads.
type ServiceClient struct {
	endpoint  string
	client    *http.Client
	threshold float64
	logger    *log.Entry

	mu         sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

type serviceFace struct {
	BBox       []float64   `json:"bbox"`
	Confidence float64     `json:"confidence"`
	Landmarks  [][]float64 `json:"landmarks,omitempty"`
	Embedding  []float32   `json:"embedding,omitempty"`
	Age        int         `json:"age,omitempty"`
	Gender     string      `json:"gender,omitempty"`
}

type serviceDetectResult struct {
	Faces           []serviceFace `json:"faces"`
	Count           int           `json:"count"`
	InferenceTimeMs float64       `json:"inference_time_ms"`
}

type serviceRecognition struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Identity   *string   `json:"identity"`
	Similarity float64   `json:"similarity"`
	IsKnown    bool      `json:"is_known"`
}

type serviceRecognizeResult struct {
	Recognitions    []serviceRecognition `json:"recognitions"`
	Count           int                  `json:"count"`
	InferenceTimeMs float64              `json:"inference_time_ms"`
}

type serviceHealth struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewServiceClient creates a client for the face service at cfg.Endpoint.
func NewServiceClient(cfg ServiceConfig) *ServiceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	return &ServiceClient{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		client:    &http.Client{Timeout: timeout},
		threshold: threshold,
		logger:    log.WithField("component", "face-service"),
	}
}

// CheckHealth queries /health and caches the result.
func (c *ServiceClient) CheckHealth(ctx context.Context) error {
	err := c.checkHealth(ctx)

	c.mu.Lock()
	c.healthy = err == nil
	c.lastHealth = time.Now()
	c.mu.Unlock()

	return err
}

func (c *ServiceClient) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: health check failed: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned status %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var health serviceHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if health.Status != "healthy" || !health.ModelLoaded {
		return fmt.Errorf("%w: status=%s, model_loaded=%v", ErrServiceUnavailable, health.Status, health.ModelLoaded)
	}
	return nil
}

// IsHealthy returns the result of the last health check.
func (c *ServiceClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *ServiceClient) sendImage(ctx context.Context, path string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// HTTPDetector runs face detection on the remote face service.
type HTTPDetector struct {
	*ServiceClient
}

// NewHTTPDetector wraps client as a Detector.
func NewHTTPDetector(client *ServiceClient) *HTTPDetector {
	return &HTTPDetector{ServiceClient: client}
}

// Name implements Detector.
func (d *HTTPDetector) Name() string { return "http" }

// Detect posts the frame to /detect.
func (d *HTTPDetector) Detect(ctx context.Context, frame *face.Frame) ([]face.Detection, error) {
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	body, err := d.sendImage(ctx, "/detect", data)
	if err != nil {
		return nil, err
	}

	var result serviceDetectResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode detect response: %w", err)
	}

	detections := make([]face.Detection, 0, len(result.Faces))
	for _, f := range result.Faces {
		if len(f.BBox) != 4 {
			d.logger.Debugf("Skipping face with malformed bbox %v", f.BBox)
			continue
		}
		det := face.Detection{
			BBox:       face.BBoxFromCorners(f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3]),
			Confidence: f.Confidence,
			Gender:     f.Gender,
			Descriptor: f.Embedding,
		}
		if f.Age > 0 {
			age := f.Age
			det.Age = &age
		}
		for _, lm := range f.Landmarks {
			if len(lm) == 2 {
				det.Landmarks = append(det.Landmarks, face.Point{X: lm[0], Y: lm[1]})
			}
		}
		detections = append(detections, det)
	}
	return detections, nil
}

// HTTPMatcher identifies face crops with the remote face service.
type HTTPMatcher struct {
	*ServiceClient
}

// NewHTTPMatcher wraps client as a Matcher.
func NewHTTPMatcher(client *ServiceClient) *HTTPMatcher {
	return &HTTPMatcher{ServiceClient: client}
}

// Name implements Matcher.
func (m *HTTPMatcher) Name() string { return "http" }

// Identify posts the crop to /recognize and keeps the best known face.
func (m *HTTPMatcher) Identify(ctx context.Context, crop face.Crop) (face.Match, error) {
	data, err := crop.JPEG()
	if err != nil {
		return face.Match{}, err
	}

	body, err := m.sendImage(ctx, "/recognize", data)
	if err != nil {
		return face.Match{}, err
	}

	var result serviceRecognizeResult
	if err := json.Unmarshal(body, &result); err != nil {
		return face.Match{}, fmt.Errorf("failed to decode recognize response: %w", err)
	}

	best := face.Match{}
	for _, r := range result.Recognitions {
		if !r.IsKnown || r.Identity == nil || r.Similarity < m.threshold {
			continue
		}
		if !best.Known || r.Similarity > best.Confidence {
			best = face.Match{Known: true, Name: *r.Identity, Confidence: r.Similarity}
		}
	}
	return best, nil
}
