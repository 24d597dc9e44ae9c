package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"kiosk/internal/face"
)

// IdentifyMethod is the unary RPC called by GRPCMatcher. Requests and
// responses are google.protobuf.Struct messages.
const IdentifyMethod = "/recognition.v1.FaceRecognitionService/Identify"

// GRPCConfig configures GRPCMatcher.
type GRPCConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	Timeout             time.Duration `yaml:"timeout"`
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
}

// GRPCMatcher identifies face crops over gRPC.
//
// Request fields: image (base64 JPEG), stream_id, threshold.
// Response fields: known (bool), name (string), similarity (number).
type GRPCMatcher struct {
	endpoint  string
	timeout   time.Duration
	threshold float64
	conn      *grpc.ClientConn
	health    healthpb.HealthClient
	logger    *log.Entry

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCMatcher creates a client for cfg.Endpoint. The connection is
// established lazily on the first call.
func NewGRPCMatcher(cfg GRPCConfig) (*GRPCMatcher, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.NewClient(cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", cfg.Endpoint, err)
	}

	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &GRPCMatcher{
		endpoint:  cfg.Endpoint,
		timeout:   timeout,
		threshold: threshold,
		conn:      conn,
		health:    healthpb.NewHealthClient(conn),
		logger:    log.WithFields(log.Fields{"component": "grpc-matcher", "endpoint": cfg.Endpoint}),
	}, nil
}

// Name implements Matcher.
func (m *GRPCMatcher) Name() string { return "grpc" }

// Identify sends the crop to the recognition service.
func (m *GRPCMatcher) Identify(ctx context.Context, crop face.Crop) (face.Match, error) {
	data, err := crop.JPEG()
	if err != nil {
		return face.Match{}, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"image":     base64.StdEncoding.EncodeToString(data),
		"stream_id": crop.StreamID,
		"threshold": m.threshold,
	})
	if err != nil {
		return face.Match{}, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, IdentifyMethod, req, resp); err != nil {
		return face.Match{}, fmt.Errorf("%w: identify failed: %v", ErrServiceUnavailable, err)
	}

	fields := resp.GetFields()
	known := fields["known"].GetBoolValue()
	name := fields["name"].GetStringValue()
	similarity := fields["similarity"].GetNumberValue()

	if !known || name == "" || similarity < m.threshold {
		return face.Match{}, nil
	}
	return face.Match{Known: true, Name: name, Confidence: similarity}, nil
}

// CheckHealth runs the standard gRPC health check. Results are cached
// for 30 seconds.
func (m *GRPCMatcher) CheckHealth(ctx context.Context) error {
	m.healthMu.RLock()
	if m.healthy && time.Since(m.lastHealth) < 30*time.Second {
		m.healthMu.RUnlock()
		return nil
	}
	m.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := m.health.Check(ctx, &healthpb.HealthCheckRequest{})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING

	m.healthMu.Lock()
	m.healthy = healthy
	m.lastHealth = time.Now()
	m.healthMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if !healthy {
		return fmt.Errorf("%w: status %s", ErrServiceUnavailable, resp.GetStatus())
	}
	return nil
}

// Close closes the connection.
func (m *GRPCMatcher) Close() error {
	m.logger.Info("Closing connection")
	return m.conn.Close()
}
