// Package modelbackend connects the screening service to the optional
// model-serving sidecar over gRPC. The wire contract (proto/inference.proto)
// carries google.protobuf.Struct payloads so the sidecar can evolve its
// model metadata without lockstep redeploys; requests are invoked directly
// on the connection against the published method names.
package modelbackend

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/anemia-screen/internal/config"
	"github.com/example/anemia-screen/internal/inference"
	"github.com/example/anemia-screen/internal/logging"
)

// ServiceName is the gRPC service the sidecar registers, for both the
// health probe and method routing.
const ServiceName = "anemiascreen.v1.Inference"

const (
	predictMethod  = "/" + ServiceName + "/Predict"
	describeMethod = "/" + ServiceName + "/DescribeModel"
)

// Client is an inference.Backend backed by the model sidecar.
type Client struct {
	conn        *grpc.ClientConn
	addr        string
	modelName   string
	modelDigest string
	logger      *zap.Logger
}

// Dial connects to the sidecar, verifies it is serving, and checks the
// served model digest against cfg.ExpectedDigest when one is configured.
// Any failure returns an error and leaves no open connection; the caller
// decides whether to run without a backend.
func Dial(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, cfg.Addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("modelbackend.dial", "", err)
		logger.Error("failed to dial model backend", zap.Error(wrapped), zap.String("addr", cfg.Addr))
		return nil, wrapped
	}

	client := &Client{conn: conn, addr: cfg.Addr, logger: logger}
	if err := client.probe(ctx, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("model backend attached",
		zap.String("addr", cfg.Addr),
		zap.String("model", client.modelName),
		zap.String("model_digest", client.modelDigest))
	return client, nil
}

// probe checks serving health and fetches model identity. A digest
// expectation turns a missing or mismatched digest into a hard failure.
func (c *Client) probe(ctx context.Context, cfg config.ModelConfig) error {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	health := grpc_health_v1.NewHealthClient(c.conn)
	resp, err := health.Check(probeCtx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		wrapped := logging.NewOperationError("modelbackend.health_probe", "", err)
		c.logger.Error("model backend health probe failed", zap.Error(wrapped), zap.String("addr", c.addr))
		return wrapped
	}
	if status := resp.GetStatus(); status != grpc_health_v1.HealthCheckResponse_SERVING {
		wrapped := logging.NewOperationError("modelbackend.health_probe", "",
			fmt.Errorf("backend reports status %s", status))
		c.logger.Error("model backend not serving", zap.Error(wrapped), zap.String("addr", c.addr))
		return wrapped
	}

	var describe structpb.Struct
	if err := c.conn.Invoke(probeCtx, describeMethod, &structpb.Struct{}, &describe); err != nil {
		if cfg.ExpectedDigest != "" {
			wrapped := logging.NewOperationError("modelbackend.describe_model", "", err)
			c.logger.Error("model backend refused identity check", zap.Error(wrapped), zap.String("addr", c.addr))
			return wrapped
		}
		c.logger.Warn("model backend identity unavailable", zap.String("addr", c.addr), zap.Error(err))
		c.modelName = "unidentified"
		return nil
	}

	c.modelName, _ = stringField(&describe, "model_name")
	c.modelDigest, _ = stringField(&describe, "model_digest")
	if cfg.ExpectedDigest != "" && !strings.EqualFold(c.modelDigest, cfg.ExpectedDigest) {
		wrapped := logging.NewOperationError("modelbackend.describe_model", "",
			fmt.Errorf("model digest %q does not match expected %q", c.modelDigest, cfg.ExpectedDigest))
		c.logger.Error("model backend serves unexpected model", zap.Error(wrapped), zap.String("addr", c.addr))
		return wrapped
	}
	return nil
}

// Infer sends one normalized tensor to the sidecar and maps the response
// onto backend scores.
func (c *Client) Infer(ctx context.Context, tensor []float32) (inference.Scores, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"tensor_b64": encodeTensor(tensor),
		"dtype":      "float32",
		"length":     float64(len(tensor)),
	})
	if err != nil {
		return inference.Scores{}, logging.NewOperationError("modelbackend.predict", "", err)
	}

	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, predictMethod, req, &resp); err != nil {
		wrapped := logging.NewOperationError("modelbackend.predict", "", err)
		c.logger.Error("model backend predict failed", zap.Error(wrapped), zap.String("addr", c.addr))
		return inference.Scores{}, wrapped
	}

	risk, ok := numberField(&resp, "risk_score")
	if !ok {
		wrapped := logging.NewOperationError("modelbackend.predict", "",
			fmt.Errorf("response missing risk_score"))
		c.logger.Error("model backend response malformed", zap.Error(wrapped), zap.String("addr", c.addr))
		return inference.Scores{}, wrapped
	}
	confidence, ok := numberField(&resp, "confidence")
	if !ok {
		wrapped := logging.NewOperationError("modelbackend.predict", "",
			fmt.Errorf("response missing confidence"))
		c.logger.Error("model backend response malformed", zap.Error(wrapped), zap.String("addr", c.addr))
		return inference.Scores{}, wrapped
	}
	return inference.Scores{Risk: risk, Confidence: confidence}, nil
}

// Describe identifies the backend in logs.
func (c *Client) Describe() string {
	if c.modelDigest != "" {
		return fmt.Sprintf("grpc %s model=%s digest=%s", c.addr, c.modelName, c.modelDigest)
	}
	return fmt.Sprintf("grpc %s model=%s", c.addr, c.modelName)
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// encodeTensor packs float32 values little-endian and base64-encodes them,
// the layout the sidecar documents for tensor_b64.
func encodeTensor(tensor []float32) string {
	buf := make([]byte, 4*len(tensor))
	for i, v := range tensor {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func numberField(s *structpb.Struct, key string) (float64, bool) {
	value, ok := s.Fields[key]
	if !ok {
		return 0, false
	}
	number, ok := value.Kind.(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return number.NumberValue, true
}

func stringField(s *structpb.Struct, key string) (string, bool) {
	value, ok := s.Fields[key]
	if !ok {
		return "", false
	}
	str, ok := value.Kind.(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return str.StringValue, true
}
