package syncqueue

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/anemia-screen/internal/config"
	"github.com/example/anemia-screen/internal/logging"
)

// Transport delivers one encoded batch upstream. An error means the whole
// batch was refused; the manager never inspects partial outcomes.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

// HTTPTransport posts batches to the research collection endpoint.
type HTTPTransport struct {
	client   *resty.Client
	endpoint string
	apiKey   string
	logger   *zap.Logger
}

// NewHTTPTransport builds the transport from sync configuration. The
// client timeout doubles as the per-batch delivery deadline.
func NewHTTPTransport(cfg config.SyncConfig, logger *zap.Logger) *HTTPTransport {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPTransport{
		client:   client,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		logger:   logger.Named("sync_transport"),
	}
}

// Send posts the payload. Any connection failure, timeout, or non-2xx
// response is a delivery failure.
func (t *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	request := t.client.R().
		SetContext(ctx).
		SetBody(payload)
	if t.apiKey != "" {
		request.SetHeader("X-API-Key", t.apiKey)
	}

	response, err := request.Post(t.endpoint)
	if err != nil {
		wrapped := logging.NewOperationError("sync.transport_post", "", err)
		t.logger.Warn("batch delivery failed", zap.Error(wrapped))
		return wrapped
	}
	if response.IsError() {
		wrapped := logging.NewOperationError("sync.transport_post", "",
			fmt.Errorf("endpoint returned %s", response.Status()))
		t.logger.Warn("batch rejected by endpoint",
			zap.Int("status", response.StatusCode()),
			zap.Error(wrapped))
		return wrapped
	}
	return nil
}
