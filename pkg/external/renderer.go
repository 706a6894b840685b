package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/neuroqc-norm-server/internal/domain"
)

// pdfMagic is the header every well-formed PDF document starts with.
var pdfMagic = []byte("%PDF")

// RenderClient submits report documents to the PDF renderer sidecar and
// returns the rendered bytes. It implements domain.Renderer. Calls are rate
// limited, retried on transient failures, and guarded by a circuit breaker.
type RenderClient struct {
	baseURL    string
	apiKey     string
	retryCount int
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

// NewRenderClient creates a renderer client. Zero-value settings fall back to
// defaults suitable for a locally running sidecar.
func NewRenderClient(config domain.RendererConfig, logger *logrus.Logger) *RenderClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:3050"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &RenderClient{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		retryCount: config.RetryCount,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:   newBreaker("pdf-renderer", logger),
		logger:    logger,
	}
}

// Render sends the document to the renderer and returns the PDF bytes.
func (c *RenderClient) Render(ctx context.Context, doc *domain.ReportDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("report document is required: %w", domain.ErrInvalidInput)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report document: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.renderWithRetry(ctx, payload)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("renderer unavailable (circuit breaker open)")
		}
		return nil, fmt.Errorf("render request failed: %w", err)
	}

	return result.([]byte), nil
}

// renderWithRetry retries transient failures (network errors and 5xx
// responses) with a linear backoff. Client errors are returned immediately.
func (c *RenderClient) renderWithRetry(ctx context.Context, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := c.rateLimit.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait failed: %w", err)
		}

		data, retryable, err := c.renderOnce(ctx, payload)
		if err == nil {
			return data, nil
		}
		if !retryable || attempt >= c.retryCount {
			return nil, err
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"error":   err.Error(),
		}).Warn("Render attempt failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 250 * time.Millisecond):
		}
	}
}

func (c *RenderClient) renderOnce(ctx context.Context, payload []byte) ([]byte, bool, error) {
	renderURL := c.baseURL + "/api/v1/render"

	req, err := http.NewRequestWithContext(ctx, "POST", renderURL, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")
	req.Header.Set("User-Agent", "qcnorm-server/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		retryable := resp.StatusCode >= http.StatusInternalServerError
		return nil, retryable, fmt.Errorf("renderer returned status %d: %s", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, false, fmt.Errorf("renderer returned %d bytes that are not a PDF document", len(data))
	}

	return data, false, nil
}

// HealthCheck verifies the renderer sidecar is reachable.
func (c *RenderClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "qcnorm-server/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("renderer health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("renderer health check returned status %d", resp.StatusCode)
	}

	return nil
}

// BreakerState reports the current circuit breaker state.
func (c *RenderClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}
