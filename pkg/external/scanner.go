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

// ScanClient submits uploaded bytes to the virus scanner sidecar and returns
// its verdict. It implements domain.VirusScanner. When the scanner is
// disabled every payload is reported clean without a network call.
type ScanClient struct {
	baseURL    string
	apiKey     string
	enabled    bool
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

// NewScanClient creates a scanner client. Zero-value settings fall back to
// defaults suitable for a locally running sidecar.
func NewScanClient(config domain.ScannerConfig, logger *logrus.Logger) *ScanClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:3310"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &ScanClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		enabled: config.Enabled,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:   newBreaker("virus-scanner", logger),
		logger:    logger,
	}
}

// Scan submits the payload and returns the scanner's verdict. An infected
// payload is not an error; callers inspect ScanResult.Clean and decide
// policy.
func (c *ScanClient) Scan(ctx context.Context, data []byte) (*domain.ScanResult, error) {
	if !c.enabled {
		return &domain.ScanResult{Clean: true, Engine: "disabled"}, nil
	}

	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.scan(ctx, data)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("virus scanner unavailable (circuit breaker open)")
		}
		return nil, fmt.Errorf("scan request failed: %w", err)
	}

	return result.(*domain.ScanResult), nil
}

func (c *ScanClient) scan(ctx context.Context, data []byte) (*domain.ScanResult, error) {
	scanURL := c.baseURL + "/api/v1/scan"

	req, err := http.NewRequestWithContext(ctx, "POST", scanURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "qcnorm-server/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scanner returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var verdict domain.ScanResult
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse scanner response: %w", err)
	}

	return &verdict, nil
}

// HealthCheck verifies the scanner sidecar is reachable. A disabled scanner
// is always healthy.
func (c *ScanClient) HealthCheck(ctx context.Context) error {
	if !c.enabled {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "qcnorm-server/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scanner health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scanner health check returned status %d", resp.StatusCode)
	}

	return nil
}

// Enabled reports whether scanning is active.
func (c *ScanClient) Enabled() bool {
	return c.enabled
}

// BreakerState reports the current circuit breaker state.
func (c *ScanClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}
