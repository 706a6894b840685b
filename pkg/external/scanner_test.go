package external

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
)

func TestScanClient_Disabled(t *testing.T) {
	client := NewScanClient(domain.ScannerConfig{Enabled: false}, testLogger())

	result, err := client.Scan(context.Background(), []byte("subject_id,age\nsub-001,25\n"))
	require.NoError(t, err)
	assert.True(t, result.Clean)
	assert.Equal(t, "disabled", result.Engine)

	assert.False(t, client.Enabled())
	assert.NoError(t, client.HealthCheck(context.Background()))
}

func TestScanClient_CleanVerdict(t *testing.T) {
	payload := []byte("subject_id,age,snr\nsub-001,25,12.5\n")

	var gotMethod, gotPath, gotContentType string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)

		_ = json.NewEncoder(w).Encode(domain.ScanResult{Clean: true, Engine: "clamav/1.4.1"})
	}))
	defer server.Close()

	client := NewScanClient(domain.ScannerConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		RateLimit: 1000,
	}, testLogger())

	result, err := client.Scan(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, result.Clean)
	assert.Empty(t, result.Signature)
	assert.Equal(t, "clamav/1.4.1", result.Engine)

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/api/v1/scan", gotPath)
	assert.Equal(t, "application/octet-stream", gotContentType)
	assert.Equal(t, payload, gotBody)
}

func TestScanClient_InfectedVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(domain.ScanResult{
			Clean:     false,
			Signature: "Eicar-Test-Signature",
			Engine:    "clamav/1.4.1",
		})
	}))
	defer server.Close()

	client := NewScanClient(domain.ScannerConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		RateLimit: 1000,
	}, testLogger())

	result, err := client.Scan(context.Background(), []byte("X5O!P%@AP[4\\PZX54(P^)7CC)7}"))
	require.NoError(t, err)
	assert.False(t, result.Clean)
	assert.Equal(t, "Eicar-Test-Signature", result.Signature)
}

func TestScanClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewScanClient(domain.ScannerConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		RateLimit: 1000,
	}, testLogger())

	_, err := client.Scan(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestScanClient_BadResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := NewScanClient(domain.ScannerConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		RateLimit: 1000,
	}, testLogger())

	_, err := client.Scan(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse scanner response")
}

func TestScanClient_BreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewScanClient(domain.ScannerConfig{
		Enabled:   true,
		BaseURL:   server.URL,
		RateLimit: 1000,
	}, testLogger())

	for i := 0; i < 3; i++ {
		_, err := client.Scan(context.Background(), []byte("payload"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	}

	_, err := client.Scan(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, gobreaker.StateOpen, client.BreakerState())
}

func TestScanClient_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewScanClient(domain.ScannerConfig{Enabled: true, BaseURL: server.URL}, testLogger())
	assert.NoError(t, client.HealthCheck(context.Background()))

	server.Close()
	assert.Error(t, client.HealthCheck(context.Background()))
}
