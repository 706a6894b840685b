package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartShutdown(t *testing.T) {
	// Port 0 keeps the test off fixed ports; the bound address is not
	// observable from outside, so this exercises the start/stop path only.
	srv := NewServer("127.0.0.1:0", prometheus.NewRegistry(), testLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry server did not stop")
	}
}

func TestServerShutdownBeforeStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", prometheus.NewRegistry(), testLogger())

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, srv.Start())
}
