package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/config"
	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/setup"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

const intakeCSV = "subject_id,age,scan_type,snr,cnr\nsub-001,25,T1w,15.2,4.1\nsub-002,68,T1w,9.0,3.2\n"

// testEnv points every backend at a temp directory or an unreachable port so
// construction is deterministic regardless of what runs on this machine.
func testEnv(t *testing.T) string {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("QCNORM_DATA_DIR", dataDir)
	t.Setenv("QCNORM_STUDY_SQLITE_PATH", filepath.Join(dataDir, "study.db"))
	t.Setenv("QCNORM_LOGGING_LEVEL", "panic")
	t.Setenv("QCNORM_INTAKE_POLL_INTERVAL", "25ms")
	t.Setenv("QCNORM_INTAKE_SETTLE_DELAY", "1ms")
	t.Setenv("QCNORM_DATABASE_HOST", "127.0.0.1")
	t.Setenv("QCNORM_DATABASE_PORT", "1")
	t.Setenv("QCNORM_CACHE_REDIS_URL", "redis://127.0.0.1:1")
	t.Setenv("QCNORM_RENDERER_BASE_URL", "http://127.0.0.1:1")
	return dataDir
}

func newTestManager(t *testing.T) *config.Manager {
	t.Helper()
	manager, err := config.NewManager()
	require.NoError(t, err)
	require.NoError(t, manager.Validate())
	return manager
}

func TestNewServerDegradesWithoutSidecars(t *testing.T) {
	testEnv(t)

	srv, err := NewServer(newTestManager(t))
	require.NoError(t, err)
	defer srv.Close()

	assert.Nil(t, srv.db, "archive should be disabled without Postgres")
	assert.Nil(t, srv.reports, "report cache should be disabled without Redis")
	assert.Nil(t, srv.exporter, "telemetry is disabled by default")
	require.NotNil(t, srv.orch)
	require.NotNil(t, srv.daemon)
	require.NotNil(t, srv.studies)
}

func TestServerProcessesIntakeFile(t *testing.T) {
	dataDir := testEnv(t)

	srv, err := NewServer(newTestManager(t))
	require.NoError(t, err)

	path := filepath.Join(setup.IntakeDir(dataDir), "cohort.csv")
	require.NoError(t, os.WriteFile(path, []byte(intakeCSV), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()

	exportPath := filepath.Join(setup.ExportDir(dataDir), "cohort.assessed.csv")
	require.Eventually(t, func() bool {
		_, err := os.Stat(exportPath)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond, "export file never appeared")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
	srv.Close()

	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sub-001")
	assert.Contains(t, string(data), "sub-002")

	processed, err := os.ReadDir(setup.ProcessedDir(dataDir))
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "cohort.csv", processed[0].Name())
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(domain.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	logger = newLogger(domain.LoggingConfig{Level: "not-a-level", Format: "text", Output: "stderr"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	_, ok = logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)

	path := filepath.Join(t.TempDir(), "qcnorm.log")
	newLogger(domain.LoggingConfig{Level: "info", Format: "json", Output: path})
	_, err := os.Stat(path)
	assert.NoError(t, err, "log file should be created")
}

func TestOpenStudyStoreUnreachablePostgres(t *testing.T) {
	cfg := &domain.Config{}
	cfg.Study.Backend = "postgres"
	cfg.Database = domain.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     1,
		Database: "qcnorm",
		Username: "postgres",
		SSLMode:  "disable",
	}

	_, err := openStudyStore(cfg, testLogger())
	require.Error(t, err)
}

func TestOpenNormsMissingFile(t *testing.T) {
	_, err := openNorms(filepath.Join(t.TempDir(), "nope.yaml"), testLogger())
	require.Error(t, err)

	norms, err := openNorms("", testLogger())
	require.NoError(t, err)
	require.NotNil(t, norms.Dataset())
}
