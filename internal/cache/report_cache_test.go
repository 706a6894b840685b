package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestCache(t *testing.T, mr *miniredis.Miniredis, ttl time.Duration) *ReportCache {
	t.Helper()
	c, err := NewReportCache(Config{RedisURL: "redis://" + mr.Addr(), TTL: ttl}, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sampleDoc(title string) *domain.ReportDocument {
	return &domain.ReportDocument{
		Title:       title,
		Study:       "dev-cohort",
		Dataset:     "builtin-v1",
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Summary: domain.SummarySection{
			TotalSubjects: 2,
			Verdicts:      domain.VerdictTally{Pass: 1, Warning: 1},
		},
		Subjects: domain.SubjectTable{
			Columns: []string{"subject_id"},
			Rows:    [][]string{{"sub-001"}, {"sub-002"}},
		},
	}
}

func TestNewReportCacheRejectsBadURL(t *testing.T) {
	_, err := NewReportCache(Config{RedisURL: "://nope"}, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing redis url")
}

func TestNewReportCacheUnreachableServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewReportCache(Config{RedisURL: "redis://" + addr}, nil, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to redis")
}

func TestPutGetRoundtrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Hour)
	ctx := context.Background()
	doc := sampleDoc("QC Report")

	rendered := []byte("%PDF-1.7 fake body")
	require.NoError(t, c.Put(ctx, doc, rendered))

	got, ok := c.Get(ctx, doc)
	require.True(t, ok)
	assert.Equal(t, rendered, got)
}

func TestGetMissesUnknownDocument(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Hour)

	got, ok := c.Get(context.Background(), sampleDoc("never cached"))
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRedisTTLExpiresEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Minute)
	ctx := context.Background()
	doc := sampleDoc("QC Report")

	require.NoError(t, c.Put(ctx, doc, []byte("rendered")))
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, doc)
	assert.False(t, ok)
}

func TestStaleEnvelopeEvicted(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Hour)
	ctx := context.Background()
	doc := sampleDoc("QC Report")

	key, err := DocumentKey(doc)
	require.NoError(t, err)
	payload, err := json.Marshal(cachedReport{
		Data:      []byte("stale"),
		CachedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, string(payload)))

	_, ok := c.Get(ctx, doc)
	assert.False(t, ok)
	assert.False(t, mr.Exists(key), "expired envelope should be deleted")
}

func TestCorruptedEntryEvicted(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Hour)
	ctx := context.Background()
	doc := sampleDoc("QC Report")

	key, err := DocumentKey(doc)
	require.NoError(t, err)
	require.NoError(t, mr.Set(key, "not json"))

	_, ok := c.Get(ctx, doc)
	assert.False(t, ok)
	assert.False(t, mr.Exists(key), "corrupted entry should be deleted")
}

func TestDocumentKeyIgnoresGenerationTime(t *testing.T) {
	first := sampleDoc("QC Report")
	second := sampleDoc("QC Report")
	second.GeneratedAt = first.GeneratedAt.Add(48 * time.Hour)

	k1, err := DocumentKey(first)
	require.NoError(t, err)
	k2, err := DocumentKey(second)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestDocumentKeyVariesWithContent(t *testing.T) {
	first := sampleDoc("QC Report")
	second := sampleDoc("QC Report")
	second.Summary.TotalSubjects = 99

	k1, err := DocumentKey(first)
	require.NoError(t, err)
	k2, err := DocumentKey(second)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.Contains(t, k1, "qcnorm:report:")
}

func TestInvalidateRemovesEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Hour)
	ctx := context.Background()
	doc := sampleDoc("QC Report")

	require.NoError(t, c.Put(ctx, doc, []byte("rendered")))
	require.NoError(t, c.Invalidate(ctx, doc))

	_, ok := c.Get(ctx, doc)
	assert.False(t, ok)
}

func TestPingReportsHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestCache(t, mr, time.Hour)

	require.NoError(t, c.Ping(context.Background()))
	mr.Close()
	assert.Error(t, c.Ping(context.Background()))
}
