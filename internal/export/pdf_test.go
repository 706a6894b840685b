package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type stubRenderer struct {
	calls int
	data  []byte
	err   error
}

func (r *stubRenderer) Render(ctx context.Context, doc *domain.ReportDocument) ([]byte, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.data, nil
}

type memoryCache struct {
	entries map[string][]byte
	putErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][]byte)}
}

func (c *memoryCache) key(doc *domain.ReportDocument) string {
	b, _ := json.Marshal(doc)
	return string(b)
}

func (c *memoryCache) Get(ctx context.Context, doc *domain.ReportDocument) ([]byte, bool) {
	data, ok := c.entries[c.key(doc)]
	return data, ok
}

func (c *memoryCache) Put(ctx context.Context, doc *domain.ReportDocument, rendered []byte) error {
	if c.putErr != nil {
		return c.putErr
	}
	c.entries[c.key(doc)] = rendered
	return nil
}

func sampleDoc(title string) *domain.ReportDocument {
	return BuildReport([]*domain.ProcessedSubject{
		groupedSubject("sub-001", "young_adult", domain.VerdictPass, 12),
	}, ReportOptions{Title: title})
}

func TestExportRendersOnceThenServesCache(t *testing.T) {
	renderer := &stubRenderer{data: []byte("%PDF-1.7 report")}
	cache := newMemoryCache()
	exporter := NewPDFExporter(renderer, cache, testLogger())

	doc := sampleDoc("weekly")
	first, err := exporter.Export(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, renderer.data, first)
	assert.Equal(t, 1, renderer.calls)

	second, err := exporter.Export(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, renderer.calls, "second export comes from cache")
}

func TestExportRendererErrorPropagates(t *testing.T) {
	renderErr := errors.New("renderer unavailable")
	exporter := NewPDFExporter(&stubRenderer{err: renderErr}, newMemoryCache(), testLogger())

	_, err := exporter.Export(context.Background(), sampleDoc("weekly"))
	assert.ErrorIs(t, err, renderErr)
}

func TestExportCacheWriteFailureIsNonFatal(t *testing.T) {
	renderer := &stubRenderer{data: []byte("pdf")}
	cache := newMemoryCache()
	cache.putErr = errors.New("cache down")
	exporter := NewPDFExporter(renderer, cache, testLogger())

	doc := sampleDoc("weekly")
	data, err := exporter.Export(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, renderer.data, data)

	_, err = exporter.Export(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 2, renderer.calls, "nothing was cached, so it renders again")
}

func TestExportWithoutCache(t *testing.T) {
	renderer := &stubRenderer{data: []byte("pdf")}
	exporter := NewPDFExporter(renderer, nil, testLogger())

	doc := sampleDoc("weekly")
	for i := 0; i < 2; i++ {
		_, err := exporter.Export(context.Background(), doc)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, renderer.calls)
}

func TestExportNilDocument(t *testing.T) {
	exporter := NewPDFExporter(&stubRenderer{}, nil, testLogger())
	_, err := exporter.Export(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
