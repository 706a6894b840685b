package export

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
)

// RenderCache stores rendered report bytes keyed by document content.
// Lookups are best-effort: a failing cache never fails an export.
type RenderCache interface {
	Get(ctx context.Context, doc *domain.ReportDocument) ([]byte, bool)
	Put(ctx context.Context, doc *domain.ReportDocument, rendered []byte) error
}

// PDFExporter renders report documents through an injected Renderer, with an
// optional rendered-bytes cache in front of it.
type PDFExporter struct {
	renderer domain.Renderer
	cache    RenderCache
	logger   *logrus.Logger
}

// NewPDFExporter creates a PDF exporter. The cache may be nil; every export
// then renders.
func NewPDFExporter(renderer domain.Renderer, cache RenderCache, logger *logrus.Logger) *PDFExporter {
	return &PDFExporter{renderer: renderer, cache: cache, logger: logger}
}

// Export returns the rendered bytes for doc, from cache when an identical
// document was rendered before.
func (e *PDFExporter) Export(ctx context.Context, doc *domain.ReportDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("report document is required: %w", domain.ErrInvalidInput)
	}

	if e.cache != nil {
		if data, ok := e.cache.Get(ctx, doc); ok {
			e.logger.WithFields(logrus.Fields{
				"title":    doc.Title,
				"subjects": len(doc.Subjects.Rows),
			}).Debug("Report served from render cache")
			return data, nil
		}
	}

	data, err := e.renderer.Render(ctx, doc)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"title": doc.Title,
			"error": err.Error(),
		}).Error("Failed to render report")
		return nil, fmt.Errorf("rendering report: %w", err)
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, doc, data); err != nil {
			e.logger.WithFields(logrus.Fields{
				"title": doc.Title,
				"error": err.Error(),
			}).Warn("Failed to cache rendered report")
		}
	}
	return data, nil
}
