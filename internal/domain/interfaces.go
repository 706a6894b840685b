package domain

import (
	"context"
)

// Renderer turns a structured report document into a rendered byte stream
// (PDF). Rendering is the only synchronous external call on the export path;
// implementations should be deterministic for identical documents but the
// pipeline does not depend on it.
type Renderer interface {
	Render(ctx context.Context, doc *ReportDocument) ([]byte, error)
}

// VirusScanner checks uploaded bytes before they reach the parser. The gate
// is advisory: implementations report a verdict, the caller decides policy.
type VirusScanner interface {
	Scan(ctx context.Context, data []byte) (*ScanResult, error)
}

// ScanResult is the outcome of a virus scan.
type ScanResult struct {
	Clean     bool   `json:"clean"`
	Signature string `json:"signature,omitempty"`
	Engine    string `json:"engine,omitempty"`
}

// StudyStore persists study configurations. Implementations validate writes
// fully; an invalid configuration leaves no partial state.
type StudyStore interface {
	Create(ctx context.Context, cfg *StudyConfiguration) error
	Get(ctx context.Context, studyName string) (*StudyConfiguration, error)
	List(ctx context.Context, limit, offset int) ([]*StudyConfiguration, error)
	Update(ctx context.Context, cfg *StudyConfiguration) error
	Delete(ctx context.Context, studyName string) error
	Close() error
}

// BatchArchive is the durable sink for archived batches. The in-memory
// results store remains authoritative; archives are write-only from the
// orchestrator's point of view.
type BatchArchive interface {
	ArchiveBatch(ctx context.Context, state *BatchState, subjects []*ProcessedSubject) error
}
