package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/service"
)

// run is the orchestrator-owned record of one batch. Progress counters are
// atomic; everything else mutable lives behind mu. Observers only ever see
// snapshots.
type run struct {
	id               string
	source           Source
	rowOpts          service.RowOptions
	progressInterval int64

	mu        sync.Mutex
	state     domain.BatchState
	results   []*domain.ProcessedSubject
	archiving bool

	processed int64
	completed int64
	failed    int64

	// progressMu serializes progress publication so emitted completed
	// counts are non-decreasing.
	progressMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
	start  time.Time
}

func newRun(id string, src Source, rowOpts service.RowOptions, progressInterval int) *run {
	now := time.Now().UTC()
	return &run{
		id:               id,
		source:           src,
		rowOpts:          rowOpts,
		progressInterval: int64(progressInterval),
		state: domain.BatchState{
			BatchID:   id,
			Status:    domain.BatchPending,
			Progress:  domain.BatchProgress{Total: len(src.Jobs)},
			CreatedAt: now,
		},
		results: make([]*domain.ProcessedSubject, len(src.Jobs)),
		done:    make(chan struct{}),
	}
}

func (r *run) total() int64 {
	return int64(len(r.source.Jobs))
}

// markProcessing advances pending to processing. A cancellation that raced
// ahead wins.
func (r *run) markProcessing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status != domain.BatchPending {
		return
	}
	now := time.Now().UTC()
	r.state.Status = domain.BatchProcessing
	r.state.StartedAt = &now
	r.start = now
}

// markCancelled transitions to cancelled unless the batch already reached a
// terminal state. The optional entry records why (timeouts).
func (r *run) markCancelled(entry *domain.ProcessingError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Status.IsTerminal() {
		return
	}
	r.state.Status = domain.BatchCancelled
	if entry != nil {
		r.state.Errors = append(r.state.Errors, *entry)
	}
}

func (r *run) recordError(perr domain.ProcessingError) {
	r.mu.Lock()
	r.state.Errors = append(r.state.Errors, perr)
	r.mu.Unlock()
	atomic.AddInt64(&r.failed, 1)
}

func (r *run) recordResult(pos int, processed *domain.ProcessedSubject) {
	r.mu.Lock()
	r.results[pos] = processed
	r.mu.Unlock()
	atomic.AddInt64(&r.completed, 1)
}

func (r *run) progress() domain.BatchProgress {
	completed := atomic.LoadInt64(&r.completed)
	failed := atomic.LoadInt64(&r.failed)
	total := r.total()
	return domain.BatchProgress{
		Completed: int(completed),
		Failed:    int(failed),
		Total:     int(total),
		Percent:   percent(completed+failed, total),
	}
}

// snapshot copies the externally visible state.
func (r *run) snapshot() *domain.BatchState {
	r.mu.Lock()
	st := r.state
	st.Errors = append([]domain.ProcessingError(nil), r.state.Errors...)
	if r.state.StartedAt != nil {
		t := *r.state.StartedAt
		st.StartedAt = &t
	}
	if r.state.CompletedAt != nil {
		t := *r.state.CompletedAt
		st.CompletedAt = &t
	}
	r.mu.Unlock()

	st.Progress = r.progress()
	return &st
}

// resultsSnapshot returns the successfully processed subjects in submission
// order. The returned slice is the caller's; the pointed-to subjects are
// shared and must be treated as read-only.
func (r *run) resultsSnapshot() []*domain.ProcessedSubject {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ProcessedSubject, 0, len(r.results))
	for _, p := range r.results {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

func percent(done, total int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
