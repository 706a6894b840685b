package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/events"
	"github.com/neuroqc-norm-server/internal/ingest"
	"github.com/neuroqc-norm-server/internal/service"
	"github.com/neuroqc-norm-server/internal/telemetry"
)

const (
	// DefaultWorkers is the worker pool size when none is configured.
	DefaultWorkers = 4
	// DefaultProgressInterval is how many finished rows separate two
	// batch_progress events.
	DefaultProgressInterval = 10
)

// ErrShutdown is returned by Submit after the orchestrator shut down.
var ErrShutdown = errors.New("orchestrator is shut down")

// Options configures the orchestrator. Zero values pick the defaults;
// Studies, Archive and Metrics are optional collaborators.
type Options struct {
	Workers          int
	ProgressInterval int

	// Studies resolves BatchConfig.Study names. Submitting a batch with a
	// study set fails without it.
	Studies domain.StudyStore

	// Archive, when set, receives every archived batch before the result
	// set leaves the active map.
	Archive domain.BatchArchive

	Metrics *telemetry.Metrics
}

// Orchestrator runs batches through the pipeline with a bounded worker pool
// per batch. It owns all mutable batch state; callers only ever receive
// snapshots.
type Orchestrator struct {
	pipeline *service.Pipeline
	bus      *events.Bus
	opts     Options
	logger   *logrus.Logger

	mu       sync.Mutex
	active   map[string]*run
	archived map[string]*archivedBatch
	closed   bool
}

// archivedBatch is a terminal batch whose results moved out of the active
// map. Both fields are frozen at archive time.
type archivedBatch struct {
	state    *domain.BatchState
	subjects []*domain.ProcessedSubject
}

// NewOrchestrator creates an orchestrator publishing on bus.
func NewOrchestrator(pipeline *service.Pipeline, bus *events.Bus, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Orchestrator{
		pipeline: pipeline,
		bus:      bus,
		opts:     opts,
		logger:   logger,
		active:   make(map[string]*run),
		archived: make(map[string]*archivedBatch),
	}
}

// Submit registers a batch and starts processing it in the background. The
// context only covers submission itself (study lookup); the batch runs on
// its own context, bounded by cfg.Timeout when set.
func (o *Orchestrator) Submit(ctx context.Context, src Source, cfg domain.BatchConfig) (string, error) {
	if err := src.validate(); err != nil {
		return "", err
	}

	rowOpts := service.RowOptions{
		ApplyNormalization: cfg.ApplyNormalization,
		ApplyAssessment:    cfg.ApplyAssessment,
		Overrides:          cfg.CustomThresholds,
	}
	if cfg.Study != "" {
		if o.opts.Studies == nil {
			return "", fmt.Errorf("batch requests study %q but no study store is configured", cfg.Study)
		}
		study, err := o.opts.Studies.Get(ctx, cfg.Study)
		if err != nil {
			return "", fmt.Errorf("loading study %q: %w", cfg.Study, err)
		}
		rowOpts.Study = study
	}

	batchID := uuid.New().String()
	r := newRun(batchID, src, rowOpts, o.opts.ProgressInterval)

	runCtx := context.Background()
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	r.cancel = cancel

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", ErrShutdown
	}
	o.active[batchID] = r
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"rows":     len(src.Jobs),
		"study":    cfg.Study,
	}).Info("Batch submitted")

	go o.execute(runCtx, r)

	return batchID, nil
}

// State returns a snapshot of the batch, archived or not.
func (o *Orchestrator) State(batchID string) (*domain.BatchState, error) {
	o.mu.Lock()
	r, ok := o.active[batchID]
	if !ok {
		arch, wasArchived := o.archived[batchID]
		o.mu.Unlock()
		if wasArchived {
			st := *arch.state
			return &st, nil
		}
		return nil, domain.ErrBatchNotFound
	}
	o.mu.Unlock()
	return r.snapshot(), nil
}

// Wait blocks until the batch reaches a terminal state or ctx expires, and
// returns the terminal snapshot.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (*domain.BatchState, error) {
	o.mu.Lock()
	r, ok := o.active[batchID]
	if !ok {
		arch, wasArchived := o.archived[batchID]
		o.mu.Unlock()
		if wasArchived {
			st := *arch.state
			return &st, nil
		}
		return nil, domain.ErrBatchNotFound
	}
	o.mu.Unlock()

	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation: workers stop pulling rows,
// in-flight rows finish, and the batch terminates as cancelled. Cancelling
// a batch that already reached a terminal state is a no-op.
func (o *Orchestrator) Cancel(batchID string) error {
	o.mu.Lock()
	r, ok := o.active[batchID]
	o.mu.Unlock()
	if !ok {
		return domain.ErrBatchNotFound
	}

	r.markCancelled(nil)
	r.cancel()
	o.logger.WithField("batch_id", batchID).Info("Batch cancellation requested")
	return nil
}

// Results returns the successfully processed subjects in submission order.
func (o *Orchestrator) Results(batchID string) ([]*domain.ProcessedSubject, error) {
	o.mu.Lock()
	r, ok := o.active[batchID]
	if !ok {
		arch, wasArchived := o.archived[batchID]
		o.mu.Unlock()
		if wasArchived {
			out := make([]*domain.ProcessedSubject, len(arch.subjects))
			copy(out, arch.subjects)
			return out, nil
		}
		return nil, domain.ErrBatchNotFound
	}
	o.mu.Unlock()
	return r.resultsSnapshot(), nil
}

// Archive moves a terminal batch out of the active map. When a durable
// archive is configured, the batch and its subjects are written through it
// first; a write failure leaves the batch active.
func (o *Orchestrator) Archive(ctx context.Context, batchID string) error {
	o.mu.Lock()
	r, ok := o.active[batchID]
	if !ok {
		_, wasArchived := o.archived[batchID]
		o.mu.Unlock()
		if wasArchived {
			return domain.ErrAlreadyExists
		}
		return domain.ErrBatchNotFound
	}
	o.mu.Unlock()

	r.mu.Lock()
	if r.archiving {
		r.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	if !r.state.Status.IsTerminal() {
		status := r.state.Status
		r.mu.Unlock()
		return fmt.Errorf("batch %s is still %s: %w", batchID, status, domain.ErrInvalidInput)
	}
	r.archiving = true
	r.mu.Unlock()

	state := r.snapshot()
	subjects := r.resultsSnapshot()

	if o.opts.Archive != nil {
		if err := o.opts.Archive.ArchiveBatch(ctx, state, subjects); err != nil {
			r.mu.Lock()
			r.archiving = false
			r.mu.Unlock()
			o.logger.WithFields(logrus.Fields{
				"batch_id": batchID,
				"error":    err.Error(),
			}).Error("Failed to archive batch")
			return fmt.Errorf("archiving batch %s: %w", batchID, err)
		}
	}

	o.mu.Lock()
	delete(o.active, batchID)
	o.archived[batchID] = &archivedBatch{state: state, subjects: subjects}
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"subjects": len(subjects),
	}).Info("Batch archived")
	return nil
}

// Shutdown cancels all active batches and waits for their workers, bounded
// by ctx. New submissions are rejected from the first call on.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	runs := make([]*run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.markCancelled(nil)
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// execute drives one batch to its terminal state.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	defer r.cancel()
	defer close(r.done)

	r.markProcessing()
	o.opts.Metrics.BatchStarted()
	o.publish(r.id, events.EventBatchStarted, events.BatchStartedPayload{
		BatchID: r.id,
		Total:   int(r.total()),
	})

	jobs := make(chan *Job)
	workers := o.opts.Workers
	if n := len(r.source.Jobs); n < workers {
		workers = n
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				o.processJob(r, job)
			}
		}()
	}

feed:
	for i := range r.source.Jobs {
		select {
		case jobs <- &r.source.Jobs[i]:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	o.finish(ctx, r)
}

// processJob handles one unit of work. Rows pulled before a cancellation
// still finish; row failures never escape the job.
func (o *Orchestrator) processJob(r *run, job *Job) {
	if job.Failed != nil {
		o.rowFailed(r, *job.Failed)
		return
	}

	var subject domain.SubjectInfo
	var metrics *domain.Metrics
	if job.Row != nil {
		var err error
		subject, metrics, err = ingest.ToSubject(r.source.Header, *job.Row)
		if err != nil {
			o.rowFailed(r, toProcessingError(err, job.Index))
			return
		}
	} else {
		subject = *job.Subject
		metrics = job.Metrics
	}

	started := time.Now()
	processed := o.pipeline.ProcessRow(subject, metrics, job.Index, r.rowOpts)
	r.recordResult(job.Index, processed)

	var verdict domain.Verdict
	if processed.Assessment != nil {
		verdict = processed.Assessment.Overall
	}
	o.opts.Metrics.RowProcessed(string(verdict), time.Since(started))

	o.publish(r.id, events.EventSubjectProcessed, events.SubjectProcessedPayload{
		BatchID:   r.id,
		SubjectID: subject.SubjectID,
		RowIndex:  job.Index,
		Verdict:   verdict,
	})
	o.maybeProgress(r)
}

func (o *Orchestrator) rowFailed(r *run, perr domain.ProcessingError) {
	r.recordError(perr)
	o.opts.Metrics.RowFailed(string(perr.Kind))
	o.publish(r.id, events.EventProcessingError, events.ProcessingErrorPayload{
		BatchID:  r.id,
		RowIndex: perr.Row,
		Code:     perr.Kind,
		Message:  perr.Message,
		Field:    perr.Field,
	})
	o.maybeProgress(r)
}

// maybeProgress publishes batch_progress every progressInterval finished
// rows and on the final row. Compute and publish share progressMu so
// subscribers never observe the counters move backwards.
func (o *Orchestrator) maybeProgress(r *run) {
	done := atomic.AddInt64(&r.processed, 1)
	if done%r.progressInterval != 0 && done != r.total() {
		return
	}

	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	prog := r.progress()
	o.publish(r.id, events.EventBatchProgress, events.BatchProgressPayload{
		BatchID:   r.id,
		Completed: prog.Completed,
		Failed:    prog.Failed,
		Total:     prog.Total,
		Percent:   prog.Percent,
	})
}

// finish settles the terminal status and emits the terminal event.
func (o *Orchestrator) finish(ctx context.Context, r *run) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.markCancelled(&domain.ProcessingError{
			Kind:    domain.KindTimeout,
			Row:     -1,
			Message: "batch timed out",
		})
	}

	prog := r.progress()
	now := time.Now().UTC()

	r.mu.Lock()
	r.state.CompletedAt = &now
	if !r.state.Status.IsTerminal() {
		if prog.Failed == prog.Total && prog.Total > 0 {
			r.state.Status = domain.BatchFailed
		} else {
			r.state.Status = domain.BatchCompleted
		}
	}
	status := r.state.Status
	started := r.start
	r.mu.Unlock()

	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = now.Sub(started)
	}
	o.opts.Metrics.BatchFinished(string(status), elapsed)

	typ := events.EventBatchCompleted
	switch status {
	case domain.BatchFailed:
		typ = events.EventBatchFailed
	case domain.BatchCancelled:
		typ = events.EventBatchCancelled
	}
	o.publish(r.id, typ, events.BatchCompletedPayload{
		BatchID:   r.id,
		Completed: prog.Completed,
		Failed:    prog.Failed,
		ElapsedMS: elapsed.Milliseconds(),
	})

	o.logger.WithFields(logrus.Fields{
		"batch_id":   r.id,
		"status":     string(status),
		"completed":  prog.Completed,
		"failed":     prog.Failed,
		"total":      prog.Total,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("Batch finished")
}

// publish emits on the per-batch topic and mirrors to the dashboard.
func (o *Orchestrator) publish(batchID string, typ events.EventType, payload interface{}) {
	o.bus.Publish(events.BatchTopic(batchID), typ, payload)
	o.bus.Publish(events.TopicDashboard, typ, payload)
}

func toProcessingError(err error, rowIndex int) domain.ProcessingError {
	var perr *domain.ProcessingError
	if errors.As(err, &perr) {
		return *perr
	}
	return *domain.NewRowError(rowIndex, "", err.Error())
}
