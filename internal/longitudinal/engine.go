// Package longitudinal groups processed subjects into per-subject timepoint
// series and derives metric trends, age-group transitions, and study-level
// summaries from them.
package longitudinal

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/service"
)

// trendAlpha is the significance level of the slope t-test.
const trendAlpha = 0.05

const (
	defaultStableSlopeEpsilon = 0.01
	defaultStableSigmaEpsilon = 0.5
)

// Config tunes the stability classification. Zero values fall back to the
// package defaults; the per-metric maps override the global epsilons.
type Config struct {
	StableSlopeEpsilon float64
	StableSigmaEpsilon float64
	MetricSlopeEpsilon map[string]float64
	MetricSigmaEpsilon map[string]float64
}

// Engine owns the in-memory longitudinal series. All mutation happens under
// its mutex; callers only ever receive snapshots. The pointed-to processed
// rows are shared with the batch layer and treated as read-only.
type Engine struct {
	classifier *service.AgeClassifier
	studies    domain.StudyStore
	cfg        Config
	logger     *logrus.Logger

	mu       sync.Mutex
	subjects map[string]*domain.LongitudinalSubject
}

// NewEngine creates a longitudinal engine. The study store is optional;
// without it, age-group transitions use the default groups for every
// subject.
func NewEngine(classifier *service.AgeClassifier, studies domain.StudyStore, cfg Config, logger *logrus.Logger) *Engine {
	if cfg.StableSlopeEpsilon <= 0 {
		cfg.StableSlopeEpsilon = defaultStableSlopeEpsilon
	}
	if cfg.StableSigmaEpsilon <= 0 {
		cfg.StableSigmaEpsilon = defaultStableSigmaEpsilon
	}
	return &Engine{
		classifier: classifier,
		studies:    studies,
		cfg:        cfg,
		logger:     logger,
		subjects:   make(map[string]*domain.LongitudinalSubject),
	}
}

// TimepointOptions carries the optional context of one timepoint.
type TimepointOptions struct {
	// Session labels the timepoint; empty falls back to the session on the
	// processed row. Adding a timepoint with an existing session replaces
	// that timepoint.
	Session string

	// DaysFromBaseline positions the timepoint explicitly. When nil, the
	// offset is derived from acquisition dates against the subject's
	// earliest dated timepoint; a subject's first timepoint lands on day 0.
	DaysFromBaseline *float64

	// Study attaches the subject to a study for summaries and for
	// study-specific age grouping.
	Study string
}

// AddTimepoint inserts or replaces one timepoint and returns its id.
func (e *Engine) AddTimepoint(processed *domain.ProcessedSubject, opts TimepointOptions) (string, error) {
	if processed == nil {
		return "", &domain.ValidationError{Field: "processed", Message: "processed subject is required"}
	}
	subjectID := processed.Subject.SubjectID
	if subjectID == "" {
		return "", &domain.ValidationError{Field: "subject_id", Message: "subject id is required"}
	}

	session := opts.Session
	if session == "" {
		session = processed.Subject.Session
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.subjects[subjectID]
	if !ok {
		rec = &domain.LongitudinalSubject{SubjectID: subjectID}
		e.subjects[subjectID] = rec
	}
	if opts.Study != "" {
		rec.Study = opts.Study
	}
	if processed.Subject.Sex != "" {
		rec.Sex = processed.Subject.Sex
	}

	tp := domain.Timepoint{
		TimepointID:      uuid.New().String(),
		Session:          session,
		DaysFromBaseline: daysFromBaseline(rec, processed, opts.DaysFromBaseline),
		AgeAtScan:        processed.Subject.Age,
		Processed:        processed,
		AddedAt:          time.Now().UTC(),
	}

	replaced := false
	for i := range rec.Timepoints {
		if rec.Timepoints[i].Session == session {
			rec.Timepoints[i] = tp
			replaced = true
			break
		}
	}
	if !replaced {
		rec.Timepoints = append(rec.Timepoints, tp)
	}

	sort.SliceStable(rec.Timepoints, func(i, j int) bool {
		return rec.Timepoints[i].DaysFromBaseline < rec.Timepoints[j].DaysFromBaseline
	})
	rec.BaselineAge = rec.Timepoints[0].AgeAtScan

	e.logger.WithFields(logrus.Fields{
		"subject_id": subjectID,
		"session":    session,
		"replaced":   replaced,
		"timepoints": len(rec.Timepoints),
	}).Debug("Timepoint added")

	return tp.TimepointID, nil
}

// daysFromBaseline resolves a timepoint's position: an explicit value wins,
// then the offset between acquisition dates, then day zero.
func daysFromBaseline(rec *domain.LongitudinalSubject, processed *domain.ProcessedSubject, explicit *float64) float64 {
	if explicit != nil {
		return *explicit
	}
	if acq := processed.Subject.AcquisitionDate; acq != nil {
		if base := earliestAcquisition(rec); base != nil {
			return acq.Sub(*base).Hours() / 24
		}
	}
	return 0
}

func earliestAcquisition(rec *domain.LongitudinalSubject) *time.Time {
	var base *time.Time
	for i := range rec.Timepoints {
		p := rec.Timepoints[i].Processed
		if p == nil || p.Subject.AcquisitionDate == nil {
			continue
		}
		if base == nil || p.Subject.AcquisitionDate.Before(*base) {
			base = p.Subject.AcquisitionDate
		}
	}
	return base
}

// Subject returns a snapshot of the subject's series.
func (e *Engine) Subject(subjectID string) (*domain.LongitudinalSubject, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.subjects[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return snapshotSubject(rec), nil
}

func snapshotSubject(rec *domain.LongitudinalSubject) *domain.LongitudinalSubject {
	out := *rec
	out.Timepoints = append([]domain.Timepoint(nil), rec.Timepoints...)
	return &out
}

// ComputeTrend fits one metric's series for one subject. It returns nil
// without error when fewer than two timepoints carry the metric, matching
// how absent norms are treated elsewhere in the pipeline.
func (e *Engine) ComputeTrend(ctx context.Context, subjectID, metric string) (*domain.Trend, error) {
	desc, ok := domain.MetricByName(metric)
	if !ok {
		return nil, fmt.Errorf("unknown metric %q: %w", metric, domain.ErrInvalidInput)
	}
	snap, err := e.Subject(subjectID)
	if err != nil {
		return nil, err
	}
	return e.trendFor(ctx, snap, desc), nil
}

// ComputeAllTrends fits every vocabulary metric with enough data, in
// vocabulary order.
func (e *Engine) ComputeAllTrends(ctx context.Context, subjectID string) ([]*domain.Trend, error) {
	snap, err := e.Subject(subjectID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Trend
	for _, desc := range domain.Vocabulary() {
		if trend := e.trendFor(ctx, snap, desc); trend != nil {
			out = append(out, trend)
		}
	}
	return out, nil
}

// AgeGroupTransitions lists the subject's chronological age-group changes.
func (e *Engine) AgeGroupTransitions(ctx context.Context, subjectID string) ([]domain.AgeGroupTransition, error) {
	snap, err := e.Subject(subjectID)
	if err != nil {
		return nil, err
	}
	return e.transitions(ctx, snap), nil
}

// StudySummary aggregates trend directions across every subject of one
// study.
func (e *Engine) StudySummary(ctx context.Context, study string) (*domain.LongitudinalSummary, error) {
	e.mu.Lock()
	var members []*domain.LongitudinalSubject
	for _, rec := range e.subjects {
		if rec.Study == study {
			members = append(members, snapshotSubject(rec))
		}
	}
	e.mu.Unlock()

	if len(members) == 0 {
		return nil, domain.ErrNotFound
	}

	summary := &domain.LongitudinalSummary{
		Study:          study,
		SubjectCount:   len(members),
		TrendsByMetric: make(map[string]map[domain.TrendDirection]int),
	}
	for _, subject := range members {
		summary.TimepointCount += len(subject.Timepoints)
		for _, desc := range domain.Vocabulary() {
			trend := e.trendFor(ctx, subject, desc)
			if trend == nil {
				continue
			}
			byDirection := summary.TrendsByMetric[trend.Metric]
			if byDirection == nil {
				byDirection = make(map[domain.TrendDirection]int)
				summary.TrendsByMetric[trend.Metric] = byDirection
			}
			byDirection[trend.Direction]++
		}
	}
	return summary, nil
}

// trendFor fits one metric series over a snapshot. Nil means the series is
// too short or degenerate.
func (e *Engine) trendFor(ctx context.Context, subject *domain.LongitudinalSubject, desc *domain.MetricDescriptor) *domain.Trend {
	points := make([]domain.TrendPoint, 0, len(subject.Timepoints))
	for i := range subject.Timepoints {
		tp := &subject.Timepoints[i]
		if tp.Processed == nil || tp.Processed.RawMetrics == nil {
			continue
		}
		v := desc.Value(tp.Processed.RawMetrics)
		if v == nil {
			continue
		}
		points = append(points, domain.TrendPoint{
			TimepointID:      tp.TimepointID,
			Value:            *v,
			DaysFromBaseline: tp.DaysFromBaseline,
			AgeAtScan:        tp.AgeAtScan,
		})
	}
	if len(points) < 2 {
		return nil
	}
	fit, ok := fitOLS(points)
	if !ok {
		return nil
	}

	return &domain.Trend{
		SubjectID:            subject.SubjectID,
		Metric:               desc.Name,
		Direction:            e.classifyDirection(desc, fit),
		Slope:                domain.Float64(fit.Slope),
		Intercept:            domain.Float64(fit.Intercept),
		RSquared:             domain.Float64(fit.RSquared),
		PValue:               fit.PValue,
		ValuesOverTime:       points,
		AgeGroupChanges:      e.transitions(ctx, subject),
		QualityStatusChanges: qualityChanges(subject),
	}
}

// classifyDirection maps a fit onto the direction classes. Stability needs
// both a near-zero slope and low dispersion; a significant slope is read
// against the metric's desirable direction.
func (e *Engine) classifyDirection(desc *domain.MetricDescriptor, fit olsFit) domain.TrendDirection {
	epsSlope, epsSigma := e.epsilons(desc.Name)
	if math.Abs(fit.Slope) < epsSlope && fit.Sigma < epsSigma {
		return domain.TrendStable
	}
	if fit.PValue != nil && *fit.PValue < trendAlpha {
		improving := fit.Slope > 0
		if desc.Direction == domain.LowerBetter {
			improving = !improving
		}
		if improving {
			return domain.TrendImproving
		}
		return domain.TrendDeclining
	}
	return domain.TrendVariable
}

func (e *Engine) epsilons(metric string) (slope, sigma float64) {
	slope = e.cfg.StableSlopeEpsilon
	if v, ok := e.cfg.MetricSlopeEpsilon[metric]; ok {
		slope = v
	}
	sigma = e.cfg.StableSigmaEpsilon
	if v, ok := e.cfg.MetricSigmaEpsilon[metric]; ok {
		sigma = v
	}
	return slope, sigma
}

// transitions walks the series chronologically and records every change of
// the classified age group. Unclassifiable timepoints (no age, no matching
// group) are skipped.
func (e *Engine) transitions(ctx context.Context, subject *domain.LongitudinalSubject) []domain.AgeGroupTransition {
	if e.classifier == nil {
		return nil
	}
	study := e.resolveStudy(ctx, subject.Study)

	var (
		out       []domain.AgeGroupTransition
		prevGroup string
		prevID    string
		prevAge   float64
		have      bool
	)
	for i := range subject.Timepoints {
		tp := &subject.Timepoints[i]
		group, ok := e.classifyAge(study, tp.AgeAtScan)
		if !ok {
			continue
		}
		if have && group.Name != prevGroup {
			out = append(out, domain.AgeGroupTransition{
				FromGroup:     prevGroup,
				ToGroup:       group.Name,
				FromTimepoint: prevID,
				ToTimepoint:   tp.TimepointID,
				FromAge:       prevAge,
				ToAge:         *tp.AgeAtScan,
			})
		}
		prevGroup, prevID, prevAge, have = group.Name, tp.TimepointID, *tp.AgeAtScan, true
	}
	return out
}

// classifyAge classifies a timepoint age for crossing detection. Ages are
// reported in fractional years while bands are defined in whole years, so an
// age falling between two bands is retried on completed years.
func (e *Engine) classifyAge(study *domain.StudyConfiguration, age *float64) (domain.AgeGroup, bool) {
	group, ok := e.classifier.Classify(study, age)
	if ok || age == nil {
		return group, ok
	}
	floored := math.Floor(*age)
	if floored == *age {
		return group, false
	}
	return e.classifier.Classify(study, &floored)
}

// resolveStudy loads the study configuration backing study-specific age
// groups. Lookup failures degrade to the default groups.
func (e *Engine) resolveStudy(ctx context.Context, name string) *domain.StudyConfiguration {
	if name == "" || e.studies == nil {
		return nil
	}
	study, err := e.studies.Get(ctx, name)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"study": name,
			"error": err.Error(),
		}).Warn("Study lookup failed; using default age groups")
		return nil
	}
	return study
}

// qualityChanges records overall-verdict changes between consecutive
// assessed timepoints.
func qualityChanges(subject *domain.LongitudinalSubject) []domain.QualityStatusChange {
	var (
		out         []domain.QualityStatusChange
		prevVerdict domain.Verdict
		prevID      string
		have        bool
	)
	for i := range subject.Timepoints {
		tp := &subject.Timepoints[i]
		if tp.Processed == nil || tp.Processed.Assessment == nil {
			continue
		}
		verdict := tp.Processed.Assessment.Overall
		if have && verdict != prevVerdict {
			out = append(out, domain.QualityStatusChange{
				FromTimepoint: prevID,
				ToTimepoint:   tp.TimepointID,
				FromVerdict:   prevVerdict,
				ToVerdict:     verdict,
			})
		}
		prevVerdict, prevID, have = verdict, tp.TimepointID, true
	}
	return out
}
