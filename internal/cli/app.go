// Package cli implements the qcnorm command line: run a QC report through
// the pipeline, export results as CSV or PDF, inspect longitudinal trends and
// manage study configurations. Everything runs in-process against the local
// workspace; the long-running counterpart lives in internal/server.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/batch"
	"github.com/neuroqc-norm-server/internal/config"
	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/events"
	"github.com/neuroqc-norm-server/internal/export"
	"github.com/neuroqc-norm-server/internal/ingest"
	"github.com/neuroqc-norm-server/internal/longitudinal"
	"github.com/neuroqc-norm-server/internal/normative"
	"github.com/neuroqc-norm-server/internal/service"
	"github.com/neuroqc-norm-server/internal/setup"
	"github.com/neuroqc-norm-server/internal/study"
	"github.com/neuroqc-norm-server/pkg/external"
)

// maxPrintedErrors caps the row errors echoed after a batch summary.
const maxPrintedErrors = 10

// App dispatches the qcnorm subcommands.
type App struct {
	cfg    *config.LiteConfig
	logger *logrus.Logger
	stdout io.Writer
}

// NewApp creates the command dispatcher. Output goes to stdout; a nil writer
// falls back to os.Stdout.
func NewApp(cfg *config.LiteConfig, logger *logrus.Logger, stdout io.Writer) *App {
	if stdout == nil {
		stdout = os.Stdout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &App{cfg: cfg, logger: logger, stdout: stdout}
}

// Run executes one subcommand.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return a.showHelp()
	}

	switch args[0] {
	case "process":
		return a.runProcess(ctx, args[1:])
	case "export":
		return a.runExport(ctx, args[1:])
	case "trend":
		return a.runTrend(ctx, args[1:])
	case "study":
		return a.runStudy(ctx, args[1:])
	case "setup":
		return setup.NewCLI(a.cfg.DataDir).Run(args[1:])
	case "help", "-h", "--help":
		return a.showHelp()
	default:
		fmt.Fprintf(a.stdout, "Unknown command: %s\n\n", args[0])
		return a.showHelp()
	}
}

func (a *App) showHelp() error {
	help := `
qcnorm - age-normalized QC assessment for neuroimaging reports

Usage:
  qcnorm <command> [flags] [arguments]

Commands:
  process <report.csv>   Run a QC report through the pipeline
  export  <report.csv>   Process a report and export results as CSV or PDF
  trend   <report.csv>   Fit longitudinal trends over repeated sessions
  study   <subcommand>   Manage study configurations (list, show, create,
                         update, delete, export, import)
  setup   <subcommand>   Initialize and inspect the workspace
  help                   Show this help

Environment:
  QCNORM_DATA_DIR            Workspace directory (default ~/.qcnorm)
  QCNORM_DATASET_PATH        Normative dataset YAML override
  QCNORM_WORKER_POOL_SIZE    Concurrent rows per batch (default 4)
  QCNORM_RENDERER_URL        PDF renderer base URL
  QCNORM_LOG_LEVEL           debug, info, warn, error (default info)

Run 'qcnorm <command> -h' for command flags.
`
	fmt.Fprintln(a.stdout, help)
	return nil
}

// stack is the per-invocation pipeline assembly. The study store is only
// opened when a command needs it, so plain processing never creates a
// database file.
type stack struct {
	norms      *normative.Store
	classifier *service.AgeClassifier
	parser     *ingest.Parser
	bus        *events.Bus
	orch       *batch.Orchestrator
	studies    study.Store
}

func (a *App) buildStack(withStudies bool) (*stack, error) {
	norms, err := a.openNorms()
	if err != nil {
		return nil, err
	}

	classifier, err := service.NewAgeClassifier(norms, a.logger)
	if err != nil {
		return nil, fmt.Errorf("building age classifier: %w", err)
	}
	resolver, err := service.NewThresholdResolver(norms, a.logger)
	if err != nil {
		return nil, fmt.Errorf("building threshold resolver: %w", err)
	}
	normalizer := service.NewNormalizer(norms, classifier, a.logger)
	assessor := service.NewAssessor(nil, a.logger)
	pipeline := service.NewPipeline(classifier, normalizer, resolver, assessor, a.cfg.ProcessingVersion, a.logger)

	var studies study.Store
	if withStudies {
		studies, err = study.NewSQLiteStore(a.cfg.StudyDBPath())
		if err != nil {
			return nil, fmt.Errorf("opening study store: %w", err)
		}
	}

	bus := events.NewBus(64, a.logger)
	opts := batch.Options{Workers: a.cfg.WorkerPoolSize}
	if studies != nil {
		opts.Studies = studies
	}

	return &stack{
		norms:      norms,
		classifier: classifier,
		parser:     ingest.NewParser(a.cfg.MaxInputBytes, a.logger),
		bus:        bus,
		orch:       batch.NewOrchestrator(pipeline, bus, opts, a.logger),
		studies:    studies,
	}, nil
}

func (s *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.orch.Shutdown(ctx)
	s.bus.Close()
	if s.studies != nil {
		_ = s.studies.Close()
	}
}

// openNorms loads the configured dataset override, then the workspace norms
// file when present, then the built-in dataset.
func (a *App) openNorms() (*normative.Store, error) {
	if a.cfg.DatasetPath != "" {
		return normative.NewStoreFromFile(a.cfg.DatasetPath, a.logger)
	}
	if path := setup.NormsPath(a.cfg.DataDir); fileExists(path) {
		return normative.NewStoreFromFile(path, a.logger)
	}
	return normative.NewStore(a.logger), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// processFile runs one CSV file through the orchestrator and blocks until
// the batch reaches a terminal state.
func (a *App) processFile(ctx context.Context, st *stack, path string, cfg domain.BatchConfig) (*domain.BatchState, []*domain.ProcessedSubject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	table, err := st.parser.Parse(f)
	f.Close()
	if err != nil {
		return nil, nil, err
	}

	batchID, err := st.orch.Submit(ctx, batch.TableSource(table), cfg)
	if err != nil {
		return nil, nil, err
	}
	state, err := st.orch.Wait(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	subjects, err := st.orch.Results(batchID)
	if err != nil {
		return nil, nil, err
	}
	return state, subjects, nil
}

func (a *App) runProcess(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(a.stdout)
	out := fs.String("out", "", "write the full CSV export to this file")
	studyName := fs.String("study", "", "apply this study's custom age groups and thresholds")
	rawOnly := fs.Bool("raw-only", false, "skip normalization and assessment")
	noAssess := fs.Bool("no-assess", false, "normalize but skip assessment")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}
	if fs.NArg() != 1 {
		return errors.New("usage: qcnorm process [flags] <report.csv>")
	}

	st, err := a.buildStack(*studyName != "")
	if err != nil {
		return err
	}
	defer st.close()

	cfg := domain.BatchConfig{
		ApplyNormalization: !*rawOnly,
		ApplyAssessment:    !*rawOnly && !*noAssess,
		Study:              *studyName,
	}
	state, subjects, err := a.processFile(ctx, st, fs.Arg(0), cfg)
	if err != nil {
		return err
	}

	a.printSummary(state, subjects)

	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *out, err)
		}
		defer f.Close()
		if err := export.WriteCSV(f, subjects, export.FullCSV()); err != nil {
			return fmt.Errorf("writing %s: %w", *out, err)
		}
		fmt.Fprintf(a.stdout, "\nWrote %s\n", *out)
	}
	return nil
}

func (a *App) printSummary(state *domain.BatchState, subjects []*domain.ProcessedSubject) {
	fmt.Fprintf(a.stdout, "Batch %s: %s\n", state.BatchID, state.Status)
	fmt.Fprintf(a.stdout, "  Rows:      %d total, %d completed, %d failed\n",
		state.Progress.Total, state.Progress.Completed, state.Progress.Failed)

	counts := map[domain.Verdict]int{}
	for _, s := range subjects {
		if s.Assessment != nil {
			counts[s.Assessment.Overall]++
		}
	}
	if len(counts) > 0 {
		fmt.Fprintf(a.stdout, "  Verdicts:  pass %d, warning %d, fail %d, uncertain %d\n",
			counts[domain.VerdictPass], counts[domain.VerdictWarning],
			counts[domain.VerdictFail], counts[domain.VerdictUncertain])
	}

	for i := range state.Errors {
		if i == 0 {
			fmt.Fprintln(a.stdout, "  Row errors:")
		}
		if i == maxPrintedErrors {
			fmt.Fprintf(a.stdout, "    ... and %d more\n", len(state.Errors)-maxPrintedErrors)
			break
		}
		fmt.Fprintf(a.stdout, "    %s\n", state.Errors[i].Error())
	}
}

func (a *App) runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(a.stdout)
	format := fs.String("format", "csv", "output format: csv or pdf")
	out := fs.String("out", "", "output file (default stdout for csv)")
	studyName := fs.String("study", "", "apply this study's custom age groups and thresholds")
	title := fs.String("title", "", "report title for pdf output")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}
	if fs.NArg() != 1 {
		return errors.New("usage: qcnorm export [flags] <report.csv>")
	}
	if *format != "csv" && *format != "pdf" {
		return fmt.Errorf("unknown format %q (want csv or pdf)", *format)
	}
	if *format == "pdf" && *out == "" {
		return errors.New("pdf export requires --out")
	}

	st, err := a.buildStack(*studyName != "")
	if err != nil {
		return err
	}
	defer st.close()

	cfg := domain.BatchConfig{ApplyNormalization: true, ApplyAssessment: true, Study: *studyName}
	state, subjects, err := a.processFile(ctx, st, fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	if state.Status != domain.BatchCompleted {
		return fmt.Errorf("processing finished %s", state.Status)
	}

	switch *format {
	case "csv":
		var w io.Writer = a.stdout
		if *out != "" {
			f, err := os.Create(*out)
			if err != nil {
				return fmt.Errorf("creating %s: %w", *out, err)
			}
			defer f.Close()
			w = f
		}
		if err := export.WriteCSV(w, subjects, export.FullCSV()); err != nil {
			return err
		}
		if *out != "" {
			fmt.Fprintf(a.stdout, "Wrote %s\n", *out)
		}
	case "pdf":
		doc := export.BuildReport(subjects, export.ReportOptions{
			Title:     *title,
			Study:     *studyName,
			Dataset:   st.norms.Dataset().Name,
			AgeGroups: st.norms.AgeGroups(),
		})
		renderer := external.NewRenderClient(domain.RendererConfig{BaseURL: a.cfg.RendererURL}, a.logger)
		exporter := export.NewPDFExporter(renderer, nil, a.logger)
		data, err := exporter.Export(ctx, doc)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*out, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", *out, err)
		}
		fmt.Fprintf(a.stdout, "Wrote %s (%d bytes)\n", *out, len(data))
	}
	return nil
}

func (a *App) runTrend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trend", flag.ContinueOnError)
	fs.SetOutput(a.stdout)
	metric := fs.String("metric", "", "fit a single metric (default: every metric with data)")
	studyName := fs.String("study", "", "study context for age grouping")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}
	if fs.NArg() != 1 {
		return errors.New("usage: qcnorm trend [flags] <report.csv>")
	}

	st, err := a.buildStack(*studyName != "")
	if err != nil {
		return err
	}
	defer st.close()

	cfg := domain.BatchConfig{ApplyNormalization: true, ApplyAssessment: true, Study: *studyName}
	state, subjects, err := a.processFile(ctx, st, fs.Arg(0), cfg)
	if err != nil {
		return err
	}
	if state.Status != domain.BatchCompleted {
		return fmt.Errorf("processing finished %s", state.Status)
	}

	var studies domain.StudyStore
	if st.studies != nil {
		studies = st.studies
	}
	engine := longitudinal.NewEngine(st.classifier, studies, longitudinal.Config{}, a.logger)

	// Workers finish rows in arbitrary order; timepoints must reach the
	// engine chronologically so day offsets are derived against the true
	// baseline scan.
	sort.SliceStable(subjects, func(i, j int) bool {
		ai, aj := subjects[i].Subject.AcquisitionDate, subjects[j].Subject.AcquisitionDate
		if ai != nil && aj != nil && !ai.Equal(*aj) {
			return ai.Before(*aj)
		}
		return subjects[i].RowIndex < subjects[j].RowIndex
	})

	var order []string
	seen := map[string]bool{}
	for _, p := range subjects {
		if _, err := engine.AddTimepoint(p, longitudinal.TimepointOptions{Study: *studyName}); err != nil {
			a.logger.WithFields(logrus.Fields{
				"subject_id": p.Subject.SubjectID,
				"error":      err.Error(),
			}).Warn("Skipping timepoint")
			continue
		}
		if !seen[p.Subject.SubjectID] {
			seen[p.Subject.SubjectID] = true
			order = append(order, p.Subject.SubjectID)
		}
	}
	if len(order) == 0 {
		return errors.New("no subjects with usable timepoints")
	}

	for _, subjectID := range order {
		var trends []*domain.Trend
		if *metric != "" {
			tr, err := engine.ComputeTrend(ctx, subjectID, *metric)
			if err != nil {
				return err
			}
			if tr != nil {
				trends = append(trends, tr)
			}
		} else {
			trends, err = engine.ComputeAllTrends(ctx, subjectID)
			if err != nil {
				return err
			}
		}
		a.printTrends(subjectID, trends)
	}
	return nil
}

func (a *App) printTrends(subjectID string, trends []*domain.Trend) {
	fmt.Fprintln(a.stdout, subjectID)
	if len(trends) == 0 {
		fmt.Fprintln(a.stdout, "  (fewer than two timepoints with data)")
		return
	}
	for _, tr := range trends {
		line := fmt.Sprintf("  %-22s %-10s n=%d", tr.Metric, tr.Direction, len(tr.ValuesOverTime))
		if tr.Slope != nil {
			line += fmt.Sprintf("  slope=%+.4f/day", *tr.Slope)
		}
		if tr.RSquared != nil {
			line += fmt.Sprintf("  r2=%.3f", *tr.RSquared)
		}
		fmt.Fprintln(a.stdout, line)
	}
}

func (a *App) runStudy(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return a.studyHelp()
	}

	store, err := study.NewSQLiteStore(a.cfg.StudyDBPath())
	if err != nil {
		return fmt.Errorf("opening study store: %w", err)
	}
	defer store.Close()

	switch args[0] {
	case "list":
		return a.studyList(ctx, store)
	case "show":
		if len(args) != 2 {
			return errors.New("usage: qcnorm study show <name>")
		}
		return a.studyShow(ctx, store, args[1])
	case "create":
		if len(args) != 2 {
			return errors.New("usage: qcnorm study create <config.json>")
		}
		return a.studyWrite(ctx, store, args[1], false)
	case "update":
		if len(args) != 2 {
			return errors.New("usage: qcnorm study update <config.json>")
		}
		return a.studyWrite(ctx, store, args[1], true)
	case "delete":
		if len(args) != 2 {
			return errors.New("usage: qcnorm study delete <name>")
		}
		if err := store.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Deleted study %q\n", args[1])
		return nil
	case "export":
		return a.studyExport(ctx, store, args[1:])
	case "import":
		if len(args) != 2 {
			return errors.New("usage: qcnorm study import <export.json>")
		}
		return a.studyImport(ctx, store, args[1])
	default:
		fmt.Fprintf(a.stdout, "Unknown study subcommand: %s\n\n", args[0])
		return a.studyHelp()
	}
}

func (a *App) studyHelp() error {
	help := `
Usage:
  qcnorm study list
  qcnorm study show <name>
  qcnorm study create <config.json>
  qcnorm study update <config.json>
  qcnorm study delete <name>
  qcnorm study export [--out file.json]
  qcnorm study import <export.json>

A config.json holds one study configuration:
  {"study_name": "...", "normative_dataset": "...",
   "custom_age_groups": [...], "custom_thresholds": [...],
   "exclusion_criteria": [...]}
`
	fmt.Fprintln(a.stdout, help)
	return nil
}

func (a *App) studyList(ctx context.Context, store study.Store) error {
	all, err := store.List(ctx, 1000, 0)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Fprintln(a.stdout, "No studies configured")
		return nil
	}
	fmt.Fprintf(a.stdout, "%-24s %-16s %10s %12s\n", "STUDY", "DATASET", "AGE GROUPS", "THRESHOLDS")
	for _, cfg := range all {
		fmt.Fprintf(a.stdout, "%-24s %-16s %10d %12d\n",
			cfg.StudyName, cfg.NormativeDataset, len(cfg.CustomAgeGroups), len(cfg.CustomThresholds))
	}
	return nil
}

func (a *App) studyShow(ctx context.Context, store study.Store, name string) error {
	cfg, err := store.Get(ctx, name)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(a.stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

func (a *App) studyWrite(ctx context.Context, store study.Store, path string, update bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg domain.StudyConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if update {
		err = store.Update(ctx, &cfg)
	} else {
		err = store.Create(ctx, &cfg)
	}
	if err != nil {
		return err
	}

	verb := "Created"
	if update {
		verb = "Updated"
	}
	fmt.Fprintf(a.stdout, "%s study %q\n", verb, cfg.StudyName)
	return nil
}

func (a *App) studyExport(ctx context.Context, store study.Store, args []string) error {
	fs := flag.NewFlagSet("study export", flag.ContinueOnError)
	fs.SetOutput(a.stdout)
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return flagErr(err)
	}

	var w io.Writer = a.stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("creating %s: %w", *out, err)
		}
		defer f.Close()
		w = f
	}
	if err := store.ExportJSON(ctx, w); err != nil {
		return err
	}
	if *out != "" {
		fmt.Fprintf(a.stdout, "Wrote %s\n", *out)
	}
	return nil
}

func (a *App) studyImport(ctx context.Context, store study.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	imported, skipped, err := store.ImportJSON(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Imported %d studies, skipped %d existing\n", imported, skipped)
	return nil
}

// flagErr turns -h into a clean exit; flag already printed the usage.
func flagErr(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}
