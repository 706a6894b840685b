// Package intake implements the server's file-intake loop: poll the intake
// directory for CSV files, run each one through the batch pipeline, write a
// CSV export, archive the batch and move the input to processed/. Rejected
// files land in quarantine/ with a .reason sidecar naming the cause.
package intake

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neuroqc-norm-server/internal/batch"
	"github.com/neuroqc-norm-server/internal/domain"
	"github.com/neuroqc-norm-server/internal/export"
	"github.com/neuroqc-norm-server/internal/ingest"
	"github.com/neuroqc-norm-server/internal/setup"
)

const (
	// DefaultPollInterval is how often the daemon scans the intake directory.
	DefaultPollInterval = 5 * time.Second

	// defaultSettleDelay keeps files that are still being copied in out of a
	// sweep. A file is only picked up once its mtime is at least this old.
	defaultSettleDelay = time.Second
)

// Options configures the daemon. Zero values pick the defaults.
type Options struct {
	// DataDir is the workspace root; the intake, processed, quarantine and
	// exports directories hang off it.
	DataDir string

	PollInterval time.Duration
	SettleDelay  time.Duration

	// Batch selects the stages applied to intake batches. When neither stage
	// is enabled the daemon runs the full pipeline.
	Batch domain.BatchConfig

	// PDF, when set, renders a report next to each CSV export. Render
	// failures are advisory; the CSV is already on disk.
	PDF *export.PDFExporter

	// Report seeds the rendered document. Title and timestamp default
	// inside BuildReport.
	Report export.ReportOptions
}

// Daemon watches the intake directory and feeds files through the pipeline.
type Daemon struct {
	orch    *batch.Orchestrator
	parser  *ingest.Parser
	scanner domain.VirusScanner
	opts    Options
	logger  *logrus.Logger
}

// NewDaemon creates a daemon. The scanner is optional; a nil scanner skips
// the virus gate entirely.
func NewDaemon(orch *batch.Orchestrator, parser *ingest.Parser, scanner domain.VirusScanner, opts Options, logger *logrus.Logger) *Daemon {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if !opts.Batch.ApplyNormalization && !opts.Batch.ApplyAssessment {
		opts.Batch.ApplyNormalization = true
		opts.Batch.ApplyAssessment = true
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Daemon{
		orch:    orch,
		parser:  parser,
		scanner: scanner,
		opts:    opts,
		logger:  logger,
	}
}

// Run polls the intake directory until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.logger.WithFields(logrus.Fields{
		"intake":   setup.IntakeDir(d.opts.DataDir),
		"interval": d.opts.PollInterval.String(),
	}).Info("Intake daemon started")

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Intake daemon stopped")
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep processes every settled CSV file currently in the intake directory
// and returns the number of files handled, whether processed or quarantined.
func (d *Daemon) Sweep(ctx context.Context) int {
	intakeDir := setup.IntakeDir(d.opts.DataDir)
	entries, err := os.ReadDir(intakeDir)
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"dir":   intakeDir,
			"error": err.Error(),
		}).Error("Failed to read intake directory")
		return 0
	}

	handled := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return handled
		}
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < d.opts.SettleDelay {
			// Still being written; pick it up on a later sweep.
			continue
		}

		path := filepath.Join(intakeDir, entry.Name())
		if err := d.handleFile(ctx, path); err != nil {
			d.logger.WithFields(logrus.Fields{
				"file":  entry.Name(),
				"error": err.Error(),
			}).Error("Intake file rejected")
			d.quarantine(path, err)
		}
		handled++
	}
	return handled
}

func (d *Daemon) handleFile(ctx context.Context, path string) error {
	name := filepath.Base(path)
	d.logger.WithField("file", name).Info("Processing intake file")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}

	if d.scanner != nil {
		verdict, err := d.scanner.Scan(ctx, data)
		switch {
		case err != nil:
			// The gate is advisory: an unreachable scanner fails open.
			d.logger.WithFields(logrus.Fields{
				"file":  name,
				"error": err.Error(),
			}).Warn("Virus scan unavailable, continuing without verdict")
		case !verdict.Clean:
			return fmt.Errorf("virus scan flagged %s: %s", name, verdict.Signature)
		}
	}

	table, err := d.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}

	batchID, err := d.orch.Submit(ctx, batch.TableSource(table), d.opts.Batch)
	if err != nil {
		return fmt.Errorf("submitting %s: %w", name, err)
	}

	state, err := d.orch.Wait(ctx, batchID)
	if err != nil {
		return fmt.Errorf("waiting for batch %s: %w", batchID, err)
	}
	if state.Status != domain.BatchCompleted {
		return fmt.Errorf("batch %s finished %s", batchID, state.Status)
	}

	subjects, err := d.orch.Results(batchID)
	if err != nil {
		return fmt.Errorf("collecting results for batch %s: %w", batchID, err)
	}

	exportPath, err := d.writeExport(name, subjects)
	if err != nil {
		return err
	}

	if d.opts.PDF != nil {
		if pdfPath, err := d.writePDF(ctx, name, subjects); err != nil {
			d.logger.WithFields(logrus.Fields{
				"file":  name,
				"error": err.Error(),
			}).Warn("Report render failed")
		} else {
			d.logger.WithFields(logrus.Fields{
				"file":   name,
				"report": pdfPath,
			}).Info("Report rendered")
		}
	}

	if err := d.orch.Archive(ctx, batchID); err != nil {
		d.logger.WithFields(logrus.Fields{
			"batch_id": batchID,
			"error":    err.Error(),
		}).Warn("Batch archive failed")
	}

	dest, err := d.moveTo(path, setup.ProcessedDir(d.opts.DataDir))
	if err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"file":      name,
		"batch_id":  batchID,
		"completed": state.Progress.Completed,
		"failed":    state.Progress.Failed,
		"export":    exportPath,
		"moved_to":  dest,
	}).Info("Intake file processed")
	return nil
}

func (d *Daemon) writeExport(inputName string, subjects []*domain.ProcessedSubject) (string, error) {
	stem := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	path := filepath.Join(setup.ExportDir(d.opts.DataDir), stem+".assessed.csv")

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating export %s: %w", path, err)
	}
	defer f.Close()

	if err := export.WriteCSV(f, subjects, export.FullCSV()); err != nil {
		return "", fmt.Errorf("writing export %s: %w", path, err)
	}
	return path, nil
}

func (d *Daemon) writePDF(ctx context.Context, inputName string, subjects []*domain.ProcessedSubject) (string, error) {
	stem := strings.TrimSuffix(inputName, filepath.Ext(inputName))
	path := filepath.Join(setup.ExportDir(d.opts.DataDir), stem+".report.pdf")

	doc := export.BuildReport(subjects, d.opts.Report)
	data, err := d.opts.PDF.Export(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing report %s: %w", path, err)
	}
	return path, nil
}

// quarantine moves a rejected file aside and records the reason next to it.
func (d *Daemon) quarantine(path string, reason error) {
	dest, err := d.moveTo(path, setup.QuarantineDir(d.opts.DataDir))
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"file":  filepath.Base(path),
			"error": err.Error(),
		}).Error("Failed to quarantine file")
		return
	}
	note := dest + ".reason"
	if err := os.WriteFile(note, []byte(reason.Error()+"\n"), 0644); err != nil {
		d.logger.WithFields(logrus.Fields{
			"file":  note,
			"error": err.Error(),
		}).Warn("Failed to write quarantine reason")
	}
	d.logger.WithFields(logrus.Fields{
		"file":   filepath.Base(dest),
		"reason": reason.Error(),
	}).Warn("Intake file quarantined")
}

// moveTo moves path into dir, suffixing the name when the target exists.
func (d *Daemon) moveTo(path, dir string) (string, error) {
	name := filepath.Base(path)
	dest := filepath.Join(dir, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("moving %s: %w", name, err)
	}
	return dest, nil
}
