// Package setup initializes and inspects the qcnorm workspace: the data
// directory with its well-known subdirectories, a starter configuration
// file, and a starter normative dataset mirroring the built-in norms.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/neuroqc-norm-server/internal/normative"
)

// subdirs are the workspace subdirectories created by EnsureDataDir. The
// intake daemon polls intake/ and files move through processed/ or
// quarantine/; exports/ receives CSV and PDF output.
var subdirs = []string{"exports", "intake", "processed", "quarantine"}

// starterConfig is the configuration file written by Initialize. Every key
// is commented out; uncommenting one overrides the built-in default.
const starterConfig = `# qcnorm configuration.
# Every value below shows its default. Environment variables with the
# QCNORM_ prefix override this file (e.g. QCNORM_LOGGING_LEVEL=debug).

pipeline:
  # worker_pool_size: 4
  # progress_event_interval_rows: 10
  # batch_timeout: 0s
  # max_input_bytes: 52428800
  # processing_version: qcnorm-1.0.0
  # stable_slope_epsilon: 0.01
  # stable_sigma_epsilon: 0.5

events:
  # subscriber_buffer: 64

intake:
  # poll_interval: 5s
  # settle_delay: 1s

normative:
  # dataset_path: ""
  # dataset_name: builtin-v1

study:
  # backend: sqlite
  # sqlite_path: $HOME/.qcnorm/study.db

database:
  # host: localhost
  # port: 5432
  # database: qcnorm
  # username: postgres
  # password: ""
  # ssl_mode: disable

cache:
  # redis_url: redis://localhost:6379
  # default_ttl: 24h

renderer:
  # base_url: http://localhost:3050/
  # timeout: 30s

scanner:
  # enabled: false
  # base_url: http://localhost:3310/

telemetry:
  # enabled: false
  # listen_addr: ":9464"

logging:
  # level: info
  # format: json
`

// GetDefaultDataDir returns the default workspace directory.
func GetDefaultDataDir() string {
	if v := os.Getenv("QCNORM_DATA_DIR"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qcnorm")
}

// ConfigPath returns the workspace configuration file path.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// NormsPath returns the workspace normative dataset path.
func NormsPath(dataDir string) string {
	return filepath.Join(dataDir, "norms.yaml")
}

// StudyDBPath returns the workspace study database path.
func StudyDBPath(dataDir string) string {
	return filepath.Join(dataDir, "study.db")
}

// IntakeDir returns the directory the daemon polls for new CSV files.
func IntakeDir(dataDir string) string {
	return filepath.Join(dataDir, "intake")
}

// ProcessedDir returns the directory finished intake files move to.
func ProcessedDir(dataDir string) string {
	return filepath.Join(dataDir, "processed")
}

// QuarantineDir returns the directory rejected intake files move to.
func QuarantineDir(dataDir string) string {
	return filepath.Join(dataDir, "quarantine")
}

// ExportDir returns the directory exports are written to.
func ExportDir(dataDir string) string {
	return filepath.Join(dataDir, "exports")
}

// EnsureDataDir creates the workspace directory tree.
func EnsureDataDir(dataDir string) error {
	if dataDir == "" {
		dataDir = GetDefaultDataDir()
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	for _, subdir := range subdirs {
		path := filepath.Join(dataDir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", subdir, err)
		}
	}

	return nil
}

// WriteStarterConfig writes the starter configuration file unless one
// already exists. Returns true when a file was written.
func WriteStarterConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to check config file: %w", err)
	}

	if err := os.WriteFile(path, []byte(starterConfig), 0644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}

// WriteStarterDataset writes the built-in normative dataset as an editable
// YAML file unless one already exists. Returns true when a file was written.
func WriteStarterDataset(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to check dataset file: %w", err)
	}

	ds, err := normative.NewDataset(
		normative.DefaultDatasetName,
		normative.DefaultAgeGroups(),
		normative.DefaultRecords(),
		normative.DefaultThresholds(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to build default dataset: %w", err)
	}

	if err := normative.WriteFile(path, ds); err != nil {
		return false, err
	}
	return true, nil
}

// InitResult reports what Initialize created and what it left in place.
type InitResult struct {
	DataDir        string
	ConfigPath     string
	ConfigWritten  bool
	DatasetPath    string
	DatasetWritten bool
}

// Initialize creates the workspace: the directory tree, a starter
// configuration file, and a starter normative dataset. Existing files are
// left untouched.
func Initialize(dataDir string) (*InitResult, error) {
	if dataDir == "" {
		dataDir = GetDefaultDataDir()
	}

	if err := EnsureDataDir(dataDir); err != nil {
		return nil, err
	}

	result := &InitResult{
		DataDir:     dataDir,
		ConfigPath:  ConfigPath(dataDir),
		DatasetPath: NormsPath(dataDir),
	}

	wrote, err := WriteStarterConfig(result.ConfigPath)
	if err != nil {
		return nil, err
	}
	result.ConfigWritten = wrote

	wrote, err = WriteStarterDataset(result.DatasetPath)
	if err != nil {
		return nil, err
	}
	result.DatasetWritten = wrote

	return result, nil
}

// Status represents the current workspace state.
type Status struct {
	DataDir       string
	DataDirExists bool
	ConfigPath    string
	ConfigExists  bool
	DatasetPath   string
	DatasetExists bool
	DatasetName   string
	StudyDBPath   string
	StudyDBExists bool
	Issues        []string
}

// GetStatus inspects the workspace without modifying it.
func GetStatus(dataDir string) *Status {
	if dataDir == "" {
		dataDir = GetDefaultDataDir()
	}

	status := &Status{
		DataDir:     dataDir,
		ConfigPath:  ConfigPath(dataDir),
		DatasetPath: NormsPath(dataDir),
		StudyDBPath: StudyDBPath(dataDir),
		Issues:      []string{},
	}

	if _, err := os.Stat(dataDir); err == nil {
		status.DataDirExists = true
	} else {
		status.Issues = append(status.Issues, fmt.Sprintf("Data directory does not exist: %s", dataDir))
	}

	if _, err := os.Stat(status.ConfigPath); err == nil {
		status.ConfigExists = true
	}

	if _, err := os.Stat(status.DatasetPath); err == nil {
		status.DatasetExists = true
		ds, err := normative.LoadFile(status.DatasetPath)
		if err != nil {
			status.Issues = append(status.Issues, fmt.Sprintf("Normative dataset is invalid: %v", err))
		} else {
			status.DatasetName = ds.Name
		}
	}

	if _, err := os.Stat(status.StudyDBPath); err == nil {
		status.StudyDBExists = true
	}

	if status.DataDirExists {
		for _, subdir := range subdirs {
			path := filepath.Join(dataDir, subdir)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				status.Issues = append(status.Issues, fmt.Sprintf("Directory will be created on first run: %s", path))
			}
		}
	}

	return status
}

// Validate checks the workspace is usable: the directory exists, the config
// file is valid YAML, and the dataset file parses and validates.
func Validate(dataDir string) (bool, []string) {
	var issues []string

	if dataDir == "" {
		dataDir = GetDefaultDataDir()
	}

	info, err := os.Stat(dataDir)
	switch {
	case os.IsNotExist(err):
		issues = append(issues, fmt.Sprintf("Data directory will be created on first run: %s", dataDir))
	case err != nil:
		issues = append(issues, fmt.Sprintf("Cannot access data directory: %v", err))
	case !info.IsDir():
		issues = append(issues, fmt.Sprintf("Data path is not a directory: %s", dataDir))
	}

	configPath := ConfigPath(dataDir)
	if raw, err := os.ReadFile(configPath); err == nil {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			issues = append(issues, fmt.Sprintf("Config file is not valid YAML: %v", err))
		}
	}

	normsPath := NormsPath(dataDir)
	if _, err := os.Stat(normsPath); err == nil {
		if _, err := normative.LoadFile(normsPath); err != nil {
			issues = append(issues, fmt.Sprintf("Normative dataset is invalid: %v", err))
		}
	}

	return len(issues) == 0 || allWarnings(issues), issues
}

// allWarnings returns true if all issues are just warnings (not errors).
func allWarnings(issues []string) bool {
	for _, issue := range issues {
		if !strings.Contains(issue, "will be created") {
			return false
		}
	}
	return true
}
