package setup

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// CLI provides the command-line interface for setup operations.
type CLI struct {
	DataDir string
	reader  *bufio.Reader
}

// NewCLI creates a new setup CLI instance. An empty dataDir resolves to the
// default workspace.
func NewCLI(dataDir string) *CLI {
	if dataDir == "" {
		dataDir = GetDefaultDataDir()
	}
	return &CLI{
		DataDir: dataDir,
		reader:  bufio.NewReader(os.Stdin),
	}
}

// Run executes the setup command based on the provided arguments.
func (c *CLI) Run(args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "init":
		return c.runInit(args[1:])
	case "status":
		return c.showStatus()
	case "validate":
		return c.validate()
	case "help", "--help", "-h":
		return c.showHelp()
	default:
		fmt.Printf("Unknown command: %s\n\n", args[0])
		return c.showHelp()
	}
}

// showHelp displays usage information.
func (c *CLI) showHelp() error {
	help := `
qcnorm Workspace Setup

Usage:
  qcnorm setup <command> [options]

Commands:
  init            Initialize the workspace (data directory, starter config,
                  starter normative dataset)
  status          Show current workspace status
  validate        Validate the workspace configuration

Options for init:
  --data-dir, -d  Workspace directory (default: ~/.qcnorm or QCNORM_DATA_DIR)
  --force, -f     Rewrite starter files even when they exist
  --auto, -y      Skip confirmation prompts

Examples:
  # Initialize the default workspace
  qcnorm setup init

  # Initialize a custom workspace without prompting
  qcnorm setup init --data-dir /srv/qcnorm --auto

  # Check current workspace status
  qcnorm setup status

  # Validate configuration and dataset files
  qcnorm setup validate
`
	fmt.Println(help)
	return nil
}

// runInit initializes the workspace.
func (c *CLI) runInit(args []string) error {
	dataDir := c.DataDir
	force := false
	auto := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--data-dir", "-d":
			if i+1 < len(args) {
				dataDir = args[i+1]
				i++
			}
		case "--force", "-f":
			force = true
		case "--auto", "-y":
			auto = true
		}
	}

	fmt.Println("Workspace Initialization")
	fmt.Println("========================")
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Printf("Configuration:  %s\n", ConfigPath(dataDir))
	fmt.Printf("Norms dataset:  %s\n", NormsPath(dataDir))
	fmt.Println()

	if !auto {
		fmt.Print("Proceed with initialization? [Y/n]: ")
		response, _ := c.reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "" && response != "y" && response != "yes" {
			fmt.Println("Initialization cancelled.")
			return nil
		}
	}

	if force {
		// Starter files are regenerated; the study database is never touched.
		os.Remove(ConfigPath(dataDir))
		os.Remove(NormsPath(dataDir))
	}

	result, err := Initialize(dataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Workspace initialized!")
	fmt.Println()
	if result.ConfigWritten {
		fmt.Printf("  Wrote starter config: %s\n", result.ConfigPath)
	} else {
		fmt.Printf("  Kept existing config: %s\n", result.ConfigPath)
	}
	if result.DatasetWritten {
		fmt.Printf("  Wrote starter norms:  %s\n", result.DatasetPath)
	} else {
		fmt.Printf("  Kept existing norms:  %s\n", result.DatasetPath)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review the starter config and uncomment values to override")
	fmt.Println("  2. Process a QC report: qcnorm process <report.csv>")
	fmt.Println()

	return nil
}

// showStatus displays the current workspace status.
func (c *CLI) showStatus() error {
	status := GetStatus(c.DataDir)

	fmt.Println("qcnorm Workspace Status")
	fmt.Println("=======================")
	fmt.Println()

	fmt.Println("Data Directory:")
	fmt.Printf("  Path: %s\n", status.DataDir)
	if status.DataDirExists {
		fmt.Println("  Status: ✓ Exists")
	} else {
		fmt.Println("  Status: ✗ Missing (run 'qcnorm setup init')")
	}
	fmt.Println()

	fmt.Println("Configuration:")
	fmt.Printf("  Path: %s\n", status.ConfigPath)
	if status.ConfigExists {
		fmt.Println("  Status: ✓ Present")
	} else {
		fmt.Println("  Status: - Not created yet (defaults apply)")
	}
	fmt.Println()

	fmt.Println("Normative Dataset:")
	fmt.Printf("  Path: %s\n", status.DatasetPath)
	if status.DatasetExists {
		if status.DatasetName != "" {
			fmt.Printf("  Status: ✓ Present (%s)\n", status.DatasetName)
		} else {
			fmt.Println("  Status: ✗ Present but invalid")
		}
	} else {
		fmt.Println("  Status: - Not created yet (built-in norms apply)")
	}
	fmt.Println()

	fmt.Println("Study Database:")
	fmt.Printf("  Path: %s\n", status.StudyDBPath)
	if status.StudyDBExists {
		fmt.Println("  Status: ✓ Present")
	} else {
		fmt.Println("  Status: - Not created yet")
	}
	fmt.Println()

	if len(status.Issues) > 0 {
		fmt.Println("Issues:")
		for _, issue := range status.Issues {
			fmt.Printf("  ⚠ %s\n", issue)
		}
		fmt.Println()
	}

	return nil
}

// validate checks the current workspace configuration.
func (c *CLI) validate() error {
	fmt.Println("Validating workspace...")
	fmt.Println()

	valid, issues := Validate(c.DataDir)

	if valid {
		fmt.Println("✓ Workspace is valid!")
		for _, issue := range issues {
			fmt.Printf("  - %s\n", issue)
		}
	} else {
		fmt.Println("✗ Workspace has issues:")
		for _, issue := range issues {
			fmt.Printf("  - %s\n", issue)
		}
	}

	return nil
}
