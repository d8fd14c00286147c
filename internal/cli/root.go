package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/imkarma/prp/internal/config"
	"github.com/imkarma/prp/internal/logging"
)

var (
	cfgPath  string
	logLevel string

	// Set in PersistentPreRunE.
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "prp",
	Short: "Turn a PRD into a planned, implemented and verified backlog",
	Long: `prp - drives AI agents from a product requirements document to working code.

The architect breaks the PRD into phases, milestones, tasks and subtasks.
Each subtask gets a researched PRP and an implementation, then a QA agent
hunts for bugs until none blocking is left.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", prpPath("config.yaml"), "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

// setup loads .env and the config file when present, then builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	// A missing .env is fine.
	_ = godotenv.Load()

	cfg = nil
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config: %w", err)
	}

	level, format := "info", "console"
	if cfg != nil {
		level, format = cfg.Logging.Level, cfg.Logging.Format
	}
	if logLevel != "" {
		level = logLevel
	}
	log, err := logging.New(level, format)
	if err != nil {
		return err
	}
	logger = log
	return nil
}

// mustConfig returns the loaded config or explains how to create one.
func mustConfig() (*config.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("prp not initialized (%s missing). Run: prp init", cfgPath)
	}
	return cfg, nil
}
