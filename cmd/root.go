package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/config"
	"github.com/fakeyudi/codexd/internal/logging"
	"github.com/fakeyudi/codexd/internal/session"
)

// version is overridden at build time with -ldflags "-X".
var version = "dev"

// cfg holds the effective configuration, populated in PersistentPreRunE.
var cfg *config.Config

// logger writes diagnostics to stderr. It is a no-op until PersistentPreRunE runs.
var logger = zap.NewNop()

var (
	repoPath   string
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "codexd",
	Short:         "Analyze commit history for working patterns and track them across sessions",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.DefaultPaths()
		if err != nil {
			return err
		}
		if configPath != "" {
			paths.Global = configPath
		}
		paths.Project = filepath.Join(repoPath, config.ProjectFile)

		loaded, err := config.Load(paths)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		l, err := logging.New(logging.Config{Level: loaded.Log.Level, Format: loaded.Log.Format}, os.Stderr)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		logger.Debug("config loaded",
			zap.String("global", paths.Global),
			zap.String("project", paths.Project),
			zap.String("storage", cfg.Storage.Path))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command, cancelling its context on SIGINT or
// SIGTERM. Exits with code 1 on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// GetConfig returns the effective configuration for use by subcommands.
func GetConfig() *config.Config {
	return cfg
}

// openStore opens the configured longitudinal store, creating its directory.
func openStore(ctx context.Context) (*session.SQLiteStore, error) {
	path := cfg.Storage.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	return session.Open(ctx, path, session.Options{Logger: logger})
}

// repoIdentity resolves the --repo path to the identity sessions are keyed by.
func repoIdentity() (string, error) {
	id, err := collector.Identity(repoPath)
	if err != nil {
		return "", fmt.Errorf("resolving repository %s: %w", repoPath, err)
	}
	return id, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&repoPath, "repo", "C", ".", "path to the git repository")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "global config file (default $XDG_CONFIG_HOME/codexd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}
