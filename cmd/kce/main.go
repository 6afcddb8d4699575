package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kce/internal/catalog"
	"kce/internal/engine"
	"kce/internal/logging"
)

// Exit codes of the CLI contract.
const (
	exitOK               = 0
	exitDefinitionError  = 1
	exitPlanningFailure  = 2
	exitExecutionFailure = 3
	exitCancelled        = 4
)

var (
	// Global flags
	dbPath      string
	inMemory    bool
	blobRoot    string
	scriptBase  string
	verbose     bool
	nodeTimeout time.Duration
	runTimeout  time.Duration
	depthBudget int

	// Logger
	logger *zap.Logger
)

// exitCodeError carries a CLI exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "kce",
	Short: "Knowledge-driven automation engine",
	Long: `kce solves domain problems by composing declaratively-defined operations
over a semantic knowledge graph. Load a catalogue of nodes, rules and
workflows, submit an initial state and a goal, and the planner searches for,
executes and records a plan that makes the goal hold.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if ws, err := os.Getwd(); err == nil {
			if err := logging.Initialize(ws); err != nil {
				logger.Warn("category logging unavailable", zap.Error(err))
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "kce_store.sqlite",
		"path to the knowledge base file")
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false,
		"use a non-durable in-memory knowledge base")
	rootCmd.PersistentFlags().StringVar(&blobRoot, "blob-root", "",
		"directory for human-readable run logs (default: <db dir>/run_logs)")
	rootCmd.PersistentFlags().StringVar(&scriptBase, "script-base", "",
		"base directory overriding per-document script path resolution")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&nodeTimeout, "node-timeout", 0,
		"per-node script timeout (default 60s)")
	rootCmd.PersistentFlags().DurationVar(&runTimeout, "run-timeout", 0,
		"whole-run timeout (default unbounded)")
	rootCmd.PersistentFlags().IntVar(&depthBudget, "depth-budget", 0,
		"maximum executed plan steps per run (default 64)")

	rootCmd.AddCommand(initDBCmd, loadDefsCmd, solveCmd, queryCmd, showLogCmd)
}

// openEngine builds an engine from the global flags.
func openEngine() (*engine.Engine, error) {
	root := blobRoot
	if root == "" && !inMemory {
		root = filepath.Join(filepath.Dir(dbPath), "run_logs")
	}
	if root == "" {
		root = filepath.Join(os.TempDir(), "kce_run_logs")
	}
	return engine.New(engine.Config{
		DBPath:      dbPath,
		InMemory:    inMemory,
		BlobRoot:    root,
		ScriptBase:  scriptBase,
		NodeTimeout: nodeTimeout,
		RunTimeout:  runTimeout,
		DepthBudget: depthBudget,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		var de *catalog.DefinitionError
		if errors.As(err, &de) {
			os.Exit(exitDefinitionError)
		}
		os.Exit(exitExecutionFailure)
	}
}

// notifyContext cancels on SIGINT/SIGTERM so in-flight subprocesses get the
// grace-window kill.
func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// resultExitCode maps a failed solve result onto the CLI contract.
func resultExitCode(res *engine.Result) int {
	switch res.Reason {
	case engine.ReasonCancelled:
		return exitCancelled
	case engine.ReasonPlanningFailure:
		return exitPlanningFailure
	default:
		return exitExecutionFailure
	}
}
