package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"kce/internal/catalog"
	"kce/internal/engine"
	"kce/internal/planner"
	"kce/internal/rdf"
)

var (
	solveTargetPath  string
	solveInitialPath string
	solveRunID       string
	solveMode        string
)

var solveCmd = &cobra.Command{
	Use:   "solve-problem",
	Short: "Plan and execute until the goal holds against the graph",
	Long: `Merges the initial-state document into the knowledge base under a fresh
problem context, then runs the goal-directed planner: evaluate the goal, fire
rules, pick the next applicable node, execute it, repeat. Every step is
recorded as an execution state node and a human-readable run log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := catalog.LoadTarget(solveTargetPath)
		if err != nil {
			return &exitCodeError{code: exitDefinitionError, err: err}
		}
		initial, err := catalog.LoadInitialState(solveInitialPath)
		if err != nil {
			return &exitCodeError{code: exitDefinitionError, err: err}
		}

		mode := planner.ModeUser
		var oracle planner.Oracle
		switch solveMode {
		case "", "user":
		case "expert":
			mode = planner.ModeExpert
			oracle = consoleOracle
		default:
			return &exitCodeError{code: exitDefinitionError,
				err: fmt.Errorf("unknown mode %q (want user or expert)", solveMode)}
		}

		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		e.SetMode(mode, oracle)

		ctx, stop := notifyContext()
		defer stop()

		res, err := e.Solve(ctx, target, initial, solveRunID)
		if err != nil {
			return err
		}
		if res.Status == engine.StatusSucceeded {
			logger.Info("run succeeded", zap.String("run_id", res.RunID))
			fmt.Printf("Run %s succeeded; goal holds.\n", res.RunID)
			return nil
		}
		logger.Warn("run failed",
			zap.String("run_id", res.RunID),
			zap.String("reason", res.Reason),
			zap.String("detail", res.Detail))
		return &exitCodeError{
			code: resultExitCode(res),
			err:  fmt.Errorf("run %s failed: %s (%s)", res.RunID, res.Reason, res.Detail),
		}
	},
}

func init() {
	solveCmd.Flags().StringVar(&solveTargetPath, "target", "", "target description document")
	solveCmd.Flags().StringVar(&solveInitialPath, "initial-state", "", "initial state document")
	solveCmd.Flags().StringVar(&solveRunID, "run-id", "", "run identifier (generated when empty)")
	solveCmd.Flags().StringVar(&solveMode, "mode", "user", "execution mode: user or expert")
	_ = solveCmd.MarkFlagRequired("target")
	_ = solveCmd.MarkFlagRequired("initial-state")
}

// consoleOracle surfaces tied candidates on the terminal in expert mode.
func consoleOracle(candidates []string, snapshot []rdf.Triple) (string, error) {
	fmt.Println("Planner is undecided between:")
	for i, c := range candidates {
		fmt.Printf("  [%d] %s\n", i+1, c)
	}
	if len(snapshot) > 0 {
		fmt.Println("Current context:")
		for _, t := range snapshot {
			fmt.Printf("    %s\n", t)
		}
	}
	fmt.Printf("Choice [1-%d, empty for 1]: ", len(candidates))
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return candidates[0], nil
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return candidates[0], nil
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(candidates) {
		return "", fmt.Errorf("invalid choice %q", line)
	}
	return candidates[n-1], nil
}
