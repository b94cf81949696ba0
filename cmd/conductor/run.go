package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/internal/workflow"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	startRunID          string
	startVars           []string
	startTimeout        time.Duration
	startRequireReview  bool
	startMaxEscalations int
	resumeResponse      string
)

var startCmd = &cobra.Command{
	Use:   "start <workflow.yaml|->",
	Short: "Start a workflow run",
	Long: `Start a new run of a workflow definition and execute it until it
finishes, fails, pauses, or parks on an escalation. With "-" the
definition is read from standard input.

Variables passed with --var are available to step inputs as ${name}.
Values are parsed as JSON when possible (numbers, booleans, objects),
otherwise taken as strings.

Ctrl-C stops the run between steps; continue it with 'conductor resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused or parked run",
	Long: `Resume a run that is paused or waiting on an escalation.

If the run's escalation is still pending, --response answers it first.
If it was already answered (e.g. with 'conductor escalations respond
--no-resume'), no response is needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause an executing run after its current step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.Pause(args[0]); err != nil {
			return err
		}
		fmt.Printf("Pause requested for run %s\n", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Long: `Cancel a run. A pending escalation is withdrawn, the workspace is
destroyed and the run is marked failed with class "cancelled".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.engine.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <run-id>",
	Short: "Accept a run waiting in review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.engine.Accept(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startRunID, "run-id", "", "Run id (default: random UUID)")
	startCmd.Flags().StringArrayVar(&startVars, "var", nil, "Initial variable as name=value (repeatable)")
	startCmd.Flags().DurationVar(&startTimeout, "timeout", 0, "Bound this execution segment (default: engine.timeout)")
	startCmd.Flags().BoolVar(&startRequireReview, "require-review", false, "Stop in review until 'conductor accept'")
	startCmd.Flags().IntVar(&startMaxEscalations, "max-escalations", 0, "Advisory escalation budget (default: engine.max_escalations)")

	resumeCmd.Flags().StringVar(&resumeResponse, "response", "", "Answer for the pending escalation")
}

// loadDefinition reads a definition file, or stdin for "-".
func loadDefinition(path string, stdin io.Reader) (*workflow.Definition, error) {
	if path == "-" {
		def, err := workflow.LoadDefinitionReader(stdin)
		if err != nil {
			return nil, fmt.Errorf("stdin: %w", err)
		}
		return def, nil
	}
	return workflow.LoadDefinitionFile(path)
}

func runStart(cmd *cobra.Command, args []string) error {
	def, err := loadDefinition(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}
	vars, err := parseVars(startVars)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	a.connectResumer()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	res, err := a.engine.Start(ctx, def, orchestrator.StartOptions{
		RunID:          startRunID,
		MaxEscalations: startMaxEscalations,
		Timeout:        startTimeout,
		RequireReview:  startRequireReview,
		Variables:      vars,
	})
	if res != nil {
		printResult(res)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	a.connectResumer()

	var response *models.Value
	if cmd.Flags().Changed("response") {
		v := models.ParseValue(resumeResponse)
		response = &v
	}

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	res, err := a.engine.Resume(ctx, args[0], response)
	if res != nil {
		printResult(res)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// parseVars turns name=value pairs into run variables.
func parseVars(pairs []string) (map[string]models.Value, error) {
	vars := make(map[string]models.Value, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q: expected name=value", p)
		}
		vars[name] = models.ParseValue(value)
	}
	return vars, nil
}

func printResult(res *models.RunResult) {
	fmt.Printf("Run %s: %s (%.0f%%)\n", res.RunID, statusLabel(res.Status, res.Paused), res.ProgressPercentage)
	if res.PendingEscalationID != "" {
		fmt.Printf("  Waiting on escalation %s\n", res.PendingEscalationID)
		fmt.Printf("  Answer with: conductor escalations respond %s <value>\n", res.PendingEscalationID)
	}
	if res.EscalationCount > 0 {
		budget := ""
		if res.EscalationBudgetExceeded {
			budget = " (budget exceeded)"
		}
		fmt.Printf("  Escalations: %d%s\n", res.EscalationCount, budget)
	}
	if res.Error != nil {
		fmt.Printf("  Error [%s] at step %q after %d retries: %s\n",
			res.Error.Class, res.Error.StepID, res.Error.Retries, res.Error.Message)
	}
	if len(res.Variables) > 0 && res.Status.Terminal() {
		names := make([]string, 0, len(res.Variables))
		for k := range res.Variables {
			names = append(names, k)
		}
		sort.Strings(names)
		fmt.Println("  Variables:")
		for _, k := range names {
			fmt.Printf("    %s = %s\n", k, res.Variables[k].String())
		}
	}
}
