package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	statusFilter     string
	statusCheckpoint string
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run status",
	Long: `Without arguments, lists runs (most recently updated first).
With a run id, shows that run in detail including its checkpoints.
With --checkpoint, prints one checkpoint snapshot of the run instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Only list runs in this status (e.g. awaiting_escalation)")
	statusCmd.Flags().StringVar(&statusCheckpoint, "checkpoint", "", "Print a checkpoint of the run: latest, previous or a sequence number")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) == 1 {
		if statusCheckpoint != "" {
			return showCheckpoint(a, args[0], statusCheckpoint)
		}
		return showRun(a, args[0])
	}
	if statusCheckpoint != "" {
		return fmt.Errorf("--checkpoint needs a run id")
	}

	var filter *models.RunStatus
	if statusFilter != "" {
		s := models.RunStatus(statusFilter)
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", statusFilter)
		}
		filter = &s
	}
	runs, err := a.engine.List(filter)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs. Start one with 'conductor start <workflow.yaml>'.")
		return nil
	}
	displayRuns(runs)
	return nil
}

func displayRuns(runs []state.RunSummary) {
	fmt.Printf("%-36s  %-20s  %-22s  %6s  %s\n", "RUN", "WORKFLOW", "STATUS", "DONE", "UPDATED")
	for _, r := range runs {
		fmt.Printf("%-36s  %-20s  %-22s  %5.0f%%  %s ago\n",
			r.RunID,
			truncate(r.WorkflowName, 20),
			statusLabel(r.Status, false),
			r.ProgressPercentage,
			formatDuration(time.Since(r.UpdatedAt)))
	}
}

func showRun(a *app, runID string) error {
	s, err := a.db.GetRun(runID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	fmt.Printf("Run %s\n", s.RunID)
	fmt.Printf("  Workflow: %s\n", s.WorkflowName)
	fmt.Printf("  Status: %s\n", statusLabel(s.Status, s.Paused))
	fmt.Printf("  Progress: %.2f%% (%d/%d steps)\n", s.ProgressPercentage, len(s.CompletedStepIDs), s.TotalSteps)
	if s.CurrentStepID != "" {
		fmt.Printf("  Current step: %s\n", s.CurrentStepID)
	}
	if s.StartedAt != nil {
		fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(*s.StartedAt)))
	}
	if s.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", s.CompletedAt.Local().Format(time.RFC3339))
	}
	if s.PendingEscalationID != "" {
		fmt.Printf("  Pending escalation: %s\n", s.PendingEscalationID)
	}
	fmt.Printf("  Escalations: %d", s.EscalationCount)
	if s.MaxEscalations > 0 {
		fmt.Printf(" of %d", s.MaxEscalations)
	}
	fmt.Println()
	if s.Workspace != nil {
		fmt.Printf("  Workspace: %s (%s)\n", s.Workspace.Path, s.Workspace.Kind)
	}
	if s.Error != nil {
		color.New(color.FgRed).Printf("  Error [%s] at step %q: %s\n", s.Error.Class, s.Error.StepID, s.Error.Message)
	}

	if len(s.Decisions) > 0 {
		fmt.Println("  Decisions:")
		for _, d := range s.Decisions {
			fmt.Printf("    %s.%s = %s (%s, %.2f)\n", d.StepID, d.Key, d.Value.String(), d.Source, d.Confidence)
		}
	}

	cps, err := a.db.ListCheckpoints(runID)
	if err != nil {
		return err
	}
	if len(cps) > 0 {
		fmt.Println("  Checkpoints:")
		for _, cp := range cps {
			step := cp.CreatedAtStepID
			if step == "" {
				step = "-"
			}
			fmt.Printf("    #%-4d %-20s %-12s %s\n", cp.Sequence, cp.Label, step, cp.CreatedAt.Local().Format("15:04:05"))
		}
	}
	return nil
}

func showCheckpoint(a *app, runID, which string) error {
	cp, err := lookupCheckpoint(a.db, runID, which)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("run %s has no %s checkpoint", runID, which)
	}

	fmt.Printf("Checkpoint #%d of run %s (%s", cp.Sequence, cp.RunID, cp.Label)
	if cp.CreatedAtStepID != "" {
		fmt.Printf(" at step %s", cp.CreatedAtStepID)
	}
	fmt.Printf(", %s)\n", cp.CreatedAt.Local().Format(time.RFC3339))
	out, err := yaml.Marshal(&cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

// lookupCheckpoint resolves latest, previous or a sequence number. It
// returns nil when the run has no such checkpoint.
func lookupCheckpoint(cs state.CheckpointStore, runID, which string) (*models.Checkpoint, error) {
	switch which {
	case "latest":
		return cs.LatestCheckpoint(runID)
	case "previous":
		return cs.PreviousCheckpoint(runID)
	}
	seq, err := strconv.ParseInt(which, 10, 64)
	if err != nil || seq < 1 {
		return nil, fmt.Errorf("--checkpoint must be latest, previous or a positive sequence number, got %q", which)
	}
	return cs.GetCheckpoint(runID, seq)
}

// statusLabel colors a run status for terminal output.
func statusLabel(s models.RunStatus, paused bool) string {
	label := string(s)
	if paused {
		label += " (paused)"
	}
	var attr color.Attribute
	switch {
	case s == models.RunComplete:
		attr = color.FgGreen
	case s == models.RunFailed:
		attr = color.FgRed
	case s == models.RunAwaitingEscalation || paused:
		attr = color.FgYellow
	case s == models.RunReview:
		attr = color.FgCyan
	default:
		attr = color.FgBlue
	}
	return color.New(attr).Sprint(label)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 48*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return strings.TrimSpace(s[:n-3]) + "..."
}
