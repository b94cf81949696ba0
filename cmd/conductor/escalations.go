package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	escListStatus      string
	escListRun         string
	escListCategory    string
	escListLimit       int
	escRespondNoResume bool
	escShowJSON        bool
)

var escalationsCmd = &cobra.Command{
	Use:     "escalations",
	Aliases: []string{"esc"},
	Short:   "Inspect and answer escalations",
}

var escListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations (pending by default)",
	Args:  cobra.NoArgs,
	RunE:  runEscList,
}

var escShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one escalation",
	Args:  cobra.ExactArgs(1),
	RunE:  runEscShow,
}

var escRespondCmd = &cobra.Command{
	Use:   "respond <id> <value>",
	Short: "Answer an escalation and resume its run",
	Long: `Answer a pending escalation. The value is parsed as JSON when
possible, otherwise taken as a string.

By default the parked run is resumed in this process. With --no-resume
the answer is only recorded; a running 'conductor watch' (or a later
'conductor resume') continues the run.`,
	Args: cobra.ExactArgs(2),
	RunE: runEscRespond,
}

var escMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show escalation counts and resolution times",
	Args:  cobra.NoArgs,
	RunE:  runEscMetrics,
}

var escReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the escalation index from the record files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.escs.Reindex()
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d escalations\n", n)
		return nil
	},
}

func init() {
	escListCmd.Flags().StringVar(&escListStatus, "status", string(models.EscalationPending), "Status filter (pending, resolved, cancelled, all)")
	escListCmd.Flags().StringVar(&escListRun, "run", "", "Only escalations of this run")
	escListCmd.Flags().StringVar(&escListCategory, "category", "", "Only escalations in this category")
	escListCmd.Flags().IntVar(&escListLimit, "limit", 0, "Maximum number to list (0 for all)")

	escShowCmd.Flags().BoolVar(&escShowJSON, "json", false, "Print the stored record as JSON")

	escRespondCmd.Flags().BoolVar(&escRespondNoResume, "no-resume", false, "Record the answer without resuming the run here")

	escalationsCmd.AddCommand(escListCmd, escShowCmd, escRespondCmd, escMetricsCmd, escReindexCmd)
}

// escalationFilter builds a list filter from the command flags.
func escalationFilter(status, runID, category string, limit int) (models.EscalationFilter, error) {
	f := models.EscalationFilter{WorkflowRunID: runID, Category: category, Limit: limit}
	if status != "" && status != "all" {
		s := models.EscalationStatus(status)
		if !s.Valid() {
			return f, fmt.Errorf("unknown escalation status %q", status)
		}
		f.Status = s
	}
	if limit < 0 {
		return f, fmt.Errorf("--limit must not be negative")
	}
	return f, nil
}

func runEscList(cmd *cobra.Command, args []string) error {
	filter, err := escalationFilter(escListStatus, escListRun, escListCategory, escListLimit)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	escs, err := a.coord.List(filter)
	if err != nil {
		return err
	}
	if len(escs) == 0 {
		fmt.Println("No escalations.")
		return nil
	}

	for _, esc := range escs {
		fmt.Printf("%s  %s  run %s step %s  (%.2f, %s ago)\n",
			esc.ID,
			escalationLabel(esc.Status),
			esc.WorkflowRunID,
			esc.StepID,
			esc.Confidence,
			formatDuration(time.Since(esc.CreatedAt)))
		fmt.Printf("    %s\n", esc.Question)
	}
	return nil
}

func runEscShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	esc, err := a.coord.Get(args[0])
	if err != nil {
		return err
	}

	if escShowJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(esc)
	}

	fmt.Printf("Escalation %s\n", esc.ID)
	fmt.Printf("  Status: %s\n", escalationLabel(esc.Status))
	fmt.Printf("  Run: %s (%s)\n", esc.WorkflowRunID, esc.WorkflowName)
	fmt.Printf("  Step: %s\n", esc.StepID)
	if esc.Category != "" {
		fmt.Printf("  Category: %s\n", esc.Category)
	}
	fmt.Printf("  Question: %s\n", esc.Question)
	fmt.Printf("  Confidence: %.2f\n", esc.Confidence)
	if esc.ProposedValue != nil {
		fmt.Printf("  Proposed: %s\n", esc.ProposedValue.String())
	}
	if esc.AIReasoning != "" {
		fmt.Printf("  Reasoning: %s\n", esc.AIReasoning)
	}
	if len(esc.Context) > 0 {
		keys := make([]string, 0, len(esc.Context))
		for k := range esc.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("  Context:")
		for _, k := range keys {
			fmt.Printf("    %s = %s\n", k, esc.Context[k].String())
		}
	}
	fmt.Printf("  Created: %s\n", esc.CreatedAt.Local().Format(time.RFC3339))
	if esc.Response != nil {
		fmt.Printf("  Response: %s\n", esc.Response.String())
	}
	if esc.ResolutionTimeMs != nil {
		fmt.Printf("  Resolved after: %s\n", time.Duration(*esc.ResolutionTimeMs)*time.Millisecond)
	}
	if esc.CancelReason != "" {
		fmt.Printf("  Cancelled: %s\n", esc.CancelReason)
	}
	return nil
}

func runEscRespond(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	response := models.ParseValue(args[1])

	if escRespondNoResume {
		esc, err := a.coord.Respond(cmd.Context(), args[0], response)
		if err != nil {
			return err
		}
		fmt.Printf("Recorded %s for escalation %s (run %s)\n", esc.Response.String(), esc.ID, esc.WorkflowRunID)
		return nil
	}

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	esc, err := a.coord.Answer(ctx, args[0], response)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded %s for escalation %s\n", esc.Response.String(), esc.ID)

	if err := a.engine.ResumeEscalation(ctx, esc); err != nil {
		return fmt.Errorf("resume run %s: %w", esc.WorkflowRunID, err)
	}
	res, err := a.engine.Status(esc.WorkflowRunID)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func runEscMetrics(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	m, err := a.coord.Metrics()
	if err != nil {
		return err
	}

	fmt.Printf("Total:     %d\n", m.TotalEscalations)
	fmt.Printf("Pending:   %d\n", m.PendingCount)
	fmt.Printf("Resolved:  %d\n", m.ResolvedCount)
	fmt.Printf("Cancelled: %d\n", m.CancelledCount)
	if m.ResolvedCount > 0 {
		avg := time.Duration(m.AverageResolutionTimeMs * float64(time.Millisecond))
		fmt.Printf("Average resolution: %s\n", avg.Round(time.Second))
	}
	if len(m.CategoryBreakdown) > 0 {
		cats := make([]string, 0, len(m.CategoryBreakdown))
		for c := range m.CategoryBreakdown {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		fmt.Println("By category:")
		for _, c := range cats {
			name := c
			if name == "" {
				name = "(none)"
			}
			fmt.Printf("  %-20s %d\n", name, m.CategoryBreakdown[c])
		}
	}
	return nil
}

func escalationLabel(s models.EscalationStatus) string {
	switch s {
	case models.EscalationPending:
		return color.YellowString(string(s))
	case models.EscalationResolved:
		return color.GreenString(string(s))
	default:
		return color.New(color.Faint).Sprint(string(s))
	}
}
