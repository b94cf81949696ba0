package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/escalation"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Resume runs as their escalations are answered",
	Long: `Watch the escalation store and resume parked runs when their
escalation is answered from another process (for example with
'conductor escalations respond --no-resume').

Every --interval the watcher also resumes runs whose answer it missed
and, when engine.escalation_timeout is set, fails runs whose escalation
has waited too long. Stop with Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Minute, "How often to recover missed answers and sweep stale escalations")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchInterval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	a.connectResumer()

	w, err := escalation.NewWatcher(a.coord)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", a.escs.RecordsDir())

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		a.maintain(ctx)
		select {
		case <-ctx.Done():
			fmt.Println("Stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

// maintain resumes runs with missed answers and fails stale ones.
func (a *app) maintain(ctx context.Context) {
	resumed, err := a.engine.RecoverResolved(ctx)
	if err != nil {
		a.logger.Log("[watch] recover: %v", err)
	}
	for _, id := range resumed {
		fmt.Printf("Resumed run %s\n", id)
	}

	swept, err := a.engine.SweepStale(ctx, time.Now().UTC())
	if err != nil {
		a.logger.Log("[watch] sweep: %v", err)
	}
	for _, id := range swept {
		fmt.Printf("Failed run %s: escalation timed out\n", id)
	}
}
