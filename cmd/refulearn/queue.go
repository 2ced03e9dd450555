package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	refulearn "github.com/RefuLearn/refulearn/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	queueListOutput string
	queueDrainAll   bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the sync queue",
	Long:  "List mutations recorded while offline, replay them against the API, or reset failed ones.",
}

// ============================================================================
// queue list
// ============================================================================

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		items, err := s.manager.Queue().Items(cmd.Context())
		if err != nil {
			return err
		}
		if queueListOutput != "table" {
			return printOutput(os.Stdout, queueListOutput, items)
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tID\tKIND\tREQUEST\tSTATUS\tATTEMPTS\tNEXT")
		for _, it := range items {
			next := "-"
			if !it.NextAttemptAt.IsZero() {
				next = it.NextAttemptAt.Local().Format(time.TimeOnly)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s %s\t%s\t%d\t%s\n",
				it.Seq, it.ID, it.Kind, it.Method, it.Path, it.Status, it.Attempts, next)
		}
		return tw.Flush()
	},
}

// ============================================================================
// queue drain
// ============================================================================

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay due mutations now",
	Long:  "Replay queued mutations in order. Items still in backoff are skipped unless --all is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		drain := s.manager.Drain
		if queueDrainAll {
			drain = s.manager.Queue().DrainAll
		}
		res, err := drain(cmd.Context())
		if err != nil && !errors.Is(err, refulearn.ErrOffline) {
			return err
		}
		fmt.Printf("Sent: %d  Failed: %d  Deferred: %d  Parked: %d  Remaining: %d\n", res.Sent, res.Failed, res.Deferred, res.Parked, res.Remaining)
		if err != nil {
			return fmt.Errorf("stopped: %w", err)
		}
		return nil
	},
}

// ============================================================================
// queue retry
// ============================================================================

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Reset a failed or backed-off mutation to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.manager.Queue().Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Item %s reset to pending.\n", args[0])
		return nil
	},
}

func init() {
	queueListCmd.Flags().StringVarP(&queueListOutput, "output", "o", "table", "Output format: table, json or yaml")
	queueDrainCmd.Flags().BoolVar(&queueDrainAll, "all", false, "Ignore backoff and replay every pending item")

	queueCmd.AddCommand(queueListCmd, queueDrainCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
