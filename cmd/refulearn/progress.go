package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	refulearn "github.com/RefuLearn/refulearn/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	progressLocal  bool
	progressItems  bool
	progressOutput string
)

func init() {
	progressCmd.Flags().BoolVar(&progressLocal, "local", false, "Use local completion state only")
	progressCmd.Flags().BoolVar(&progressItems, "items", false, "List every item with its completion key")
	progressCmd.Flags().StringVarP(&progressOutput, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(progressCmd)
}

var progressCmd = &cobra.Command{
	Use:   "progress <courseId>",
	Short: "Reconcile and show course progress",
	Long: "Merge the server's progress record with local completions and print the result.\n" +
		"Local completions are never dropped by the merge.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		ctx := cmd.Context()
		courseID := args[0]
		var report refulearn.ProgressReport
		if progressLocal {
			report, err = s.manager.ReconcileProgress(ctx, courseID, nil)
		} else {
			report, err = s.manager.SyncProgress(ctx, courseID)
		}
		if err != nil {
			return err
		}
		if progressOutput != "table" {
			return printOutput(os.Stdout, progressOutput, report)
		}

		fmt.Printf("Course %s: %d/%d items (%d%%)", courseID, report.Completed, report.Total, report.WholePercent())
		if report.CourseComplete {
			fmt.Print("  complete")
		}
		fmt.Printf("  server %.0f%%\n", report.ServerPercentage)

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tDONE\tTOTAL\tMISSING")
		for _, m := range report.Modules {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%v\n", m.ModuleID, m.Completed, m.Total, m.Missing)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		if !progressItems {
			return nil
		}
		course, err := s.manager.Course(ctx, courseID)
		if err != nil {
			return err
		}
		fmt.Println()
		tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MODULE\tKEY\tTITLE\tDONE")
		for _, row := range s.manager.Indexer().Describe(course, report.Merged) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", row.ModuleID, row.Key, row.Item.Title, row.Completed)
		}
		return tw.Flush()
	},
}
