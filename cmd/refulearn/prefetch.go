package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var prefetchConcurrency int

func init() {
	prefetchCmd.Flags().IntVarP(&prefetchConcurrency, "concurrency", "c", 0, "Parallel requests (default from config)")
	rootCmd.AddCommand(prefetchCmd)
}

var prefetchCmd = &cobra.Command{
	Use:   "prefetch [path...]",
	Short: "Warm the cache before going offline",
	Long:  "Fetch API listings so they can be served offline. Without paths, the standard listings are fetched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		concurrency := prefetchConcurrency
		if concurrency <= 0 {
			concurrency = s.cfg.Concurrency
		}
		res, err := s.manager.Prefetch(cmd.Context(), concurrency, args...)
		for _, e := range res.Errors {
			fmt.Printf("  failed: %s\n", e)
		}
		fmt.Printf("Warmed %d of %d paths.\n", res.Warmed, res.Requested)
		return err
	},
}
