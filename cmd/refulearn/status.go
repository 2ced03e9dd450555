package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	refulearn "github.com/RefuLearn/refulearn/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, local cache and connectivity",
	Long:  "Display the effective configuration, the state of the local cache and sync queue, and whether the API is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", s.cfg.BaseURL)
		if s.cfg.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(s.cfg.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Data dir:    %s\n", s.cfg.DataDir)
		fmt.Printf("  Cache TTL:   %s\n", s.cfg.CacheTTL)
		fmt.Printf("  Retry:       %s .. %s\n", s.cfg.RetryBase, s.cfg.RetryMax)

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Local cache:")
		for _, c := range []string{refulearn.CollCourses, refulearn.CollEnrollments, refulearn.CollAPICache} {
			records, err := s.manager.List(ctx, c)
			if err != nil {
				return err
			}
			fmt.Printf("  %-12s %d\n", c+":", len(records))
		}

		items, err := s.manager.Queue().Items(ctx)
		if err != nil {
			return err
		}
		failed := 0
		for _, it := range items {
			if it.Status == refulearn.StatusFailed {
				failed++
			}
		}
		fmt.Printf("  %-12s %d (%d failed)\n", "queued:", len(items), failed)

		fmt.Println()
		fmt.Println("Connectivity:")
		resp, err := s.manager.CachedFetch(ctx, "/api/users/profile")
		var se *refulearn.StatusError
		switch {
		case err == nil && !resp.FromCache:
			fmt.Println("  API:         reachable")
		case err == nil:
			fmt.Printf("  API:         unreachable (profile cached %s)\n", resp.CapturedAt.Local().Format(time.RFC3339))
		case errors.As(err, &se):
			fmt.Printf("  API:         reachable (%d)\n", se.StatusCode)
		default:
			fmt.Printf("  API:         unreachable: %v\n", err)
		}
		fmt.Printf("  Preferences: %s\n", valueOrDefault(lastUser(s), "(no user cached)"))
		return nil
	},
}

func lastUser(s *session) string {
	var email string
	if s.manager.Preferences().Get(refulearn.PrefLastUserEmail, &email) {
		return email
	}
	return ""
}
