package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	fetchOffline bool
	fetchRaw     bool
)

func init() {
	fetchCmd.Flags().BoolVar(&fetchOffline, "offline", false, "Serve from the cache only")
	fetchCmd.Flags().BoolVar(&fetchRaw, "raw", false, "Print the payload exactly as stored")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <path>",
	Short: "GET an API path through the offline cache",
	Long: "Fetch an API path the way the app does: from the network when online, capturing the response,\n" +
		"or from the cache when offline or when the network fails.",
	Example: "  refulearn fetch /api/courses\n  refulearn fetch --offline /api/courses/enrolled/courses",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		if fetchOffline {
			s.manager.SetOnline(false)
		}
		resp, err := s.manager.CachedFetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if resp.FromCache {
			fmt.Fprintf(os.Stderr, "(cached %s)\n", resp.CapturedAt.Local().Format(time.RFC3339))
		}

		body := resp.Body
		if !fetchRaw {
			var buf bytes.Buffer
			if json.Indent(&buf, resp.Body, "", "  ") == nil {
				body = buf.Bytes()
			}
		}
		os.Stdout.Write(body)
		fmt.Println()
		return nil
	},
}
