package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheClearYes bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe cached data and completions, keeping queued mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cacheClearYes {
			return fmt.Errorf("this drops every cached record and local completion; rerun with --yes")
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.manager.ClearCache(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Cache cleared. %d queued mutations kept.\n", s.manager.QueueSize())
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove cached responses past their TTL",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		n, err := s.manager.Gateway().PurgeExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired responses.\n", n)
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().BoolVar(&cacheClearYes, "yes", false, "Confirm the wipe")
	cacheCmd.AddCommand(cacheClearCmd, cachePurgeCmd)
	rootCmd.AddCommand(cacheCmd)
}
