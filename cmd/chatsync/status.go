package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and check whether the stored session is still authenticated.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Push URL:     %s\n", valueOrDefault(cfg.Default.WSURL, "(derived from base URL)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Session == "" {
			fmt.Println("  Session:      (not signed in)")
			return nil
		}
		fmt.Printf("  Username:     %s\n", valueOrDefault(cfg.Auth.DisplayName, "(unknown)"))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Session:      %s\n", maskKey(cfg.Auth.Session))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status, err := newClient(cfg).Auth.Check(ctx)
		if err != nil {
			fmt.Printf("  Error checking session: %v\n", err)
			return nil
		}
		if !status.Authenticated {
			fmt.Println("  Session expired. Run 'chatsync login <username>' again.")
			return nil
		}
		fmt.Printf("  Authenticated as %s (id %s)\n", status.User.Username, status.User.ID)
		return nil
	},
}
