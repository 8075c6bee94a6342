package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var (
	registerEmail    string
	registerPassword string
)

func init() {
	registerCmd.Flags().StringVarP(&registerEmail, "email", "e", "", "Email address (required)")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password (prompted on stdin when omitted)")
	registerCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(registerCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Long:  "Create an account on the chat service. Sign in afterwards with 'chatsync login <username>'.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" {
			return fmt.Errorf("no base URL configured; run 'chatsync init <base-url>' first")
		}

		if len(username) < 3 {
			return fmt.Errorf("username must be at least 3 characters")
		}
		password := registerPassword
		if password == "" {
			if password, err = readPassword(); err != nil {
				return err
			}
		}
		if len(password) < 6 {
			return fmt.Errorf("password must be at least 6 characters")
		}

		client := newClient(&Config{Default: cfg.Default})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := client.Auth.Register(ctx, &chatsync.RegisterOptions{
			Username: username,
			Email:    registerEmail,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Println("Registration successful!")
		fmt.Printf("  User ID:  %s\n", result.UserID)
		fmt.Printf("  Username: %s\n", username)
		fmt.Printf("Run 'chatsync login %s' to sign in.\n", username)
		return nil
	},
}
