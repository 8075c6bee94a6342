package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	dirJSONOutput bool

	// groups create
	groupsCreateDescription string
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List other users",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.Users.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if dirJSONOutput {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No other users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %-6s %s\n", u.ID, u.Username)
		}
		return nil
	},
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List private chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chats, err := client.Private.Chats(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if dirJSONOutput {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No private chats yet.")
			return nil
		}
		for _, c := range chats {
			peer := c.Peer(cfg.Auth.UserID)
			fmt.Printf("  %-20s %s\n", chatsync.PrivateWith(peer).Key(), valueOrDefault(c.OtherUsername, peer))
		}
		return nil
	},
}

var chatsStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open a private chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		chat, err := client.Private.StartChat(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if dirJSONOutput {
			return printJSON(chat)
		}
		fmt.Printf("Private chat %s ready: chatsync chat private %s\n", chat.ID, chat.Peer(cfg.Auth.UserID))
		return nil
	},
}

// ============================================================================
// groups (parent command)
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage groups",
	Long:  "List, create, and join chat groups.",
}

func printGroups(groups []chatsync.GroupInfo) error {
	if dirJSONOutput {
		return printJSON(groups)
	}
	if len(groups) == 0 {
		fmt.Println("No groups found.")
		return nil
	}
	for _, g := range groups {
		fmt.Printf("  %-6s %s (%d members)", g.ID, g.Name, g.MemberCount)
		if g.Description != "" {
			fmt.Printf(" - %s", g.Description)
		}
		fmt.Println()
	}
	return nil
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return printGroups(groups)
	},
}

var groupsMineCmd = &cobra.Command{
	Use:   "mine",
	Short: "List groups you belong to",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		groups, err := client.Groups.Mine(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		return printGroups(groups)
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		result, err := client.Groups.Create(ctx, &chatsync.CreateGroupOptions{
			Name:        args[0],
			Description: groupsCreateDescription,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if dirJSONOutput {
			return printJSON(result)
		}
		fmt.Printf("Group created: %s (id %s)\n", args[0], result.GroupID)
		return nil
	},
}

var groupsJoinCmd = &cobra.Command{
	Use:   "join <group-id>",
	Short: "Join a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Groups.Join(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(valueOrDefault(msg, "Joined group."))
		return nil
	},
}

var groupsMembersCmd = &cobra.Command{
	Use:   "members <group-id>",
	Short: "List the members of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		members, err := client.Groups.Members(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if dirJSONOutput {
			return printJSON(members)
		}
		if len(members) == 0 {
			fmt.Println("No members found.")
			return nil
		}
		for _, m := range members {
			fmt.Printf("  %-6s %s\n", m.ID, m.Username)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{usersCmd, chatsCmd, chatsStartCmd, groupsListCmd, groupsMineCmd, groupsCreateCmd, groupsMembersCmd} {
		c.Flags().BoolVar(&dirJSONOutput, "json", false, "Output raw JSON")
	}
	groupsCreateCmd.Flags().StringVarP(&groupsCreateDescription, "description", "d", "", "Group description")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsMineCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsJoinCmd)
	groupsCmd.AddCommand(groupsMembersCmd)

	chatsCmd.AddCommand(chatsStartCmd)

	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(groupsCmd)
}
