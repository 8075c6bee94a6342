package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var (
	historyJSON   bool
	historyRecord bool
)

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")
	historyCmd.Flags().BoolVar(&historyRecord, "record", true, "Record the fetched messages in the local transcript")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <private|group> <id>",
	Short: "Print the stored history of a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseConversation(args[0], args[1])
		if err != nil {
			return err
		}
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msgs, err := chatsync.NewHistoryLoader(client).Load(ctx, conv)
		if err != nil {
			return err
		}

		if historyRecord {
			if err := recordHistory(cfg, conv, msgs); err != nil {
				fmt.Fprintf(os.Stderr, "Transcript not updated: %v\n", err)
			}
		}

		if historyJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Printf("No messages in %s.\n", conv)
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, cfg.Auth.UserID))
		}
		return nil
	},
}

func recordHistory(cfg *Config, conv chatsync.Conversation, msgs []chatsync.Message) error {
	store, _, err := openTranscript(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = store.Record(conv, msgs)
	return err
}
