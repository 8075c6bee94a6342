package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var (
	transcriptLimit int
	transcriptJSON  bool
)

func init() {
	transcriptCmd.Flags().IntVarP(&transcriptLimit, "limit", "n", 50, "Maximum number of messages to print (0 for all)")
	transcriptCmd.Flags().BoolVar(&transcriptJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(transcriptCmd)
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript [conversation-key]",
	Short: "Show locally recorded messages",
	Long:  "Without arguments, list the recorded conversations. With a key such as private:2 or group:5, print its messages.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, path, err := openTranscript(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			summaries, err := store.Conversations()
			if err != nil {
				return err
			}
			if transcriptJSON {
				return printJSON(summaries)
			}
			if len(summaries) == 0 {
				fmt.Printf("Nothing recorded yet in %s.\n", path)
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("  %-20s %4d messages, last %s\n", s.Conversation.Key(), s.Messages, s.LastAt.Local().Format("2006-01-02 15:04"))
			}
			return nil
		}

		conv, err := chatsync.ParseConversation(args[0])
		if err != nil {
			return err
		}
		msgs, err := store.Messages(conv, transcriptLimit)
		if err != nil {
			return err
		}
		if transcriptJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Printf("No recorded messages for %s.\n", conv.Key())
			return nil
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m, cfg.Auth.UserID))
		}
		return nil
	},
}
