package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync"
)

var (
	chatTolerance  time.Duration
	chatNoRecord   bool
	chatPendingAge time.Duration
)

func init() {
	chatCmd.Flags().DurationVar(&chatTolerance, "match-window", chatsync.DefaultMatchTolerance, "Window for matching a delivery to its local send")
	chatCmd.Flags().BoolVar(&chatNoRecord, "no-record", false, "Do not record messages in the local transcript")
	chatCmd.Flags().DurationVar(&chatPendingAge, "pending-age", 10*time.Second, "Age after which /pending reports an unconfirmed send")
	rootCmd.AddCommand(chatCmd)
}

const chatHelp = `Commands:
  /switch <private|group> <id>  change conversation
  /pending                      list unconfirmed sends
  /status                       show connection and room state
  /quit                         leave
Anything else is sent to the active conversation.`

var chatCmd = &cobra.Command{
	Use:   "chat <private|group> <id>",
	Short: "Chat interactively in a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseConversation(args[0], args[1])
		if err != nil {
			return err
		}
		client, cfg := getClient()
		if cfg.Auth.UserID == "" {
			return fmt.Errorf("no user id stored; run 'chatsync login <username>' again")
		}
		log := newLogger()

		if !cmd.Flags().Changed("match-window") {
			if chatTolerance, err = durationSetting(cfg.Chat.MatchWindow, chatTolerance); err != nil {
				return err
			}
		}
		if !cmd.Flags().Changed("pending-age") {
			if chatPendingAge, err = durationSetting(cfg.Chat.PendingAge, chatPendingAge); err != nil {
				return err
			}
		}
		if !cmd.Flags().Changed("no-record") {
			chatNoRecord = cfg.Chat.NoRecord
		}

		ch := newChannel(cfg, client, log)
		defer ch.Close()

		self := chatsync.User{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName}
		sess := chatsync.NewSession(self, ch, client,
			chatsync.WithLogger(log),
			chatsync.WithStoreOptions(chatsync.WithMatchTolerance(chatTolerance)),
			chatsync.WithFetchTimeout(30*time.Second),
		)

		if !chatNoRecord {
			store, _, err := openTranscript(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			store.Attach(sess, log.With().Str("component", "transcript").Logger())
		}

		p := &printer{self: self.ID, seen: make(map[string]bool)}
		sess.OnViewChange(p.view)
		sess.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		})
		sess.OnConnectionState(func(s chatsync.ConnectionState) {
			if s != chatsync.StateConnected {
				fmt.Fprintf(os.Stderr, "* %s\n", s)
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = sess.Start(startCtx)
		cancel()
		if err != nil {
			// History still loads; sends stay pending.
			log.Warn().Err(err).Msg("push channel unavailable")
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			sess.Close(closeCtx)
			cancel()
		}()

		if err := switchTo(ctx, sess, p, conv); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		fmt.Fprintln(os.Stderr, "Type /help for commands.")

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleLine(ctx, sess, p, line); quit {
					return nil
				}
			}
		}
	},
}

// handleLine runs one input line and reports whether the user quit.
func handleLine(ctx context.Context, sess *chatsync.Session, p *printer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		switch fields[0] {
		case "/quit", "/exit":
			return true
		case "/help":
			fmt.Println(chatHelp)
		case "/switch":
			if len(fields) != 3 {
				fmt.Println("usage: /switch <private|group> <id>")
				return false
			}
			conv, err := parseConversation(fields[1], fields[2])
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
				return false
			}
			if err := switchTo(ctx, sess, p, conv); err != nil {
				fmt.Fprintf(os.Stderr, "! %v\n", err)
			}
		case "/pending":
			pending := sess.Pending(sess.Active(), chatPendingAge)
			if len(pending) == 0 {
				fmt.Println("No unconfirmed sends.")
			}
			for _, m := range pending {
				fmt.Println(formatMessage(m, p.self))
			}
		case "/status":
			state, joined := sess.Room()
			fmt.Printf("connection: %s, room: %s", sess.ConnectionState(), state)
			if !joined.IsZero() {
				fmt.Printf(" (%s)", joined)
			}
			fmt.Println()
		default:
			fmt.Printf("unknown command %s, try /help\n", fields[0])
		}
		return false
	}

	if _, err := sess.Send(ctx, line); err != nil && !errors.Is(err, chatsync.ErrEmptyMessage) {
		fmt.Fprintf(os.Stderr, "! %v\n", err)
	}
	return false
}

func switchTo(ctx context.Context, sess *chatsync.Session, p *printer, conv chatsync.Conversation) error {
	p.reset(conv)
	fmt.Printf("--- %s ---\n", conv)
	// Fetch errors already reach OnError; only report anything else.
	var fetchErr *chatsync.FetchError
	if err := sess.Activate(ctx, conv); err != nil && !errors.As(err, &fetchErr) {
		return err
	}
	return nil
}

// printer writes each timeline entry of the active view once.
type printer struct {
	mu   sync.Mutex
	self string
	conv chatsync.Conversation
	seen map[string]bool
}

func (p *printer) reset(conv chatsync.Conversation) {
	p.mu.Lock()
	p.conv = conv
	p.seen = make(map[string]bool)
	p.mu.Unlock()
}

func (p *printer) view(conv chatsync.Conversation, msgs []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conv != p.conv {
		return
	}
	for _, m := range msgs {
		key := "id:" + m.ID
		if m.LocalID != "" {
			key = "local:" + m.LocalID
		}
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		fmt.Println(formatMessage(m, p.self))
	}
}
