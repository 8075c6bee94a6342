package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/prismer-ai/chatsync"
)

// getClient creates a datastore client carrying the stored session.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Session == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'chatsync login <username>' first.")
		os.Exit(1)
	}
	return newClient(cfg), cfg
}

func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.Session != "" {
		opts = append(opts, chatsync.WithSession(cfg.Auth.Session))
	}
	return chatsync.NewClient(opts...)
}

// newChannel creates the push channel for cfg, authenticated with the
// session cookie.
func newChannel(cfg *Config, client *chatsync.Client, log zerolog.Logger) *chatsync.WSChannel {
	endpoint := cfg.Default.WSURL
	if endpoint == "" {
		endpoint = client.BaseURL()
	}
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: chatsync.SessionCookie, Value: cfg.Auth.Session}).String())
	return chatsync.NewWSChannel(endpoint, &chatsync.ChannelConfig{
		Token:  cfg.Auth.Session,
		Header: header,
		Logger: &log,
	})
}

// newLogger returns the console logger for interactive commands.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// parseConversation builds a conversation from "private <user-id>" or
// "group <group-id>".
func parseConversation(kind, id string) (chatsync.Conversation, error) {
	var conv chatsync.Conversation
	switch kind {
	case "private":
		conv = chatsync.PrivateWith(id)
	case "group":
		conv = chatsync.Group(id)
	default:
		return conv, fmt.Errorf("conversation kind must be private or group, got %q", kind)
	}
	if !conv.Valid() {
		return conv, fmt.Errorf("%w: %s %q", chatsync.ErrInvalidConversation, kind, id)
	}
	return conv, nil
}

// formatMessage renders one timeline line.
func formatMessage(m chatsync.Message, selfID string) string {
	name := m.SenderDisplayName
	if name == "" {
		name = m.SenderID
	}
	if m.SenderID == selfID {
		name = "you"
	}
	mark := ""
	if m.Pending() {
		mark = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04:05"), name, m.Content, mark)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
