package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/prismer-ai/chatsync/transcript"
)

// configField binds a dotted key to a Config field.
type configField struct {
	get    func(*Config) string
	set    func(*Config, string) error
	secret bool
}

func stringField(ptr func(*Config) *string) configField {
	return configField{
		get: func(c *Config) string { return *ptr(c) },
		set: func(c *Config, v string) error { *ptr(c) = v; return nil },
	}
}

func durationField(ptr func(*Config) *string) configField {
	f := stringField(ptr)
	f.set = func(c *Config, v string) error {
		if v != "" {
			if d, err := time.ParseDuration(v); err != nil || d < 0 {
				return fmt.Errorf("invalid duration %q (e.g. 5s, 1m)", v)
			}
		}
		*ptr(c) = v
		return nil
	}
	return f
}

var configFields = map[string]configField{
	"default.base_url":  stringField(func(c *Config) *string { return &c.Default.BaseURL }),
	"default.ws_url":    stringField(func(c *Config) *string { return &c.Default.WSURL }),
	"auth.user_id":      stringField(func(c *Config) *string { return &c.Auth.UserID }),
	"auth.display_name": stringField(func(c *Config) *string { return &c.Auth.DisplayName }),
	"auth.session": {
		get:    func(c *Config) string { return c.Auth.Session },
		set:    func(c *Config, v string) error { c.Auth.Session = v; return nil },
		secret: true,
	},
	"chat.match_window": durationField(func(c *Config) *string { return &c.Chat.MatchWindow }),
	"chat.pending_age":  durationField(func(c *Config) *string { return &c.Chat.PendingAge }),
	"chat.data_dir":     stringField(func(c *Config) *string { return &c.Chat.DataDir }),
	"chat.no_record": {
		get: func(c *Config) string { return strconv.FormatBool(c.Chat.NoRecord) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("chat.no_record must be true or false")
			}
			c.Chat.NoRecord = b
			return nil
		},
	},
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookupField(key string) (configField, error) {
	f, ok := configFields[key]
	if !ok {
		return configField{}, fmt.Errorf("unknown key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	return f, nil
}

// setConfigValue sets a config field by dotted key (e.g. "chat.match_window").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	return f.set(cfg, value)
}

// displayValue returns the value of key, masking secrets.
func displayValue(cfg *Config, key string) (string, error) {
	f, err := lookupField(key)
	if err != nil {
		return "", err
	}
	v := f.get(cfg)
	if f.secret && v != "" {
		v = maskKey(v)
	}
	return v, nil
}

// durationSetting parses a configured duration, returning def when unset.
func durationSetting(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid configured duration %q: %w", value, err)
	}
	return d, nil
}

// transcriptDir returns where the local transcript lives.
func transcriptDir(cfg *Config) (string, error) {
	if cfg.Chat.DataDir != "" {
		return filepath.Clean(cfg.Chat.DataDir), nil
	}
	return configDir()
}

func openTranscript(cfg *Config) (*transcript.Store, string, error) {
	dir, err := transcriptDir(cfg)
	if err != nil {
		return nil, "", err
	}
	return transcript.Open(dir)
}

// ============================================================================
// config command
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the endpoint, session and chat settings stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with the session masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if *cfg == (Config{}) {
			fmt.Println("No configuration yet. Run 'chatsync init <base-url>' to create one.")
			return nil
		}
		shown := *cfg
		if shown.Auth.Session != "" {
			shown.Auth.Session = maskKey(shown.Auth.Session)
		}
		data, err := toml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot render config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		v, err := displayValue(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value by dotted key.\nExample: chatsync config set chat.match_window 3s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown, _ := displayValue(cfg, key)
		fmt.Printf("Set %s = %s\n", key, shown)
		return nil
	},
}
