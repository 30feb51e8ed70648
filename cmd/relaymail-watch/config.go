package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type watchConfig struct {
	Topic               string        `mapstructure:"topic"`
	WebhookURL          string        `mapstructure:"webhook_url"`
	LabelIDs            []string      `mapstructure:"label_ids"`
	LabelFilterBehavior string        `mapstructure:"label_filter_behavior"`
	User                string        `mapstructure:"user"`
	CredentialsFile     string        `mapstructure:"credentials_file"`
	TokenStore          string        `mapstructure:"token_store"`
	TokenFile           string        `mapstructure:"token_file"`
	KeyringService      string        `mapstructure:"keyring_service"`
	KeyringKey          string        `mapstructure:"keyring_key"`
	KeyringDir          string        `mapstructure:"keyring_dir"`
	RenewInterval       time.Duration `mapstructure:"renew_interval"`
	IntervalJitter      float64       `mapstructure:"interval_jitter"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// loadWatchConfig merges defaults, an optional YAML file and RELAYMAIL_*
// environment variables (topic -> RELAYMAIL_TOPIC). A missing file is not an
// error.
func loadWatchConfig(path string) (watchConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("topic", "")
	v.SetDefault("webhook_url", "")
	v.SetDefault("label_ids", []string{"INBOX"})
	v.SetDefault("label_filter_behavior", "include")
	v.SetDefault("user", "me")
	v.SetDefault("credentials_file", "credentials.json")
	v.SetDefault("token_store", "file")
	v.SetDefault("token_file", "token.json")
	v.SetDefault("keyring_service", "")
	v.SetDefault("keyring_key", "")
	v.SetDefault("keyring_dir", "")
	v.SetDefault("renew_interval", 24*time.Hour)
	v.SetDefault("interval_jitter", 0.1)
	v.SetDefault("timeout", 30*time.Second)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return watchConfig{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg watchConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return watchConfig{}, fmt.Errorf("parsing config: %w", err)
	}
	// AutomaticEnv yields a single string for list keys.
	if raw := strings.TrimSpace(os.Getenv("RELAYMAIL_LABEL_IDS")); raw != "" {
		cfg.LabelIDs = splitList(raw)
	}
	// WEBHOOK_URL is honored for compatibility with existing .env files.
	if cfg.WebhookURL == "" {
		cfg.WebhookURL = strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	}
	return cfg, nil
}

func (c watchConfig) validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("topic is required (--topic, RELAYMAIL_TOPIC or topic in the config file)")
	}
	if !strings.HasPrefix(c.Topic, "projects/") || !strings.Contains(c.Topic, "/topics/") {
		return fmt.Errorf("topic %q must look like projects/<project>/topics/<name>", c.Topic)
	}
	if len(c.LabelIDs) == 0 {
		return errors.New("at least one label id is required")
	}
	switch strings.ToLower(c.LabelFilterBehavior) {
	case "include", "exclude":
	default:
		return fmt.Errorf("label_filter_behavior must be include or exclude, got %q", c.LabelFilterBehavior)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
