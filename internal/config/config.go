// Package config loads elissa's configuration from file, environment
// and flags via viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/elissabot/elissa/internal/models"
)

// Config errors.
var (
	ErrScriptPathRequired = errors.New("script path is required")
)

// Admin identifies the conversation that receives notify payloads
// addressed to the "admin" recipient.
type Admin struct {
	AccountID int64 `mapstructure:"account_id"`
	ChatID    int64 `mapstructure:"chat_id"`
}

// Configured reports whether an admin conversation is set.
func (a Admin) Configured() bool { return a.AccountID != 0 || a.ChatID != 0 }

// Key returns the admin conversation key.
func (a Admin) Key() models.ConversationKey {
	return models.ConversationKey{AccountID: a.AccountID, ChatID: a.ChatID}
}

// Scheduler holds wait-scheduler tuning.
type Scheduler struct {
	// RetryInterval is how long to wait before retrying a failed
	// timer resumption.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// Throttle bounds the outbound send rate per conversation. Disabled
// when either field is zero.
type Throttle struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Config is the complete daemon configuration.
type Config struct {
	// DataDir holds the database and exported attachments.
	DataDir string `mapstructure:"data_dir"`

	// DatabasePath overrides the default <data_dir>/elissa.db.
	DatabasePath string `mapstructure:"database_path"`

	// ScriptPath is the conversation script to load. Required.
	ScriptPath string `mapstructure:"script_path"`

	// SocketPath is the transport's JSON-RPC unix socket.
	SocketPath string `mapstructure:"socket_path"`

	// BotName is the display name used when greeting operators in
	// logs; it never appears in conversations.
	BotName string `mapstructure:"bot_name"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`

	Admin     Admin     `mapstructure:"admin"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Throttle  Throttle  `mapstructure:"throttle"`
}

// Database returns the effective database path.
func (c *Config) Database() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, "elissa.db")
}

// AttachmentDir returns where attachment resolvers write exports.
func (c *Config) AttachmentDir() string {
	return filepath.Join(c.DataDir, "attachments")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("socket_path", "")
	v.SetDefault("bot_name", "elissa")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("scheduler.retry_interval", 30*time.Second)
	v.SetDefault("throttle.messages_per_second", 0)
	v.SetDefault("throttle.burst", 0)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".elissa"
	}
	return filepath.Join(home, ".elissa")
}

// Load reads configuration. path, when non-empty, names an explicit
// config file; otherwise elissa.yaml is searched in the working
// directory and the data directory. ELISSA_* environment variables
// override file values (nested keys use underscores, for example
// ELISSA_SCHEDULER_RETRY_INTERVAL).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ELISSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("elissa")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration can run the daemon.
func (c *Config) Validate() error {
	if c.ScriptPath == "" {
		return ErrScriptPathRequired
	}
	if _, err := os.Stat(c.ScriptPath); err != nil {
		return fmt.Errorf("script path: %w", err)
	}
	return nil
}
