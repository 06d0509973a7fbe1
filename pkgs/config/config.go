// Package config loads the zmail CLI account configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/emx-mail/zmail/pkgs/provider"
)

const (
	// EnvConfigPath points to the config file. When unset, DefaultPath is used.
	EnvConfigPath = "ZMAIL_CONFIG"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ZMAIL"
)

// AccountConfig holds one mailbox. Server settings left empty are inferred
// from the email domain.
type AccountConfig struct {
	Name     string `mapstructure:"name" json:"name,omitempty" yaml:"name,omitempty"`
	Email    string `mapstructure:"email" json:"email" yaml:"email"`
	FromName string `mapstructure:"from_name" json:"from_name,omitempty" yaml:"from_name,omitempty"`

	// Password may be omitted; the OS keyring is consulted instead.
	Password string `mapstructure:"password" json:"password,omitempty" yaml:"password,omitempty"`

	SMTPHost *string `mapstructure:"smtp_host" json:"smtp_host,omitempty" yaml:"smtp_host,omitempty"`
	SMTPPort *int    `mapstructure:"smtp_port" json:"smtp_port,omitempty" yaml:"smtp_port,omitempty"`
	SMTPSSL  *bool   `mapstructure:"smtp_ssl" json:"smtp_ssl,omitempty" yaml:"smtp_ssl,omitempty"`
	SMTPTLS  *bool   `mapstructure:"smtp_tls" json:"smtp_tls,omitempty" yaml:"smtp_tls,omitempty"`
	POPHost  *string `mapstructure:"pop_host" json:"pop_host,omitempty" yaml:"pop_host,omitempty"`
	POPPort  *int    `mapstructure:"pop_port" json:"pop_port,omitempty" yaml:"pop_port,omitempty"`
	POPSSL   *bool   `mapstructure:"pop_ssl" json:"pop_ssl,omitempty" yaml:"pop_ssl,omitempty"`
	POPTLS   *bool   `mapstructure:"pop_tls" json:"pop_tls,omitempty" yaml:"pop_tls,omitempty"`

	// Source is an enterprise provider name or a provider file path.
	Source string `mapstructure:"source" json:"source,omitempty" yaml:"source,omitempty"`

	Timeout     int   `mapstructure:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty"` // seconds
	Debug       bool  `mapstructure:"debug" json:"debug,omitempty" yaml:"debug,omitempty"`
	AutoAddTo   *bool `mapstructure:"auto_add_to" json:"auto_add_to,omitempty" yaml:"auto_add_to,omitempty"`
	AutoAddFrom *bool `mapstructure:"auto_add_from" json:"auto_add_from,omitempty" yaml:"auto_add_from,omitempty"`

	Watch *WatchConfig `mapstructure:"watch" json:"watch,omitempty" yaml:"watch,omitempty"`
}

// WatchConfig holds watch mode configuration
type WatchConfig struct {
	HandlerCmd   string `mapstructure:"handler_cmd" json:"handler_cmd,omitempty" yaml:"handler_cmd,omitempty"`       // run once per new message, raw bytes on stdin
	PollInterval int    `mapstructure:"poll_interval" json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // seconds, default 30
	MaxRetries   int    `mapstructure:"max_retries" json:"max_retries,omitempty" yaml:"max_retries,omitempty"`       // default 5
	Delete       bool   `mapstructure:"delete" json:"delete,omitempty" yaml:"delete,omitempty"`
	SkipExisting bool   `mapstructure:"skip_existing" json:"skip_existing,omitempty" yaml:"skip_existing,omitempty"`
}

// Overrides returns the explicit server settings of the account.
func (a *AccountConfig) Overrides() provider.Overrides {
	return provider.Overrides{
		SMTPHost: a.SMTPHost,
		SMTPPort: a.SMTPPort,
		SMTPSSL:  a.SMTPSSL,
		SMTPTLS:  a.SMTPTLS,
		POPHost:  a.POPHost,
		POPPort:  a.POPPort,
		POPSSL:   a.POPSSL,
		POPTLS:   a.POPTLS,
	}
}

// TimeoutDuration returns the network timeout, 0 when unset.
func (a *AccountConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// OpenSource opens the account's provider source, if any.
func (a *AccountConfig) OpenSource() (provider.Source, error) {
	return provider.OpenSource(a.Source)
}

// Domain returns the domain part of the account email address.
// Returns "localhost" if no domain can be extracted.
func (a *AccountConfig) Domain() string {
	if d, err := provider.DomainOf(a.Email); err == nil {
		return d
	}
	return "localhost"
}

// Config holds the application configuration
//
// accounts is a map keyed by account name.
// default_account selects the account when none is specified.
type Config struct {
	Accounts       map[string]AccountConfig `mapstructure:"accounts" json:"accounts" yaml:"accounts"`
	DefaultAccount string                   `mapstructure:"default_account" json:"default_account,omitempty" yaml:"default_account,omitempty"`
}

// RootConfig is the on-disk document. Mail settings live under "mail" so the
// file can be shared with other tools.
type RootConfig struct {
	Mail Config `mapstructure:"mail" json:"mail" yaml:"mail"`
}

// DefaultPath returns ~/.config/zmail/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "zmail", "config.yaml"), nil
}

// Path returns the config file path from EnvConfigPath, or DefaultPath.
func Path() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	return DefaultPath()
}

// Load reads and validates the config file at path. An empty path means
// Path(). Environment variables override file values:
//
//	ZMAIL_ACCOUNT              default account
//	ZMAIL_<ACCOUNT>_PASSWORD   password of one account
//	ZMAIL_MAIL_...             any other key, dots replaced by underscores
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := Path()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file not found: %s (run \"zmail init\")", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("mail.default_account", EnvPrefix+"_ACCOUNT")
	for name := range v.GetStringMap("mail.accounts") {
		_ = v.BindEnv("mail.accounts."+name+".password", envPassword(name))
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &root.Mail
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("missing required key: mail.accounts")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes root to path as YAML, or as JSON when path ends in .json.
func Save(path string, root *RootConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := newViper(path)
	v.SetConfigPermissions(0600)
	v.Set("mail", root.Mail)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		v.SetConfigType("yaml")
	}
	return v
}

// envPassword names the password variable of one account.
func envPassword(account string) string {
	name := strings.ToUpper(account)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return EnvPrefix + "_" + name + "_PASSWORD"
}

// GetAccount returns an account by name or email. An empty identifier picks
// the default account, then the first account by name.
func (c *Config) GetAccount(identifier string) (*AccountConfig, error) {
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}

	if identifier == "" {
		if c.DefaultAccount != "" {
			identifier = c.DefaultAccount
		} else {
			keys := make([]string, 0, len(c.Accounts))
			for k := range c.Accounts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			identifier = keys[0]
		}
	}

	// Keys are case-insensitive once they pass through viper.
	for _, key := range []string{identifier, strings.ToLower(identifier)} {
		if acc, ok := c.Accounts[key]; ok {
			if acc.Name == "" {
				acc.Name = key
			}
			return &acc, nil
		}
	}

	for name, acc := range c.Accounts {
		if acc.Name == identifier || strings.EqualFold(acc.Email, identifier) {
			if acc.Name == "" {
				acc.Name = name
			}
			return &acc, nil
		}
	}

	return nil, fmt.Errorf("account not found: %s", identifier)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	for name, acc := range c.Accounts {
		if acc.Email == "" {
			return fmt.Errorf("account %s: email is required", name)
		}
		if _, err := provider.DomainOf(acc.Email); err != nil {
			return fmt.Errorf("account %s: %w", name, err)
		}
		if acc.Timeout < 0 {
			return fmt.Errorf("account %s: timeout must not be negative", name)
		}
		if w := acc.Watch; w != nil && (w.PollInterval < 0 || w.MaxRetries < 0) {
			return fmt.Errorf("account %s: watch intervals must not be negative", name)
		}
	}

	if c.DefaultAccount != "" {
		if _, err := c.GetAccount(c.DefaultAccount); err != nil {
			return fmt.Errorf("default_account not found: %s", c.DefaultAccount)
		}
	}

	return nil
}

// Example returns an example configuration for "init".
func Example() *RootConfig {
	return &RootConfig{
		Mail: Config{
			DefaultAccount: "personal",
			Accounts: map[string]AccountConfig{
				"personal": {
					Email:    "user@qq.com",
					FromName: "Your Name",
					Watch: &WatchConfig{
						HandlerCmd:   "zmail-save ~/Mail/inbox",
						PollInterval: 60,
					},
				},
				"work": {
					Email:    "user@example.com",
					FromName: "Your Name",
					SMTPHost: provider.String("smtp.example.com"),
					SMTPPort: provider.Int(587),
					SMTPTLS:  provider.Bool(true),
					POPHost:  provider.String("pop.example.com"),
					POPPort:  provider.Int(995),
					POPSSL:   provider.Bool(true),
					Timeout:  30,
				},
			},
		},
	}
}
