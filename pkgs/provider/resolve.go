// Package provider resolves the SMTP/POP3 transport settings of a mailbox from
// its address, a table of well-known providers, an optional external source
// and explicit user overrides.
package provider

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Documented field keys.
const (
	KeySMTPHost = "smtp_host"
	KeySMTPPort = "smtp_port"
	KeySMTPSSL  = "smtp_ssl"
	KeySMTPTLS  = "smtp_tls"
	KeyPOPHost  = "pop_host"
	KeyPOPPort  = "pop_port"
	KeyPOPSSL   = "pop_ssl"
	KeyPOPTLS   = "pop_tls"
)

// excludedFamily marks keys of the protocol family this module never speaks.
const excludedFamily = "imap"

var knownKeys = map[string]bool{
	KeySMTPHost: true, KeySMTPPort: true, KeySMTPSSL: true, KeySMTPTLS: true,
	KeyPOPHost: true, KeyPOPPort: true, KeyPOPSSL: true, KeyPOPTLS: true,
}

// Fields is the keyed form of a transport configuration.
type Fields map[string]any

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Overrides carries explicit user settings. Nil fields are left to inference.
type Overrides struct {
	SMTPHost *string
	SMTPPort *int
	SMTPSSL  *bool
	SMTPTLS  *bool
	POPHost  *string
	POPPort  *int
	POPSSL   *bool
	POPTLS   *bool

	// Extra holds keys without a typed field above.
	Extra Fields
}

// Fields returns the overrides in keyed form. Nil values are kept so the
// overlay can skip them.
func (o Overrides) Fields() Fields {
	f := Fields{}
	for k, v := range o.Extra {
		f[k] = v
	}
	if o.SMTPHost != nil {
		f[KeySMTPHost] = *o.SMTPHost
	}
	if o.SMTPPort != nil {
		f[KeySMTPPort] = *o.SMTPPort
	}
	if o.SMTPSSL != nil {
		f[KeySMTPSSL] = *o.SMTPSSL
	}
	if o.SMTPTLS != nil {
		f[KeySMTPTLS] = *o.SMTPTLS
	}
	if o.POPHost != nil {
		f[KeyPOPHost] = *o.POPHost
	}
	if o.POPPort != nil {
		f[KeyPOPPort] = *o.POPPort
	}
	if o.POPSSL != nil {
		f[KeyPOPSSL] = *o.POPSSL
	}
	if o.POPTLS != nil {
		f[KeyPOPTLS] = *o.POPTLS
	}
	return f
}

// String, Int and Bool build override values inline.
func String(v string) *string { return &v }
func Int(v int) *int          { return &v }
func Bool(v bool) *bool       { return &v }

// Config is the resolved transport configuration of one mailbox.
type Config struct {
	Domain string `mapstructure:"-"`

	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	SMTPSSL  bool   `mapstructure:"smtp_ssl"`
	SMTPTLS  bool   `mapstructure:"smtp_tls"`

	POPHost string `mapstructure:"pop_host"`
	POPPort int    `mapstructure:"pop_port"`
	POPSSL  bool   `mapstructure:"pop_ssl"`
	POPTLS  bool   `mapstructure:"pop_tls"`
}

// POP3Enabled reports whether the configuration can retrieve mail.
func (c Config) POP3Enabled() bool {
	return c.POPHost != ""
}

// Fields returns the configuration in keyed form.
func (c Config) Fields() Fields {
	f := Fields{
		KeySMTPHost: c.SMTPHost,
		KeySMTPPort: c.SMTPPort,
		KeySMTPSSL:  c.SMTPSSL,
		KeySMTPTLS:  c.SMTPTLS,
	}
	if c.POP3Enabled() {
		f[KeyPOPHost] = c.POPHost
		f[KeyPOPPort] = c.POPPort
		f[KeyPOPSSL] = c.POPSSL
		f[KeyPOPTLS] = c.POPTLS
	}
	return f
}

// Resolve builds the transport configuration for username.
//
// Provider defaults come from the registry, or from source when the domain is
// not registered. Non-nil overrides are laid on top, and only then are keys of
// the excluded protocol family dropped, so an override can never reintroduce
// them.
func Resolve(username string, overrides Overrides, source Source) (Config, error) {
	domain, err := DomainOf(username)
	if err != nil {
		return Config{}, err
	}

	base, err := defaults(domain, source)
	if err != nil {
		return Config{}, err
	}

	merged := overlay(base, overrides.Fields())
	filtered := dropExcluded(merged)

	cfg, err := decode(filtered)
	if err != nil {
		return Config{}, err
	}
	cfg.Domain = domain

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.applyPortDefaults()
	return cfg, nil
}

// DomainOf returns the lowercased domain part of an email address.
func DomainOf(username string) (string, error) {
	idx := strings.LastIndex(username, "@")
	if idx < 0 || idx == len(username)-1 {
		return "", &ConfigError{Field: "username", Reason: fmt.Sprintf("%q is not an email address", username)}
	}
	return strings.ToLower(strings.TrimSpace(username[idx+1:])), nil
}

func defaults(domain string, source Source) (Fields, error) {
	if p, ok := Lookup(domain); ok {
		return p.Fields(), nil
	}
	if source == nil {
		return Fields{}, nil
	}
	f, ok, err := source.Lookup(domain)
	if err != nil {
		return nil, fmt.Errorf("provider source lookup for %s: %w", domain, err)
	}
	if !ok {
		return Fields{}, nil
	}
	return f, nil
}

func overlay(base, overrides Fields) Fields {
	out := make(Fields, len(base)+len(overrides))
	for k, v := range base {
		out[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		if v == nil {
			continue
		}
		out[strings.ToLower(k)] = v
	}

	// One security flag set by an override replaces the inferred pair, so
	// smtp_ssl=true alone is enough to switch a STARTTLS provider to 465.
	for _, pair := range [][2]string{{KeySMTPSSL, KeySMTPTLS}, {KeyPOPSSL, KeyPOPTLS}} {
		a, b := overrideValue(overrides, pair[0]), overrideValue(overrides, pair[1])
		switch {
		case a != nil && b == nil:
			if _, ok := out[pair[1]]; ok {
				out[pair[1]] = false
			}
		case b != nil && a == nil:
			if _, ok := out[pair[0]]; ok {
				out[pair[0]] = false
			}
		}
	}
	return out
}

func overrideValue(f Fields, key string) any {
	for k, v := range f {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func dropExcluded(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if strings.Contains(strings.ToLower(k), excludedFamily) {
			continue
		}
		out[k] = v
	}
	return out
}

func decode(f Fields) (Config, error) {
	for k, v := range f {
		if !knownKeys[k] {
			return Config{}, &ConfigError{Field: k, Reason: "unknown key"}
		}
		if v == nil {
			delete(f, k)
		}
	}

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(map[string]any(f)); err != nil {
		return Config{}, &ConfigError{Reason: "wrong value type", Err: err}
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SMTPHost == "" {
		return &UnsupportedProviderError{Domain: c.Domain, Field: KeySMTPHost}
	}
	if c.SMTPSSL && c.SMTPTLS {
		return &ConfigError{Field: KeySMTPSSL, Reason: "smtp_ssl and smtp_tls are mutually exclusive"}
	}
	if c.POPSSL && c.POPTLS {
		return &ConfigError{Field: KeyPOPSSL, Reason: "pop_ssl and pop_tls are mutually exclusive"}
	}
	if c.SMTPPort < 0 || c.SMTPPort > 65535 {
		return &ConfigError{Field: KeySMTPPort, Reason: fmt.Sprintf("port %d out of range", c.SMTPPort)}
	}
	if c.POPPort < 0 || c.POPPort > 65535 {
		return &ConfigError{Field: KeyPOPPort, Reason: fmt.Sprintf("port %d out of range", c.POPPort)}
	}
	return nil
}

func (c *Config) applyPortDefaults() {
	if c.SMTPPort == 0 {
		switch {
		case c.SMTPSSL:
			c.SMTPPort = 465
		case c.SMTPTLS:
			c.SMTPPort = 587
		default:
			c.SMTPPort = 25
		}
	}
	if c.POP3Enabled() && c.POPPort == 0 {
		if c.POPSSL {
			c.POPPort = 995
		} else {
			c.POPPort = 110
		}
	}
}
