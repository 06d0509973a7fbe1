package provider

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source supplies provider settings for domains the registry does not know.
type Source interface {
	Lookup(domain string) (Fields, bool, error)
}

// MapSource is an in-memory Source keyed by domain.
type MapSource map[string]Fields

// Lookup implements Source.
func (m MapSource) Lookup(domain string) (Fields, bool, error) {
	f, ok := m[strings.ToLower(domain)]
	if !ok {
		return nil, false, nil
	}
	return f.clone(), true, nil
}

type enterpriseSource struct {
	name    string
	profile Profile
}

func (s enterpriseSource) Lookup(string) (Fields, bool, error) {
	return s.profile.Fields(), true, nil
}

// Enterprise returns a Source answering every domain with the named hosted
// mail profile (e.g. "qq" for Tencent Exmail).
func Enterprise(name string) (Source, error) {
	p, ok := enterprise[strings.ToLower(name)]
	if !ok {
		return nil, &ConfigError{Field: "source", Reason: fmt.Sprintf("unknown enterprise provider %q", name)}
	}
	return enterpriseSource{name: name, profile: p}, nil
}

// LoadFile reads a YAML or JSON document mapping domains to settings:
//
//	example.org:
//	  smtp_host: mail.example.org
//	  smtp_port: 465
//	  smtp_ssl: true
func LoadFile(path string) (MapSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider file: %w", err)
	}

	var doc map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Field: "source", Reason: "failed to parse " + path, Err: err}
	}

	src := make(MapSource, len(doc))
	for domain, fields := range doc {
		src[strings.ToLower(domain)] = Fields(fields)
	}
	return src, nil
}

// OpenSource interprets ref as an enterprise provider name, falling back to a
// provider file path. An empty ref yields a nil Source.
func OpenSource(ref string) (Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if _, ok := enterprise[strings.ToLower(ref)]; ok {
		return Enterprise(ref)
	}
	src, err := LoadFile(ref)
	if err != nil {
		return nil, err
	}
	return src, nil
}
