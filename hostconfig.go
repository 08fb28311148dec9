package sftpx

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// HostConfig holds per-host overrides. Zero values mean "not set".
type HostConfig struct {
	// Match lists host patterns using shell globbing. A pattern prefixed
	// with "!" excludes hosts it matches.
	Match        []string `yaml:"match" toml:"match"`
	HostName     string   `yaml:"hostname" toml:"hostname"`
	Port         int      `yaml:"port" toml:"port"`
	User         string   `yaml:"user" toml:"user"`
	IdentityFile string   `yaml:"identity_file" toml:"identity_file"`
	Ciphers      []string `yaml:"ciphers" toml:"ciphers"`
	Digests      []string `yaml:"digests" toml:"digests"`
	KeyExchanges []string `yaml:"kex" toml:"kex"`
	KeyTypes     []string `yaml:"key_types" toml:"key_types"`
	Compression  *bool    `yaml:"compression" toml:"compression"`
}

type hostConfigFile struct {
	Hosts []HostConfig `yaml:"hosts" toml:"hosts"`
}

// HostConfigResolver resolves host aliases against an ordered list of
// HostConfig entries.
type HostConfigResolver struct {
	entries []HostConfig
}

// NewHostConfigResolver returns a resolver over entries, in order.
func NewHostConfigResolver(entries ...HostConfig) *HostConfigResolver {
	return &HostConfigResolver{entries: entries}
}

// LoadHostConfig reads a YAML (.yaml, .yml) or TOML (.toml) host config file.
func LoadHostConfig(p string) (*HostConfigResolver, error) {
	p = ExpandPath(p)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read host config")
	}
	r, err := ParseHostConfig(data, filepath.Ext(p))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse host config %s", p)
	}
	return r, nil
}

// ParseHostConfig decodes data in the given format ("yaml", "yml", "toml",
// with or without a leading dot).
func ParseHostConfig(data []byte, format string) (*HostConfigResolver, error) {
	var f hostConfigFile

	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, err
		}
	case "toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown keys: %v", undecoded)
		}
	default:
		return nil, errors.Errorf("unsupported host config format %q", format)
	}

	for i, e := range f.Hosts {
		if len(e.Match) == 0 {
			return nil, errors.Errorf("host entry %d has no match patterns", i)
		}
	}
	return NewHostConfigResolver(f.Hosts...), nil
}

// Resolve merges every entry matching alias. For each parameter the first
// value found wins.
func (r *HostConfigResolver) Resolve(alias string) HostConfig {
	var out HostConfig
	if r == nil {
		return out
	}

	for _, e := range r.entries {
		if !matchHost(e.Match, alias) {
			continue
		}
		if out.HostName == "" {
			out.HostName = e.HostName
		}
		if out.Port == 0 {
			out.Port = e.Port
		}
		if out.User == "" {
			out.User = e.User
		}
		if out.IdentityFile == "" {
			out.IdentityFile = e.IdentityFile
		}
		if out.Ciphers == nil {
			out.Ciphers = e.Ciphers
		}
		if out.Digests == nil {
			out.Digests = e.Digests
		}
		if out.KeyExchanges == nil {
			out.KeyExchanges = e.KeyExchanges
		}
		if out.KeyTypes == nil {
			out.KeyTypes = e.KeyTypes
		}
		if out.Compression == nil {
			out.Compression = e.Compression
		}
	}
	return out
}

// matchHost reports whether host matches at least one positive pattern and
// no negated one.
func matchHost(patterns []string, host string) bool {
	matched := false
	for _, p := range patterns {
		negate := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")

		ok, err := path.Match(p, host)
		if err != nil || !ok {
			continue
		}
		if negate {
			return false
		}
		matched = true
	}
	return matched
}
