package sftpx

import (
	"slices"

	"github.com/pkg/errors"
)

// ConnectionOptions holds connection preferences shared by sessions.
// Options are read-only once handed to a session.
type ConnectionOptions struct {
	// Ciphers, Digests, KeyExchanges and KeyTypes list algorithms in
	// preference order. Empty lists keep the transport defaults.
	Ciphers      []string
	Digests      []string
	KeyExchanges []string
	KeyTypes     []string

	// DisabledAlgorithms maps a category (AlgCiphers, AlgDigests, AlgKex,
	// AlgKeyTypes) to algorithm names that must never be offered.
	DisabledAlgorithms map[string][]string

	// Compression requests transport compression.
	Compression bool

	// HostKeys is the trusted key store. Nil disables verification.
	HostKeys *HostKeyStore

	// HostConfig supplies per-host overrides. Optional.
	HostConfig *HostConfigResolver

	// Log configures the session-owned logger.
	Log LogConfig
}

// NewConnectionOptions returns options verifying host keys against the
// known_hosts files given, or ~/.ssh/known_hosts when none are.
func NewConnectionOptions(knownHosts ...string) (*ConnectionOptions, error) {
	store, err := LoadHostKeys(knownHosts...)
	if err != nil {
		return nil, err
	}
	return &ConnectionOptions{HostKeys: store}, nil
}

// InsecureConnectionOptions returns options with host key verification
// disabled.
func InsecureConnectionOptions() *ConnectionOptions {
	return &ConnectionOptions{}
}

// DisableHostKeyVerification drops the host-key store.
func (o *ConnectionOptions) DisableHostKeyVerification() {
	o.HostKeys = nil
}

// Validate checks the invariants a session relies on.
func (o *ConnectionOptions) Validate() error {
	if o.HostKeys != nil && o.HostKeys.Len() == 0 {
		return errors.Wrap(ErrNoHostKeys, "host key store is empty; add keys or disable verification")
	}
	for category := range o.DisabledAlgorithms {
		if !slices.Contains([]string{AlgCiphers, AlgDigests, AlgKex, AlgKeyTypes}, category) {
			return errors.Errorf("unknown algorithm category %q", category)
		}
	}
	return nil
}

func (o *ConnectionOptions) securityOptions() SecurityOptions {
	return SecurityOptions{
		Ciphers:      o.Ciphers,
		Digests:      o.Digests,
		KeyExchanges: o.KeyExchanges,
		KeyTypes:     o.KeyTypes,
	}
}
