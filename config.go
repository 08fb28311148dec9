package sftpx

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultPort      = 22
	defaultTimeout   = 30 * time.Second
	defaultKeepalive = 60 * time.Second
)

// Config holds SSH connection configuration.
type Config struct {
	// Host is the target SSH server hostname, IP address or host config alias.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username. Falls back to the host config, then
	// $LOGNAME, then $USER.
	User string

	// Password is used for password and keyboard-interactive authentication.
	Password string

	// PrivateKey is the SSH private key content (PEM encoded).
	// Mutually exclusive with KeyPath.
	PrivateKey string

	// KeyPath is the path to the SSH private key file.
	// Mutually exclusive with PrivateKey.
	KeyPath string

	// KeyPassphrase decrypts an encrypted private key.
	KeyPassphrase string

	// Certificate is the SSH certificate content, used with the private key.
	Certificate string

	// CertificatePath is the path to the SSH certificate file.
	CertificatePath string

	// UseAgent adds keys from the ssh agent at $SSH_AUTH_SOCK.
	UseAgent bool

	// DefaultPath is the remote directory every channel starts in.
	DefaultPath string

	// Timeout bounds the handshake and every channel operation (default 30s).
	Timeout time.Duration

	// Keepalive is the transport keepalive interval (default 60s).
	// A negative value disables keepalives.
	Keepalive time.Duration

	// Options carries algorithm preferences, host keys and logging.
	// Nil means host key verification against ~/.ssh/known_hosts.
	Options *ConnectionOptions

	// Logger overrides the session-owned logger.
	Logger logrus.FieldLogger

	// TransportFactory builds the transport. Defaults to NewSSHTransport.
	TransportFactory func(logrus.FieldLogger) Transport
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.Keepalive == 0 {
		c.Keepalive = defaultKeepalive
	}
	if c.TransportFactory == nil {
		c.TransportFactory = func(l logrus.FieldLogger) Transport {
			return NewSSHTransport(l)
		}
	}
	return c
}

// Credential returns the authentication material named by the config.
func (c Config) Credential() Credential {
	return Credential{
		Password:        c.Password,
		PrivateKey:      c.PrivateKey,
		KeyPath:         c.KeyPath,
		Passphrase:      c.KeyPassphrase,
		Certificate:     c.Certificate,
		CertificatePath: c.CertificatePath,
		UseAgent:        c.UseAgent,
	}
}

// applyHostConfig fills unset fields from the matching host config entry.
func (c Config) applyHostConfig(hc HostConfig, opts *ConnectionOptions) (Config, *ConnectionOptions) {
	if hc.HostName != "" {
		c.Host = hc.HostName
	}
	if c.Port == 0 {
		c.Port = hc.Port
	}
	if c.User == "" {
		c.User = hc.User
	}
	if c.KeyPath == "" && c.PrivateKey == "" && hc.IdentityFile != "" {
		c.KeyPath = hc.IdentityFile
	}

	merged := *opts
	if len(merged.Ciphers) == 0 {
		merged.Ciphers = hc.Ciphers
	}
	if len(merged.Digests) == 0 {
		merged.Digests = hc.Digests
	}
	if len(merged.KeyExchanges) == 0 {
		merged.KeyExchanges = hc.KeyExchanges
	}
	if len(merged.KeyTypes) == 0 {
		merged.KeyTypes = hc.KeyTypes
	}
	if !merged.Compression && hc.Compression != nil {
		merged.Compression = *hc.Compression
	}
	return c, &merged
}

// resolveUsername falls back to the login name from the environment.
func resolveUsername(user string) string {
	if user != "" {
		return user
	}
	if u := os.Getenv("LOGNAME"); u != "" {
		return u
	}
	return os.Getenv("USER")
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[1:])
		}
	}
	return path
}
