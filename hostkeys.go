package sftpx

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultKnownHostsPath returns ~/.ssh/known_hosts.
func DefaultKnownHostsPath() string {
	return ExpandPath("~/.ssh/known_hosts")
}

// HostKeyStore holds the trusted server keys. Keys come from known_hosts
// files and from Add.
type HostKeyStore struct {
	mu       sync.RWMutex
	files    []string
	fileKeys int
	callback ssh.HostKeyCallback
	memory   map[string][]ssh.PublicKey
}

// NewHostKeyStore returns an empty store. Populate it with Add.
func NewHostKeyStore() *HostKeyStore {
	return &HostKeyStore{memory: make(map[string][]ssh.PublicKey)}
}

// LoadHostKeys reads one or more known_hosts files. A store with no entries
// is an error: callers either trust something or disable verification.
func LoadHostKeys(paths ...string) (*HostKeyStore, error) {
	if len(paths) == 0 {
		paths = []string{DefaultKnownHostsPath()}
	}
	paths = slices.Clone(paths)

	s := NewHostKeyStore()
	for i, p := range paths {
		p = ExpandPath(p)
		n, err := countKnownHosts(p)
		if err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				return nil, errors.Wrapf(err,
					"known_hosts file %s not found; load host keys explicitly or disable host key verification", p)
			}
			return nil, err
		}
		paths[i] = p
		s.fileKeys += n
	}

	if s.fileKeys == 0 {
		return nil, errors.Wrapf(ErrNoHostKeys, "%v", paths)
	}

	cb, err := knownhosts.New(paths...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse known_hosts")
	}
	s.files = paths
	s.callback = cb
	return s, nil
}

func countKnownHosts(p string) (int, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	n := 0
	for len(data) > 0 {
		var err error
		_, _, _, _, data, err = ssh.ParseKnownHosts(data)
		if err != nil {
			break
		}
		n++
	}
	return n, nil
}

// Add trusts key for host:port in memory.
func (s *HostKeyStore) Add(host string, port int, key ssh.PublicKey) {
	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[addr] = append(s.memory[addr], key)
}

// Clear drops every key, including those loaded from files.
func (s *HostKeyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = make(map[string][]ssh.PublicKey)
	s.callback = nil
	s.files = nil
	s.fileKeys = 0
}

// Len returns the number of stored keys.
func (s *HostKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.fileKeys
	for _, keys := range s.memory {
		n += len(keys)
	}
	return n
}

// Files returns the known_hosts files backing the store.
func (s *HostKeyStore) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.files)
}

// probeKey never matches a stored key; presenting it makes the knownhosts
// callback report every key it has for a host.
var probeKey = sync.OnceValue(func() ssh.PublicKey {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	k, err := ssh.NewPublicKey(pub)
	if err != nil {
		panic(err)
	}
	return k
})

// Lookup returns the trusted key for host:port, preferring one of keyType.
// ok is false when the host is unknown.
func (s *HostKeyStore) Lookup(host string, port int, keyType string) (ssh.PublicKey, bool, error) {
	hostport := net.JoinHostPort(host, strconv.Itoa(port))

	s.mu.RLock()
	candidates := slices.Clone(s.memory[knownhosts.Normalize(hostport)])
	cb := s.callback
	s.mu.RUnlock()

	if cb != nil {
		remote := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
		err := cb(hostport, remote, probeKey())

		var keyErr *knownhosts.KeyError
		switch {
		case err == nil:
		case errors.As(err, &keyErr):
			for _, want := range keyErr.Want {
				candidates = append(candidates, want.Key)
			}
		default:
			return nil, false, err
		}
	}

	if len(candidates) == 0 {
		return nil, false, nil
	}
	for _, k := range candidates {
		if k.Type() == keyType {
			return k, true, nil
		}
	}
	return candidates[0], true, nil
}

// Save appends the in-memory keys to a known_hosts file. With hashed set,
// host names are written in the hashed form.
func (s *HostKeyStore) Save(p string, hashed bool) error {
	s.mu.RLock()
	var buf bytes.Buffer
	for addr, keys := range s.memory {
		name := addr
		if hashed {
			name = knownhosts.HashHostname(addr)
		}
		for _, k := range keys {
			buf.WriteString(knownhosts.Line([]string{name}, k))
			buf.WriteByte('\n')
		}
	}
	s.mu.RUnlock()

	p = ExpandPath(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Wrap(err, "failed to create known_hosts directory")
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to open known_hosts")
	}
	defer f.Close()

	_, err = f.Write(buf.Bytes())
	return err
}
