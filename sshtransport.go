package sftpx

import (
	"bytes"
	"context"
	"net"
	"os"
	"path"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Algorithm categories understood by SetDisabledAlgorithms.
const (
	AlgCiphers  = "ciphers"
	AlgDigests  = "digests"
	AlgKex      = "kex"
	AlgKeyTypes = "key_types"
)

var (
	errAuthAborted  = errors.New("authentication aborted")
	errNoSigners    = errors.New("no key offered")
	errNoPassword   = errors.New("no password offered")
	errNotConnected = errors.New("transport is not connected")
)

// handshakeError marks a failure of the key exchange itself, as opposed to a
// dial or authentication failure.
type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string { return "ssh handshake failed: " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

type credentials struct {
	password string
	signers  []ssh.Signer
}

// SSHTransport implements Transport on golang.org/x/crypto/ssh.
//
// x/crypto performs key exchange, host-key checking and authentication in a
// single call. SSHTransport splits them: the host key callback records the
// key and reports negotiation, while the authentication callbacks block until
// one of the Authenticate methods supplies credentials.
type SSHTransport struct {
	log logrus.FieldLogger

	mu          sync.Mutex
	ep          Endpoint
	conn        net.Conn
	client      *ssh.Client
	keepalive   time.Duration
	compression bool
	security    SecurityOptions
	disabled    map[string][]string
	hostKey     ssh.PublicKey
	timeout     time.Duration
	started     bool
	authStarted bool

	negotiated    chan struct{}
	negotiateOnce sync.Once
	handshakeDone chan struct{}
	handshakeErr  error

	cred      credentials
	credReady chan struct{}

	abort     chan struct{}
	closeOnce sync.Once
	active    atomic.Bool
}

// NewSSHTransport returns an unconnected transport.
func NewSSHTransport(log logrus.FieldLogger) *SSHTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SSHTransport{
		log:           log,
		negotiated:    make(chan struct{}),
		handshakeDone: make(chan struct{}),
		credReady:     make(chan struct{}),
		abort:         make(chan struct{}),
	}
}

var _ Transport = (*SSHTransport)(nil)

// Connect dials the endpoint over TCP.
func (t *SSHTransport) Connect(ctx context.Context, ep Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return errors.New("transport already connected")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)))
	if err != nil {
		return err
	}

	t.ep = ep
	t.conn = conn
	return nil
}

func (t *SSHTransport) SetKeepalive(interval time.Duration) {
	t.mu.Lock()
	t.keepalive = interval
	t.mu.Unlock()
}

// SetCompression records the request. x/crypto/ssh does not implement
// zlib compression, so the transport always runs uncompressed.
func (t *SSHTransport) SetCompression(enabled bool) {
	if enabled {
		t.log.Warn("Compression requested but not supported by the ssh transport")
	}
}

func (t *SSHTransport) Compression() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compression
}

func (t *SSHTransport) SetSecurityOptions(opts SecurityOptions) {
	t.mu.Lock()
	t.security = SecurityOptions{
		Ciphers:      slices.Clone(opts.Ciphers),
		Digests:      slices.Clone(opts.Digests),
		KeyExchanges: slices.Clone(opts.KeyExchanges),
		KeyTypes:     slices.Clone(opts.KeyTypes),
	}
	t.mu.Unlock()
}

func (t *SSHTransport) SetDisabledAlgorithms(disabled map[string][]string) {
	t.mu.Lock()
	t.disabled = make(map[string][]string, len(disabled))
	for k, v := range disabled {
		t.disabled[k] = slices.Clone(v)
	}
	t.mu.Unlock()
}

// SecurityOptions returns the algorithm lists offered to the server after
// disabled algorithms were removed.
func (t *SSHTransport) SecurityOptions() SecurityOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectiveOptions()
}

func (t *SSHTransport) effectiveOptions() SecurityOptions {
	supported := ssh.SupportedAlgorithms()
	return SecurityOptions{
		Ciphers:      filterAlgorithms(t.security.Ciphers, supported.Ciphers, t.disabled[AlgCiphers]),
		Digests:      filterAlgorithms(t.security.Digests, supported.MACs, t.disabled[AlgDigests]),
		KeyExchanges: filterAlgorithms(t.security.KeyExchanges, supported.KeyExchanges, t.disabled[AlgKex]),
		KeyTypes:     filterAlgorithms(t.security.KeyTypes, supported.HostKeys, t.disabled[AlgKeyTypes]),
	}
}

// filterAlgorithms removes disabled names from preferred. An empty preferred
// list stays empty unless something is disabled, in which case the defaults
// are filtered instead.
func filterAlgorithms(preferred, defaults, disabled []string) []string {
	if len(disabled) == 0 {
		return slices.Clone(preferred)
	}
	src := preferred
	if len(src) == 0 {
		src = defaults
	}
	out := make([]string, 0, len(src))
	for _, name := range src {
		if !slices.Contains(disabled, name) {
			out = append(out, name)
		}
	}
	return out
}

// StartHandshake runs key exchange in the background and returns once the
// server host key is known.
func (t *SSHTransport) StartHandshake(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return errNotConnected
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("handshake already started")
	}
	t.started = true
	t.timeout = timeout
	conn := t.conn
	opts := t.effectiveOptions()
	cfg := &ssh.ClientConfig{
		Config: ssh.Config{
			Ciphers:      opts.Ciphers,
			MACs:         opts.Digests,
			KeyExchanges: opts.KeyExchanges,
		},
		User:              t.ep.User,
		HostKeyAlgorithms: opts.KeyTypes,
		HostKeyCallback:   t.recordHostKey,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeysCallback(t.signers),
			ssh.PasswordCallback(t.password),
			ssh.KeyboardInteractive(t.answerChallenge),
		},
	}
	addr := net.JoinHostPort(t.ep.Host, strconv.Itoa(t.ep.Port))
	t.mu.Unlock()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		t.mu.Lock()
		if err != nil {
			t.handshakeErr = err
		} else {
			t.client = ssh.NewClient(c, chans, reqs)
		}
		t.mu.Unlock()
		close(t.handshakeDone)
	}()

	select {
	case <-t.negotiated:
		return nil
	case <-t.handshakeDone:
		t.mu.Lock()
		err := t.handshakeErr
		t.mu.Unlock()
		if err != nil {
			return &handshakeError{err: err}
		}
		return nil
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}
}

func (t *SSHTransport) recordHostKey(_ string, _ net.Addr, key ssh.PublicKey) error {
	t.mu.Lock()
	t.hostKey = key
	t.mu.Unlock()
	t.negotiateOnce.Do(func() { close(t.negotiated) })
	return nil
}

func (t *SSHTransport) RemoteHostKey() ssh.PublicKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostKey
}

func (t *SSHTransport) IsActive() bool {
	return t.active.Load()
}

func (t *SSHTransport) awaitCredentials() (credentials, error) {
	select {
	case <-t.credReady:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.cred, nil
	case <-t.abort:
		return credentials{}, errAuthAborted
	}
}

func (t *SSHTransport) signers() ([]ssh.Signer, error) {
	c, err := t.awaitCredentials()
	if err != nil {
		return nil, err
	}
	if len(c.signers) == 0 {
		return nil, errNoSigners
	}
	return c.signers, nil
}

func (t *SSHTransport) password() (string, error) {
	c, err := t.awaitCredentials()
	if err != nil {
		return "", err
	}
	if c.password == "" {
		return "", errNoPassword
	}
	return c.password, nil
}

// answerChallenge replies to every keyboard-interactive prompt with the
// password.
func (t *SSHTransport) answerChallenge(_, _ string, questions []string, _ []bool) ([]string, error) {
	pw, err := t.password()
	if err != nil {
		return nil, err
	}
	answers := make([]string, len(questions))
	for i := range answers {
		answers[i] = pw
	}
	return answers, nil
}

func (t *SSHTransport) AuthenticateByPassword(ctx context.Context, user, password string) error {
	return t.authenticate(ctx, user, credentials{password: password})
}

func (t *SSHTransport) AuthenticateByPublicKey(ctx context.Context, user string, signers []ssh.Signer) error {
	return t.authenticate(ctx, user, credentials{signers: signers})
}

func (t *SSHTransport) authenticate(ctx context.Context, user string, c credentials) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return errNotConnected
	}
	if t.authStarted {
		t.mu.Unlock()
		return errors.New("authentication already attempted on this transport")
	}
	if user != t.ep.User {
		t.mu.Unlock()
		return errors.Errorf("user %q does not match transport user %q", user, t.ep.User)
	}
	t.authStarted = true
	t.cred = c
	if t.timeout > 0 && t.conn != nil {
		_ = t.conn.SetDeadline(time.Now().Add(t.timeout))
	}
	t.mu.Unlock()
	close(t.credReady)

	select {
	case <-t.handshakeDone:
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	}

	t.mu.Lock()
	err := t.handshakeErr
	client := t.client
	conn := t.conn
	interval := t.keepalive
	t.mu.Unlock()

	if err != nil {
		return err
	}

	_ = conn.SetDeadline(time.Time{})
	t.active.Store(true)

	go func() {
		_ = client.Wait()
		t.active.Store(false)
	}()
	if interval > 0 {
		go t.keepaliveLoop(client, interval)
	}
	return nil
}

// keepaliveLoop sends OpenSSH keepalive requests until the transport closes.
func (t *SSHTransport) keepaliveLoop(client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.log.WithError(err).Debug("Keepalive failed, stopping")
				return
			}
		case <-t.abort:
			return
		}
	}
}

// OpenChannel starts an sftp subsystem on a new ssh channel.
func (t *SSHTransport) OpenChannel(name string) (Channel, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !t.IsActive() {
		return nil, errNotConnected
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start sftp subsystem")
	}
	return newSFTPChannel(name, sc), nil
}

// Exec runs cmd on a new session channel. A non-zero exit status is not an
// error; the caller gets whatever the command wrote.
func (t *SSHTransport) Exec(ctx context.Context, cmd string) ([]byte, []byte, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !t.IsActive() {
		return nil, nil, errNotConnected
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case err := <-done:
		var exitErr *ssh.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return nil, nil, err
		}
		if exitErr != nil {
			t.log.WithField("status", exitErr.ExitStatus()).Debug("Command exited with non-zero status")
		}
		return stdout.Bytes(), stderr.Bytes(), nil
	}
}

func (t *SSHTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.abort)
		t.active.Store(false)

		t.mu.Lock()
		client, conn := t.client, t.conn
		t.mu.Unlock()

		if client != nil {
			err = client.Close()
		} else if conn != nil {
			err = conn.Close()
		}
	})
	return err
}

// timeoutError is returned when a channel call exceeds its timeout.
type timeoutError struct {
	op string
}

func (e *timeoutError) Error() string   { return e.op + ": i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

var _ net.Error = (*timeoutError)(nil)

// sftpChannel adapts an *sftp.Client to Channel. The sftp protocol has no
// working directory, so it is tracked here and relative paths are joined to
// it before they reach the server.
type sftpChannel struct {
	name    string
	client  *sftp.Client
	timeout atomic.Int64

	mu  sync.Mutex
	cwd string
}

func newSFTPChannel(name string, client *sftp.Client) *sftpChannel {
	return &sftpChannel{name: name, client: client}
}

func (c *sftpChannel) Name() string { return c.name }

func (c *sftpChannel) SetTimeout(d time.Duration) { c.timeout.Store(int64(d)) }

func (c *sftpChannel) Timeout() time.Duration { return time.Duration(c.timeout.Load()) }

// call runs fn, giving up after the channel timeout. The abandoned request
// finishes in the background.
func call[T any](c *sftpChannel, op string, fn func() (T, error)) (T, error) {
	d := c.Timeout()
	if d <= 0 {
		return fn()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		var zero T
		return zero, &timeoutError{op: op}
	}
}

func (c *sftpChannel) run(op string, fn func() error) error {
	_, err := call(c, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (c *sftpChannel) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	c.mu.Lock()
	cwd := c.cwd
	c.mu.Unlock()
	if cwd == "" {
		if p == "" {
			return "."
		}
		return p
	}
	return path.Join(cwd, p)
}

func (c *sftpChannel) Chdir(dir string) error {
	target, err := c.Normalize(dir)
	if err != nil {
		return err
	}
	fi, err := c.Stat(target)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.Errorf("%s: not a directory", target)
	}
	c.mu.Lock()
	c.cwd = target
	c.mu.Unlock()
	return nil
}

func (c *sftpChannel) Getwd() (string, error) {
	c.mu.Lock()
	cwd := c.cwd
	c.mu.Unlock()
	if cwd != "" {
		return cwd, nil
	}
	return call(c, "getwd", c.client.Getwd)
}

func (c *sftpChannel) Normalize(p string) (string, error) {
	return call(c, "realpath", func() (string, error) {
		return c.client.RealPath(c.resolve(p))
	})
}

func (c *sftpChannel) Stat(p string) (os.FileInfo, error) {
	return call(c, "stat", func() (os.FileInfo, error) {
		return c.client.Stat(c.resolve(p))
	})
}

func (c *sftpChannel) Lstat(p string) (os.FileInfo, error) {
	return call(c, "lstat", func() (os.FileInfo, error) {
		return c.client.Lstat(c.resolve(p))
	})
}

func (c *sftpChannel) ReadDir(p string) ([]os.FileInfo, error) {
	return call(c, "readdir", func() ([]os.FileInfo, error) {
		return c.client.ReadDir(c.resolve(p))
	})
}

func (c *sftpChannel) Open(p string) (File, error) {
	return call(c, "open", func() (File, error) {
		f, err := c.client.Open(c.resolve(p))
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

func (c *sftpChannel) OpenFile(p string, flag int) (File, error) {
	return call(c, "open", func() (File, error) {
		f, err := c.client.OpenFile(c.resolve(p), flag)
		if err != nil {
			return nil, err
		}
		return f, nil
	})
}

func (c *sftpChannel) Chmod(p string, mode os.FileMode) error {
	return c.run("chmod", func() error { return c.client.Chmod(c.resolve(p), mode) })
}

func (c *sftpChannel) Chown(p string, uid, gid int) error {
	return c.run("chown", func() error { return c.client.Chown(c.resolve(p), uid, gid) })
}

func (c *sftpChannel) Chtimes(p string, atime, mtime time.Time) error {
	return c.run("chtimes", func() error { return c.client.Chtimes(c.resolve(p), atime, mtime) })
}

func (c *sftpChannel) Remove(p string) error {
	return c.run("remove", func() error { return c.client.Remove(c.resolve(p)) })
}

func (c *sftpChannel) Rename(oldpath, newpath string) error {
	return c.run("rename", func() error {
		return c.client.PosixRename(c.resolve(oldpath), c.resolve(newpath))
	})
}

func (c *sftpChannel) Rmdir(p string) error {
	return c.run("rmdir", func() error { return c.client.RemoveDirectory(c.resolve(p)) })
}

func (c *sftpChannel) Mkdir(p string, mode os.FileMode) error {
	return c.run("mkdir", func() error {
		target := c.resolve(p)
		if err := c.client.Mkdir(target); err != nil {
			return err
		}
		return c.client.Chmod(target, mode)
	})
}

func (c *sftpChannel) Symlink(target, link string) error {
	return c.run("symlink", func() error { return c.client.Symlink(target, c.resolve(link)) })
}

func (c *sftpChannel) ReadLink(p string) (string, error) {
	return call(c, "readlink", func() (string, error) {
		return c.client.ReadLink(c.resolve(p))
	})
}

func (c *sftpChannel) Truncate(p string, size int64) error {
	return c.run("truncate", func() error { return c.client.Truncate(c.resolve(p), size) })
}

func (c *sftpChannel) Close() error {
	return c.client.Close()
}
