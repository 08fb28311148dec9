package sftpx

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateTransportStarted
	StateNegotiated
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateTransportStarted:
		return "TRANSPORT_STARTED"
	case StateNegotiated:
		return "NEGOTIATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is one authenticated secure transport to a host. Every remote
// operation opens its own channel over the session, so a Session may be used
// from many goroutines at once.
type Session struct {
	cfg       Config
	opts      *ConnectionOptions
	log       *sessionLogger
	transport Transport

	host string
	port int
	user string

	timeout atomic.Int64

	mu          sync.Mutex
	state       State
	verified    bool
	defaultPath string
}

// NewSession prepares a session without touching the network.
func NewSession(cfg Config) (*Session, error) {
	opts := cfg.Options
	if opts == nil {
		var err error
		opts, err = NewConnectionOptions()
		if err != nil {
			return nil, err
		}
	}
	if opts.HostConfig != nil {
		cfg, opts = cfg.applyHostConfig(opts.HostConfig.Resolve(cfg.Host), opts)
	}
	cfg = cfg.WithDefaults()

	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	user := resolveUsername(cfg.User)
	if user == "" {
		return nil, &CredentialError{Msg: "no username specified"}
	}

	log, err := newSessionLogger(cfg.Logger, opts.Log, logrus.Fields{
		"host": cfg.Host,
		"port": cfg.Port,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:         cfg,
		opts:        opts,
		log:         log,
		transport:   cfg.TransportFactory(log),
		host:        cfg.Host,
		port:        cfg.Port,
		user:        user,
		defaultPath: cfg.DefaultPath,
	}
	s.timeout.Store(int64(cfg.Timeout))
	return s, nil
}

// Dial creates a session and runs it through connect, host verification and
// authentication with the credential in cfg.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.VerifyHostIdentity(); err != nil {
		return nil, err
	}
	if err := s.Authenticate(ctx, s.cfg.Credential()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) expect(op string, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return &StateError{Op: op, State: s.state}
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// Connect opens the transport and negotiates algorithms. On success the
// session is NEGOTIATED and the server host key is known.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.expect("connect", StateUninitialized); err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.Timeout())
	defer cancel()

	ep := Endpoint{Host: s.host, Port: s.port, User: s.user}
	if err := s.transport.Connect(dialCtx, ep); err != nil {
		return s.connectFailed(ctx, err)
	}
	s.setState(StateTransportStarted)

	if s.cfg.Keepalive > 0 {
		s.transport.SetKeepalive(s.cfg.Keepalive)
	}
	s.transport.SetCompression(s.opts.Compression)
	s.transport.SetSecurityOptions(s.opts.securityOptions())
	if len(s.opts.DisabledAlgorithms) > 0 {
		s.transport.SetDisabledAlgorithms(s.opts.DisabledAlgorithms)
	}

	if err := s.transport.StartHandshake(ctx, s.Timeout()); err != nil {
		return s.connectFailed(ctx, err)
	}
	s.setState(StateNegotiated)

	if key := s.transport.RemoteHostKey(); key != nil {
		s.log.WithFields(logrus.Fields{
			"key_type":    key.Type(),
			"fingerprint": ssh.FingerprintSHA256(key),
		}).Debug("Transport negotiated")
	}
	return nil
}

// connectFailed closes the session and classifies err. Context errors from
// the caller pass through unchanged.
func (s *Session) connectFailed(ctx context.Context, err error) error {
	s.Close()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var (
		dnsErr *net.DNSError
		opErr  *net.OpError
		hsErr  *handshakeError
	)
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) || errors.As(err, &hsErr) ||
		errors.Is(err, context.DeadlineExceeded) {
		s.log.WithError(err).Error("Unable to connect")
		return &ConnectionError{Host: s.host, Port: s.port, Err: err}
	}
	s.log.WithError(err).Error("Connect failed")
	return err
}

// VerifyHostIdentity checks the negotiated host key against the store. With
// no store configured verification is skipped.
func (s *Session) VerifyHostIdentity() error {
	if err := s.expect("verify host identity", StateNegotiated); err != nil {
		return err
	}

	store := s.opts.HostKeys
	if store == nil {
		s.log.Warn("Host key verification disabled")
		return nil
	}

	presented := s.transport.RemoteHostKey()
	if presented == nil {
		s.Close()
		return errors.New("server presented no host key")
	}

	want, ok, err := store.Lookup(s.host, s.port, presented.Type())
	if err != nil {
		s.Close()
		return errors.Wrap(err, "host key lookup failed")
	}
	if !ok {
		s.log.Error("No host key found")
		s.Close()
		return &UnknownHostError{Host: s.host}
	}

	wantFP, gotFP := ssh.FingerprintSHA256(want), ssh.FingerprintSHA256(presented)
	if wantFP != gotFP {
		s.log.WithFields(logrus.Fields{
			"expected":  wantFP,
			"presented": gotFP,
		}).Error("Host key mismatch")
		s.Close()
		return &HostKeyMismatchError{Host: s.host, Expected: wantFP, Presented: gotFP}
	}

	s.mu.Lock()
	s.verified = true
	s.mu.Unlock()
	s.log.WithField("fingerprint", gotFP).Debug("Host key verified")
	return nil
}

// Authenticate logs in with cred. Key material is used when present,
// otherwise the password. On success the session is ACTIVE.
func (s *Session) Authenticate(ctx context.Context, cred Credential) error {
	if err := s.expect("authenticate", StateNegotiated); err != nil {
		return err
	}

	s.mu.Lock()
	verified := s.verified
	s.mu.Unlock()
	if s.opts.HostKeys != nil && !verified {
		return ErrHostNotVerified
	}

	signers, err := cred.resolveSigners()
	if err != nil {
		s.log.WithError(err).Error("Unable to load credentials")
		s.Close()
		return err
	}

	switch {
	case len(signers) > 0:
		err = s.transport.AuthenticateByPublicKey(ctx, s.user, signers)
	case cred.Password != "":
		err = s.transport.AuthenticateByPassword(ctx, s.user, cred.Password)
	default:
		s.Close()
		return &CredentialError{Msg: "no password or key specified"}
	}
	if err != nil {
		s.log.WithError(err).WithField("user", s.user).Error("Authentication failed")
		s.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "authentication failed for %s@%s", s.user, s.host)
	}

	s.setState(StateAuthenticated)
	s.log.WithField("user", s.user).Debug("Authenticated")
	s.setState(StateActive)
	return nil
}

// OpenChannel acquires a channel for one operation. Unless keepalive is set
// the channel closes when the scope is released.
func (s *Session) OpenChannel(ctx context.Context, keepalive bool) (*ChannelScope, error) {
	if err := s.expect("open channel", StateActive); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	ch, err := s.transport.OpenChannel(name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	ch.SetTimeout(s.Timeout())

	if dir := s.DefaultPath(); dir != "" {
		s.log.WithField("channel", name).Debugf("Current Working Directory: [%s]", dir)
		if err := ch.Chdir(dir); err != nil {
			ch.Close()
			return nil, &IOFailureError{Op: "chdir", Path: dir, Err: err}
		}
	}

	return &ChannelScope{channel: ch, keepalive: keepalive, log: s.log}, nil
}

// Close shuts the transport down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	err := s.transport.Close()
	if lerr := s.log.close(); err == nil {
		err = lerr
	}
	s.log.Debug("Session closed")
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Host() string { return s.host }

func (s *Session) Port() int { return s.port }

func (s *Session) Username() string { return s.user }

// DefaultPath is the directory new channels start in. Empty means the
// server's login directory.
func (s *Session) DefaultPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultPath
}

func (s *Session) setDefaultPath(p string) {
	s.mu.Lock()
	s.defaultPath = p
	s.mu.Unlock()
}

// Timeout is applied to each channel when it opens.
func (s *Session) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// SetTimeout changes the timeout for channels opened from now on.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
}

// RemoteServerKey returns the host key presented by the server.
func (s *Session) RemoteServerKey() ssh.PublicKey {
	return s.transport.RemoteHostKey()
}

// SecurityOptions returns the algorithm lists offered by the transport, in
// preference order and with disabled algorithms removed. These are not the
// negotiated algorithms: golang.org/x/crypto/ssh does not report which
// cipher or MAC the server picked. RemoteServerKey().Type() gives the type
// of the host key the server presented.
func (s *Session) SecurityOptions() SecurityOptions {
	return s.transport.SecurityOptions()
}

// ActiveCompression reports whether the transport compresses traffic.
func (s *Session) ActiveCompression() bool {
	return s.transport.Compression()
}

// LogFile returns the path of the session log file, if any.
func (s *Session) LogFile() string {
	return s.log.path
}

// Logger returns the session logger.
func (s *Session) Logger() logrus.FieldLogger {
	return s.log
}
