package sftpx

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testHost     = "sftp.test"
	testUser     = "tester"
	testPassword = "secret"
)

// generateTestRSAKey creates a test RSA private key and returns both PEM-encoded
// key content and a path to a temp file containing the key.
func generateTestRSAKey(t *testing.T) (string, string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}))
	return keyPEM, writeTestKey(t, keyPEM)
}

// generateTestECKey returns a SEC1 encoded ECDSA key.
func generateTestECKey(t *testing.T) string {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

// generateTestOpenSSHKey returns an ed25519 key in OpenSSH format, encrypted
// when passphrase is not empty.
func generateTestOpenSSHKey(t *testing.T, passphrase string) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test", []byte(passphrase))
	}
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block)), sshPub
}

func writeTestKey(t *testing.T, keyPEM string) string {
	t.Helper()

	keyPath := filepath.Join(t.TempDir(), "test_key")
	require.NoError(t, os.WriteFile(keyPath, []byte(keyPEM), 0o600))
	return keyPath
}

// newHostSigner returns a fresh ed25519 host key.
func newHostSigner(t testing.TB) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// createTestFileStructure creates a directory structure with files for testing.
// Files is a map of relative path -> content.
func createTestFileStructure(t testing.TB, files map[string][]byte) string {
	t.Helper()

	tmpDir := t.TempDir()
	for relPath, content := range files {
		fullPath := filepath.Join(tmpDir, relPath)
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(t, os.WriteFile(fullPath, content, 0o644))
	}
	return tmpDir
}

// assertFileContents verifies that a file has the expected content.
func assertFileContents(t *testing.T, path string, expected []byte) {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(expected), string(content))
}

// newTestLogger returns a logger that only records entries.
func newTestLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// fakeTransport is an in-memory Transport. Its channels talk to sftp servers
// running over pipes against the local filesystem.
type fakeTransport struct {
	mu sync.Mutex

	hostKey    ssh.PublicKey
	password   string
	authorized []ssh.PublicKey

	connectErr   error
	handshakeErr error
	channelErr   error
	execStdout   []byte
	execStderr   []byte
	execErr      error

	// wrapChannel, when set, decorates every channel handed out.
	wrapChannel func(Channel) Channel

	endpoint    Endpoint
	security    SecurityOptions
	disabled    map[string][]string
	keepalive   time.Duration
	compression bool
	active      bool
	closed      bool
	authUser    string

	attempts     atomic.Int32
	opened       atomic.Int32
	closedChans  atomic.Int32
	channelNames []string
}

func newFakeTransport(hostKey ssh.PublicKey) *fakeTransport {
	return &fakeTransport{hostKey: hostKey, password: testPassword}
}

func (f *fakeTransport) Connect(ctx context.Context, ep Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = ep
	return f.connectErr
}

func (f *fakeTransport) SetKeepalive(d time.Duration) {
	f.mu.Lock()
	f.keepalive = d
	f.mu.Unlock()
}

func (f *fakeTransport) SetCompression(enabled bool) {
	f.mu.Lock()
	f.compression = enabled
	f.mu.Unlock()
}

func (f *fakeTransport) SetSecurityOptions(opts SecurityOptions) {
	f.mu.Lock()
	f.security = opts
	f.mu.Unlock()
}

func (f *fakeTransport) SetDisabledAlgorithms(d map[string][]string) {
	f.mu.Lock()
	f.disabled = d
	f.mu.Unlock()
}

func (f *fakeTransport) StartHandshake(ctx context.Context, _ time.Duration) error {
	return f.handshakeErr
}

func (f *fakeTransport) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active && !f.closed
}

func (f *fakeTransport) RemoteHostKey() ssh.PublicKey { return f.hostKey }

func (f *fakeTransport) AuthenticateByPassword(_ context.Context, user, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if password != f.password {
		return errors.New("ssh: unable to authenticate, attempted methods [none password]")
	}
	f.authUser = user
	f.active = true
	return nil
}

func (f *fakeTransport) AuthenticateByPublicKey(_ context.Context, user string, signers []ssh.Signer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range signers {
		for _, k := range f.authorized {
			if string(s.PublicKey().Marshal()) == string(k.Marshal()) {
				f.authUser = user
				f.active = true
				return nil
			}
		}
	}
	return errors.New("ssh: unable to authenticate, attempted methods [none publickey]")
}

func (f *fakeTransport) OpenChannel(name string) (Channel, error) {
	f.attempts.Add(1)
	f.mu.Lock()
	if f.channelErr != nil {
		f.mu.Unlock()
		return nil, f.channelErr
	}
	f.channelNames = append(f.channelNames, name)
	wrap := f.wrapChannel
	f.mu.Unlock()

	client, err := newPipeSFTPClient()
	if err != nil {
		return nil, err
	}
	f.opened.Add(1)
	var ch Channel = &trackedChannel{sftpChannel: newSFTPChannel(name, client), owner: f}
	if wrap != nil {
		ch = wrap(ch)
	}
	return ch, nil
}

func (f *fakeTransport) Exec(ctx context.Context, _ string) ([]byte, []byte, error) {
	return f.execStdout, f.execStderr, f.execErr
}

func (f *fakeTransport) SecurityOptions() SecurityOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.security
}

func (f *fakeTransport) Compression() bool { return false }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.active = false
	return nil
}

// openChannels returns the number of channels not yet closed.
func (f *fakeTransport) openChannels() int {
	return int(f.opened.Load() - f.closedChans.Load())
}

type trackedChannel struct {
	*sftpChannel
	owner *fakeTransport
	once  sync.Once
}

func (c *trackedChannel) Close() error {
	c.once.Do(func() { c.owner.closedChans.Add(1) })
	return c.sftpChannel.Close()
}

// newPipeSFTPClient connects an sftp client to an in-process server serving
// the local filesystem.
func newPipeSFTPClient() (*sftp.Client, error) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite})
	if err != nil {
		return nil, err
	}
	go func() {
		_ = server.Serve()
		server.Close()
	}()

	return sftp.NewClientPipe(clientRead, clientWrite)
}

type testEnv struct {
	session    *Session
	transport  *fakeTransport
	hostSigner ssh.Signer
	remoteRoot string
	hook       *test.Hook
	logger     *logrus.Logger
}

// newTestEnv dials a session over a fakeTransport whose remote side is a
// temp directory. customize may adjust the config before dialing.
func newTestEnv(t *testing.T, customize ...func(*Config, *fakeTransport)) *testEnv {
	t.Helper()

	signer := newHostSigner(t)
	ft := newFakeTransport(signer.PublicKey())
	store := NewHostKeyStore()
	store.Add(testHost, 22, signer.PublicKey())

	logger, hook := newTestLogger()
	remoteRoot := t.TempDir()

	cfg := Config{
		Host:        testHost,
		User:        testUser,
		Password:    testPassword,
		DefaultPath: remoteRoot,
		Options:     &ConnectionOptions{HostKeys: store},
		Logger:      logger,
		TransportFactory: func(logrus.FieldLogger) Transport {
			return ft
		},
	}
	for _, fn := range customize {
		fn(&cfg, ft)
	}

	s, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &testEnv{
		session:    s,
		transport:  ft,
		hostSigner: signer,
		remoteRoot: remoteRoot,
		hook:       hook,
		logger:     logger,
	}
}

// remote returns the absolute path of rel under the remote root.
func (e *testEnv) remote(rel string) string {
	return filepath.Join(e.remoteRoot, filepath.FromSlash(rel))
}

// testSSHServer is a minimal ssh server with sftp and exec support, used to
// exercise SSHTransport end to end.
type testSSHServer struct {
	addr       string
	host       string
	port       int
	hostSigner ssh.Signer
	listener   net.Listener
	wg         sync.WaitGroup
}

func startTestSSHServer(t testing.TB, password string, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()

	srv := &testSSHServer{hostSigner: newHostSigner(t)}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if password != "" && string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(srv.hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = l
	srv.addr = l.Addr().String()
	tcp := l.Addr().(*net.TCPAddr)
	srv.host, srv.port = tcp.IP.String(), tcp.Port

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, cfg)
		}
	}()

	t.Cleanup(func() {
		l.Close()
		srv.wg.Wait()
	})
	return srv
}

func (s *testSSHServer) serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "subsystem":
			if string(payloadString(req.Payload)) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				_ = server.Serve()
				server.Close()
			}()
		case "exec":
			req.Reply(true, nil)
			cmd := string(payloadString(req.Payload))
			var status uint32
			switch cmd {
			case "fail":
				io.WriteString(ch.Stderr(), "command failed\n")
				status = 1
			default:
				io.WriteString(ch, "ran: "+cmd+"\n")
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			ch.Close()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// payloadString decodes an ssh string from a request payload.
func payloadString(b []byte) []byte {
	if len(b) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if int(n) > len(b)-4 {
		return nil
	}
	return b[4 : 4+n]
}
