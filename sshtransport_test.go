package sftpx

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func dialTestServer(t *testing.T, srv *testSSHServer, customize ...func(*Config)) (*Session, error) {
	t.Helper()

	store := NewHostKeyStore()
	store.Add(srv.host, srv.port, srv.hostSigner.PublicKey())
	logger, _ := newTestLogger()

	cfg := Config{
		Host:     srv.host,
		Port:     srv.port,
		User:     testUser,
		Password: testPassword,
		Timeout:  5 * time.Second,
		Options:  &ConnectionOptions{HostKeys: store},
		Logger:   logger,
	}
	for _, fn := range customize {
		fn(&cfg)
	}

	s, err := Dial(context.Background(), cfg)
	if s != nil {
		t.Cleanup(func() { s.Close() })
	}
	return s, err
}

func TestSSHTransport_PasswordSession(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)
	remoteRoot := t.TempDir()

	s, err := dialTestServer(t, srv, func(cfg *Config) { cfg.DefaultPath = remoteRoot })
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, ssh.FingerprintSHA256(srv.hostSigner.PublicKey()), ssh.FingerprintSHA256(s.RemoteServerKey()))

	ctx := context.Background()
	local := createTestFileStructure(t, map[string][]byte{"poem.txt": []byte(poem)})

	_, err = s.Put(ctx, filepath.Join(local, "poem.txt"), "poem.txt", TransferOptions{PreserveMtime: true})
	require.NoError(t, err)
	assertFileContents(t, filepath.Join(remoteRoot, "poem.txt"), []byte(poem))

	dst := filepath.Join(t.TempDir(), "back.txt")
	_, err = s.Get(ctx, "poem.txt", dst, TransferOptions{})
	require.NoError(t, err)
	assertFileContents(t, dst, []byte(poem))

	names, err := s.ListDir(ctx, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"poem.txt"}, names)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
}

func TestSSHTransport_PublicKeySession(t *testing.T) {
	key, pub := generateTestOpenSSHKey(t, "")
	srv := startTestSSHServer(t, "", pub)

	s, err := dialTestServer(t, srv, func(cfg *Config) {
		cfg.Password = ""
		cfg.PrivateKey = key
	})
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())

	pwd, err := s.Pwd(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pwd)
}

func TestSSHTransport_WrongPassword(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)

	s, err := dialTestServer(t, srv, func(cfg *Config) { cfg.Password = "wrong" })
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Contains(t, err.Error(), "authentication failed for "+testUser)
}

func TestSSHTransport_HostKeyMismatch(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)

	store := NewHostKeyStore()
	store.Add(srv.host, srv.port, newHostSigner(t).PublicKey())

	_, err := dialTestServer(t, srv, func(cfg *Config) {
		cfg.Options = &ConnectionOptions{HostKeys: store}
	})
	var mismatch *HostKeyMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, ssh.FingerprintSHA256(srv.hostSigner.PublicKey()), mismatch.Presented)
}

func TestSSHTransport_Execute(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)
	s, err := dialTestServer(t, srv)
	require.NoError(t, err)

	out, err := s.Execute(context.Background(), "hostname", NoRetry())
	require.NoError(t, err)
	assert.Equal(t, "ran: hostname\n", string(out))

	out, err = s.Execute(context.Background(), "fail", NoRetry())
	require.NoError(t, err, "a non-zero exit status is not an error")
	assert.Equal(t, "command failed\n", string(out))
}

func TestSSHTransport_ConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	logger, _ := newTestLogger()
	_, err = Dial(context.Background(), Config{
		Host:     "127.0.0.1",
		Port:     addr.Port,
		User:     testUser,
		Password: testPassword,
		Timeout:  2 * time.Second,
		Options:  InsecureConnectionOptions(),
		Logger:   logger,
	})

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, addr.Port, connErr.Port)
	assert.True(t, IsRetryableError(err))
}

func TestSSHTransport_SilentServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	logger, _ := newTestLogger()
	start := time.Now()
	_, err = Dial(context.Background(), Config{
		Host:     "127.0.0.1",
		Port:     l.Addr().(*net.TCPAddr).Port,
		User:     testUser,
		Password: testPassword,
		Timeout:  200 * time.Millisecond,
		Options:  InsecureConnectionOptions(),
		Logger:   logger,
	})

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSSHTransport_NoCommonKeyExchange(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)

	_, err := dialTestServer(t, srv, func(cfg *Config) {
		opts := *cfg.Options
		opts.KeyExchanges = []string{"diffie-hellman-group1-sha1"}
		cfg.Options = &opts
	})

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	var hsErr *handshakeError
	assert.True(t, errors.As(err, &hsErr))
}

func TestSSHTransport_DisabledAlgorithms(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)

	s, err := dialTestServer(t, srv, func(cfg *Config) {
		opts := *cfg.Options
		opts.DisabledAlgorithms = map[string][]string{AlgCiphers: {"aes128-ctr", "aes128-gcm@openssh.com"}}
		cfg.Options = &opts
	})
	require.NoError(t, err)

	ciphers := s.SecurityOptions().Ciphers
	assert.NotEmpty(t, ciphers)
	assert.NotContains(t, ciphers, "aes128-ctr")
	assert.NotContains(t, ciphers, "aes128-gcm@openssh.com")

	// Only the presented host key type is observable after negotiation.
	assert.Equal(t, srv.hostSigner.PublicKey().Type(), s.RemoteServerKey().Type())
}

func TestSSHTransport_Keepalive(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)
	s, err := dialTestServer(t, srv, func(cfg *Config) { cfg.Keepalive = 20 * time.Millisecond })
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.True(t, s.healthy())
}

func TestSSHTransport_Compression(t *testing.T) {
	logger, hook := newTestLogger()
	tr := NewSSHTransport(logger)

	tr.SetCompression(true)
	assert.False(t, tr.Compression())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
}

func TestSSHTransport_AuthenticateOrder(t *testing.T) {
	tr := NewSSHTransport(nil)
	assert.Error(t, tr.AuthenticateByPassword(context.Background(), testUser, testPassword))
	assert.Error(t, tr.StartHandshake(context.Background(), time.Second))

	_, err := tr.OpenChannel("x")
	assert.Error(t, err)
	assert.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}

func TestFilterAlgorithms(t *testing.T) {
	defaults := []string{"a", "b", "c"}

	assert.Equal(t, []string{"x", "y"}, filterAlgorithms([]string{"x", "y"}, defaults, nil))
	assert.Empty(t, filterAlgorithms(nil, defaults, nil))
	assert.Equal(t, []string{"a", "c"}, filterAlgorithms(nil, defaults, []string{"b"}))
	assert.Equal(t, []string{"y"}, filterAlgorithms([]string{"x", "y"}, defaults, []string{"x"}))
}

func TestSFTPChannel_Timeout(t *testing.T) {
	c := newSFTPChannel("slow", nil)
	c.SetTimeout(10 * time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	_, err := call(c, "stat", func() (int, error) {
		<-release
		return 1, nil
	})
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.True(t, IsRetryableError(err))

	c.SetTimeout(0)
	v, err := call(c, "stat", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestSFTPChannel_Resolve(t *testing.T) {
	c := newSFTPChannel("r", nil)
	assert.Equal(t, "rel", c.resolve("rel"))
	assert.Equal(t, ".", c.resolve(""))
	assert.Equal(t, "/abs", c.resolve("/abs/./"))

	c.cwd = "/home/tester"
	assert.Equal(t, "/home/tester/rel", c.resolve("rel"))
	assert.Equal(t, "/home", c.resolve(".."))
	assert.Equal(t, "/etc/passwd", c.resolve("/etc/passwd"))
}

func TestSSHTransport_UploadLargeFile(t *testing.T) {
	srv := startTestSSHServer(t, testPassword, nil)
	remoteRoot := t.TempDir()
	s, err := dialTestServer(t, srv, func(cfg *Config) { cfg.DefaultPath = remoteRoot })
	require.NoError(t, err)

	payload := make([]byte, 3*1024*1024+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	local := createTestFileStructure(t, map[string][]byte{"large.bin": payload})

	res, err := s.Put(context.Background(), filepath.Join(local, "large.bin"), "large.bin", TransferOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), res.Size)

	got, err := os.ReadFile(filepath.Join(remoteRoot, "large.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
