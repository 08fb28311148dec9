package sftpx

import (
	"context"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Endpoint identifies the remote side of a transport.
type Endpoint struct {
	Host string
	Port int
	User string
}

// SecurityOptions lists the negotiated-algorithm preferences of a transport,
// most preferred first. An empty list leaves the transport default in place.
type SecurityOptions struct {
	Ciphers      []string
	Digests      []string
	KeyExchanges []string
	KeyTypes     []string
}

// Transport is the secure-transport capability a Session drives. The default
// implementation is built on golang.org/x/crypto/ssh; tests substitute their
// own.
type Transport interface {
	// Connect opens the underlying byte stream. No protocol traffic is sent.
	Connect(ctx context.Context, ep Endpoint) error
	SetKeepalive(interval time.Duration)
	SetCompression(enabled bool)
	SetSecurityOptions(opts SecurityOptions)
	SetDisabledAlgorithms(disabled map[string][]string)

	// StartHandshake negotiates algorithms and obtains the server host key.
	// It returns once the key is known; authentication happens later.
	StartHandshake(ctx context.Context, timeout time.Duration) error
	IsActive() bool
	RemoteHostKey() ssh.PublicKey

	AuthenticateByPassword(ctx context.Context, user, password string) error
	AuthenticateByPublicKey(ctx context.Context, user string, signers []ssh.Signer) error

	// OpenChannel opens a new file-system channel over the transport.
	OpenChannel(name string) (Channel, error)
	// Exec runs a command on its own channel and returns stdout and stderr.
	Exec(ctx context.Context, cmd string) (stdout, stderr []byte, err error)

	SecurityOptions() SecurityOptions
	Compression() bool
	Close() error
}

// Channel is one file-system channel. Relative paths resolve against the
// channel's working directory.
type Channel interface {
	Name() string
	Chdir(dir string) error
	Getwd() (string, error)
	Normalize(p string) (string, error)

	Stat(p string) (os.FileInfo, error)
	Lstat(p string) (os.FileInfo, error)
	ReadDir(p string) ([]os.FileInfo, error)
	Open(p string) (File, error)
	OpenFile(p string, flag int) (File, error)

	Chmod(p string, mode os.FileMode) error
	Chown(p string, uid, gid int) error
	Chtimes(p string, atime, mtime time.Time) error
	Remove(p string) error
	Rename(oldpath, newpath string) error
	Rmdir(p string) error
	Mkdir(p string, mode os.FileMode) error
	Symlink(target, link string) error
	ReadLink(p string) (string, error)
	Truncate(p string, size int64) error

	SetTimeout(d time.Duration)
	Timeout() time.Duration
	Close() error
}

// File is an open remote file.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Stat() (os.FileInfo, error)
}
