package sftpx

import (
	"context"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
)

// Chdir makes dir the starting directory of every channel opened from now
// on. Relative paths resolve against the current default path.
func (s *Session) Chdir(ctx context.Context, dir string) error {
	p, err := s.Normalize(ctx, dir)
	if err != nil {
		return err
	}
	ok, err := s.IsDir(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return &IOFailureError{Op: "chdir", Path: p, Err: errors.New("not a directory")}
	}
	s.setDefaultPath(p)
	return nil
}

// Cd runs fn with dir as the default path and restores the previous default
// path afterwards. An empty dir leaves the default path unchanged while fn
// runs.
func (s *Session) Cd(ctx context.Context, dir string, fn func() error) error {
	prev := s.DefaultPath()
	defer s.setDefaultPath(prev)

	if dir != "" {
		if err := s.Chdir(ctx, dir); err != nil {
			return err
		}
	}
	return fn()
}

// Pwd returns the absolute current working directory.
func (s *Session) Pwd(ctx context.Context) (string, error) {
	return s.Normalize(ctx, ".")
}

// Getcwd returns the default path, or the empty string when none was set.
func (s *Session) Getcwd() string {
	return s.DefaultPath()
}

// Normalize resolves p to an absolute remote path.
func (s *Session) Normalize(ctx context.Context, p string) (string, error) {
	return channelValue(ctx, s, func(ch Channel) (string, error) {
		return ch.Normalize(p)
	})
}

func (s *Session) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	return channelValue(ctx, s, func(ch Channel) (os.FileInfo, error) {
		return ch.Stat(p)
	})
}

// Lstat is Stat without following symlinks.
func (s *Session) Lstat(ctx context.Context, p string) (os.FileInfo, error) {
	return channelValue(ctx, s, func(ch Channel) (os.FileInfo, error) {
		return ch.Lstat(p)
	})
}

func existence(fi os.FileInfo, err error) (os.FileInfo, bool, error) {
	if err == nil {
		return fi, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	return nil, false, err
}

// Exists reports whether p exists, following symlinks.
func (s *Session) Exists(ctx context.Context, p string) (bool, error) {
	_, ok, err := existence(s.Stat(ctx, p))
	return ok, err
}

// Lexists reports whether p exists without following symlinks.
func (s *Session) Lexists(ctx context.Context, p string) (bool, error) {
	_, ok, err := existence(s.Lstat(ctx, p))
	return ok, err
}

func (s *Session) IsDir(ctx context.Context, p string) (bool, error) {
	fi, ok, err := existence(s.Stat(ctx, p))
	return ok && fi.IsDir(), err
}

func (s *Session) IsFile(ctx context.Context, p string) (bool, error) {
	fi, ok, err := existence(s.Stat(ctx, p))
	return ok && fi.Mode().IsRegular(), err
}

// ListDir returns the names in dir, sorted.
func (s *Session) ListDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := s.ListDirAttr(ctx, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// ListDirAttr returns the entries of dir sorted by name.
func (s *Session) ListDirAttr(ctx context.Context, dir string) ([]os.FileInfo, error) {
	entries, err := channelValue(ctx, s, func(ch Channel) ([]os.FileInfo, error) {
		return ch.ReadDir(dir)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Mkdir creates a single directory. A zero mode means DefaultDirMode.
func (s *Session) Mkdir(ctx context.Context, dir string, mode os.FileMode) error {
	if mode == 0 {
		mode = DefaultDirMode
	}
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Mkdir(dir, mode)
	})
}

func (s *Session) Rmdir(ctx context.Context, dir string) error {
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Rmdir(dir)
	})
}

// Remove deletes a file.
func (s *Session) Remove(ctx context.Context, p string) error {
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Remove(p)
	})
}

// Rename moves oldpath to newpath, replacing newpath if it exists.
func (s *Session) Rename(ctx context.Context, oldpath, newpath string) error {
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Rename(oldpath, newpath)
	})
}

func (s *Session) Chmod(ctx context.Context, p string, mode os.FileMode) error {
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Chmod(p, mode)
	})
}

// Chown changes ownership. A negative uid or gid keeps the current value.
func (s *Session) Chown(ctx context.Context, p string, uid, gid int) error {
	return s.withChannel(ctx, func(ch Channel) error {
		if uid < 0 || gid < 0 {
			fi, err := ch.Stat(p)
			if err != nil {
				return err
			}
			curUID, curGID, ok := ownership(fi)
			if !ok {
				return errors.Errorf("no ownership information for %s", p)
			}
			if uid < 0 {
				uid = curUID
			}
			if gid < 0 {
				gid = curGID
			}
		}
		return ch.Chown(p, uid, gid)
	})
}

func ownership(fi os.FileInfo) (uid, gid int, ok bool) {
	st, ok := fi.Sys().(*sftp.FileStat)
	if !ok {
		return 0, 0, false
	}
	return int(st.UID), int(st.GID), true
}

// Chtimes sets access and modification times.
func (s *Session) Chtimes(ctx context.Context, p string, atime, mtime time.Time) error {
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Chtimes(p, atime, mtime)
	})
}

// Symlink creates link pointing at target.
func (s *Session) Symlink(ctx context.Context, target, link string) error {
	return s.withChannel(ctx, func(ch Channel) error {
		return ch.Symlink(target, link)
	})
}

// ReadLink returns the normalized target of a symlink.
func (s *Session) ReadLink(ctx context.Context, p string) (string, error) {
	return channelValue(ctx, s, func(ch Channel) (string, error) {
		target, err := ch.ReadLink(p)
		if err != nil {
			return "", err
		}
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(p), target)
		}
		return ch.Normalize(target)
	})
}

// Truncate sets the size of p and returns the size the server reports
// afterwards.
func (s *Session) Truncate(ctx context.Context, p string, size int64) (int64, error) {
	return channelValue(ctx, s, func(ch Channel) (int64, error) {
		if err := ch.Truncate(p, size); err != nil {
			return 0, err
		}
		fi, err := ch.Stat(p)
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	})
}

// RemoteFile is a file opened with Session.Open. Closing it also releases
// the channel it was opened on.
type RemoteFile struct {
	File
	scope *ChannelScope
}

func (f *RemoteFile) Close() error {
	err := f.File.Close()
	if cerr := f.scope.Close(); err == nil {
		err = cerr
	}
	return err
}

// Open opens p with the given os.O_* flags on a dedicated channel.
func (s *Session) Open(ctx context.Context, p string, flag int) (*RemoteFile, error) {
	scope, err := s.OpenChannel(ctx, true)
	if err != nil {
		return nil, err
	}
	f, err := scope.Channel().OpenFile(p, flag)
	if err != nil {
		scope.Close()
		return nil, &IOFailureError{Op: "open", Path: p, Err: err}
	}
	return &RemoteFile{File: f, scope: scope}, nil
}

// Execute runs command on the remote host and returns its standard output,
// or its standard error when nothing was written to standard output. The
// command runs without regard to the default path.
func (s *Session) Execute(ctx context.Context, command string, policy RetryPolicy) ([]byte, error) {
	if err := s.expect("execute", StateActive); err != nil {
		return nil, err
	}
	return Retry(ctx, policy.WithLogger(s.log), "execute", func() ([]byte, error) {
		stdout, stderr, err := s.transport.Exec(ctx, command)
		if err != nil {
			return nil, err
		}
		if len(stdout) > 0 {
			return stdout, nil
		}
		return stderr, nil
	})
}
