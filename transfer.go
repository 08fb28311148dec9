package sftpx

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
)

// TransferOptions controls a single file transfer.
type TransferOptions struct {
	// Progress is called with cumulative progress. Defaults to debug logging.
	Progress ProgressFunc

	// PreserveMtime copies modification (and, for downloads, access) times
	// to the destination.
	PreserveMtime bool

	// Resume continues a partial transfer from the size already present at
	// the destination.
	Resume bool

	// SkipConfirm disables the size check after an upload.
	SkipConfirm bool

	// Retry wraps each attempt. The zero value disables retry.
	Retry RetryPolicy
}

// TransferResult describes a completed transfer.
type TransferResult struct {
	Remote string
	Local  string

	// Bytes is the number of bytes moved by this call.
	Bytes int64
	// Size is the size of the destination afterwards.
	Size int64

	Resumed bool
	Skipped bool

	// Attrs holds the remote attributes after an upload, when confirmed.
	Attrs os.FileInfo
}

func (s *Session) progressFor(fn ProgressFunc, name string) ProgressFunc {
	if fn != nil {
		return fn
	}
	return logProgress(s.log, name)
}

// Get downloads remote to local. An empty local uses the remote base name in
// the current directory.
func (s *Session) Get(ctx context.Context, remote, local string, opts TransferOptions) (*TransferResult, error) {
	if local == "" {
		local = path.Base(remote)
	}
	progress := s.progressFor(opts.Progress, remote)
	policy := opts.Retry.WithLogger(s.log)

	return Retry(ctx, policy, "get "+remote, func() (*TransferResult, error) {
		return channelValue(ctx, s, func(ch Channel) (*TransferResult, error) {
			return s.get(ctx, ch, remote, local, opts, progress)
		})
	})
}

func (s *Session) get(ctx context.Context, ch Channel, remote, local string, opts TransferOptions, progress ProgressFunc) (*TransferResult, error) {
	fi, err := ch.Stat(remote)
	if err != nil {
		return nil, &IOFailureError{Op: "stat", Path: remote, Err: err}
	}
	if fi.IsDir() {
		return nil, &IOFailureError{Op: "get", Path: remote, Err: errors.New("is a directory")}
	}

	total := fi.Size()
	res := &TransferResult{Remote: remote, Local: local, Size: total}
	log := s.log.WithFields(logrus.Fields{"remote": remote, "local": local})

	var offset int64
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if opts.Resume {
		lfi, err := os.Stat(local)
		switch {
		case err == nil:
			offset = lfi.Size()
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}

		if offset >= total {
			log.Debug("Local file is complete, nothing to resume")
			res.Skipped = true
			res.Size = offset
			if opts.PreserveMtime {
				if err := applyRemoteTimes(local, fi); err != nil {
					return nil, err
				}
			}
			return res, nil
		}
		if offset > 0 {
			flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
			res.Resumed = true
			log.WithField("offset", offset).Debug("Resuming download")
		}
	}

	rf, err := ch.Open(remote)
	if err != nil {
		return nil, &IOFailureError{Op: "open", Path: remote, Err: err}
	}
	defer rf.Close()

	if offset > 0 {
		if _, err := rf.Seek(offset, io.SeekStart); err != nil {
			return nil, &IOFailureError{Op: "seek", Path: remote, Err: err}
		}
	}

	lf, err := os.OpenFile(local, flag, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open local file")
	}

	pw := &progressWriter{ctx: ctx, w: lf, offset: offset, total: total, fn: progress}
	_, err = io.Copy(pw, rf)
	if cerr := lf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &IOFailureError{Op: "get", Path: remote, Err: err}
	}
	pw.finish()

	if opts.PreserveMtime {
		if err := applyRemoteTimes(local, fi); err != nil {
			return nil, err
		}
	}

	res.Bytes = pw.n
	res.Size = offset + pw.n
	return res, nil
}

// remoteTimes extracts access and modification times from remote attrs.
func remoteTimes(fi os.FileInfo) (atime, mtime time.Time) {
	mtime = fi.ModTime()
	atime = mtime
	if st, ok := fi.Sys().(*sftp.FileStat); ok && st.Atime != 0 {
		atime = time.Unix(int64(st.Atime), 0)
	}
	return atime, mtime
}

func applyRemoteTimes(local string, fi os.FileInfo) error {
	atime, mtime := remoteTimes(fi)
	return errors.Wrap(os.Chtimes(local, atime, mtime), "failed to set local times")
}

// GetFO streams remote into w and returns the number of bytes written.
func (s *Session) GetFO(ctx context.Context, remote string, w io.Writer, opts TransferOptions) (int64, error) {
	progress := s.progressFor(opts.Progress, remote)
	policy := opts.Retry.WithLogger(s.log)

	// A retry continues from the bytes already written to w.
	var written int64
	return Retry(ctx, policy, "getfo "+remote, func() (int64, error) {
		return channelValue(ctx, s, func(ch Channel) (int64, error) {
			rf, err := ch.Open(remote)
			if err != nil {
				return written, &IOFailureError{Op: "open", Path: remote, Err: err}
			}
			defer rf.Close()

			var total int64
			if fi, err := rf.Stat(); err == nil {
				total = fi.Size()
			}

			if written > 0 {
				s.log.WithFields(logrus.Fields{"remote": remote, "offset": written}).Debug("Continuing download")
				if _, err := rf.Seek(written, io.SeekStart); err != nil {
					return written, &IOFailureError{Op: "seek", Path: remote, Err: err}
				}
			}

			pw := &progressWriter{ctx: ctx, w: w, offset: written, total: total, fn: progress}
			_, err = io.Copy(pw, rf)
			written += pw.n
			if err != nil {
				if ctx.Err() != nil {
					return written, ctx.Err()
				}
				return written, &IOFailureError{Op: "getfo", Path: remote, Err: err}
			}
			pw.finish()
			return written, nil
		})
	})
}

// Put uploads local to remote. An empty remote uses the local base name in
// the channel's working directory.
func (s *Session) Put(ctx context.Context, local, remote string, opts TransferOptions) (*TransferResult, error) {
	if remote == "" {
		remote = filepath.Base(local)
	}
	progress := s.progressFor(opts.Progress, local)
	policy := opts.Retry.WithLogger(s.log)

	return Retry(ctx, policy, "put "+local, func() (*TransferResult, error) {
		lf, err := os.Open(local)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &LocalFileMissingError{Path: local, Err: err}
			}
			return nil, err
		}
		defer lf.Close()

		lfi, err := lf.Stat()
		if err != nil {
			return nil, err
		}
		if !lfi.Mode().IsRegular() {
			return nil, errors.Errorf("%s is not a regular file", local)
		}

		return channelValue(ctx, s, func(ch Channel) (*TransferResult, error) {
			res, err := s.upload(ctx, ch, lf, lfi.Size(), remote, opts, progress)
			if err != nil {
				return nil, err
			}
			res.Local = local

			if opts.PreserveMtime {
				if err := ch.Chtimes(remote, lfi.ModTime(), lfi.ModTime()); err != nil {
					return nil, &IOFailureError{Op: "chtimes", Path: remote, Err: err}
				}
				if res.Attrs, err = ch.Stat(remote); err != nil {
					return nil, &IOFailureError{Op: "stat", Path: remote, Err: err}
				}
			}
			return res, nil
		})
	})
}

// PutFO uploads the contents of r to remote. A size of zero or less is
// derived by seeking when r is an io.Seeker. An empty remote uses the base
// of r's Name, or a generated name.
func (s *Session) PutFO(ctx context.Context, r io.Reader, remote string, size int64, opts TransferOptions) (*TransferResult, error) {
	seeker, seekable := r.(io.Seeker)

	var start int64
	if seekable {
		var err error
		if start, err = seeker.Seek(0, io.SeekCurrent); err != nil {
			return nil, errors.Wrap(err, "failed to determine source position")
		}
		if size <= 0 {
			end, err := seeker.Seek(0, io.SeekEnd)
			if err != nil {
				return nil, errors.Wrap(err, "failed to determine source size")
			}
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return nil, err
			}
			size = end - start
		}
	}

	if remote == "" {
		if named, ok := r.(interface{ Name() string }); ok && named.Name() != "" {
			remote = filepath.Base(named.Name())
		} else {
			remote = "sftpx-" + uuid.NewString()
		}
	}

	progress := s.progressFor(opts.Progress, remote)
	policy := opts.Retry.WithLogger(s.log)
	if !seekable && policy.Enabled() {
		s.log.WithField("remote", remote).Debug("Source is not seekable, upload will not be retried")
		policy = NoRetry().WithLogger(s.log)
		policy.Silent = true
	}
	attempt := 0

	return Retry(ctx, policy, "putfo "+remote, func() (*TransferResult, error) {
		attempt++
		if attempt > 1 {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return nil, errors.Wrap(err, "failed to rewind source")
			}
		}
		return channelValue(ctx, s, func(ch Channel) (*TransferResult, error) {
			return s.upload(ctx, ch, r, size, remote, opts, progress)
		})
	})
}

// upload copies r to remote over ch. With resume the remote file is opened
// without truncation and written from its current size onwards; r must then
// be seekable and positioned at the start of the content.
func (s *Session) upload(ctx context.Context, ch Channel, r io.Reader, size int64, remote string, opts TransferOptions, progress ProgressFunc) (*TransferResult, error) {
	res := &TransferResult{Remote: remote, Size: size}
	log := s.log.WithField("remote", remote)

	var offset int64
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if opts.Resume {
		rfi, err := ch.Stat(remote)
		switch {
		case err == nil:
			offset = rfi.Size()
		case !errors.Is(err, fs.ErrNotExist):
			return nil, &IOFailureError{Op: "stat", Path: remote, Err: err}
		}

		if size > 0 && offset >= size {
			log.Debug("Remote file is complete, nothing to resume")
			res.Skipped = true
			res.Size = offset
			res.Attrs = rfi
			return res, nil
		}
		if offset > 0 {
			seeker, ok := r.(io.Seeker)
			if !ok {
				return nil, errors.New("resume requires a seekable source")
			}
			if _, err := seeker.Seek(offset, io.SeekCurrent); err != nil {
				return nil, errors.Wrap(err, "failed to seek source")
			}
			flag = os.O_WRONLY | os.O_CREATE
			res.Resumed = true
			log.WithField("offset", offset).Debug("Resuming upload")
		}
	}

	rf, err := ch.OpenFile(remote, flag)
	if err != nil {
		return nil, &IOFailureError{Op: "open", Path: remote, Err: err}
	}
	if offset > 0 {
		if _, err := rf.Seek(offset, io.SeekStart); err != nil {
			rf.Close()
			return nil, &IOFailureError{Op: "seek", Path: remote, Err: err}
		}
	}

	pr := &progressReader{ctx: ctx, r: r, offset: offset, total: size, fn: progress}
	_, err = io.Copy(rf, pr)
	if cerr := rf.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &IOFailureError{Op: "put", Path: remote, Err: err}
	}
	pr.finish()

	res.Bytes = pr.n
	res.Size = offset + pr.n

	if !opts.SkipConfirm {
		fi, err := ch.Stat(remote)
		if err != nil {
			return nil, &IOFailureError{Op: "stat", Path: remote, Err: err}
		}
		if fi.Size() != res.Size {
			return nil, &SizeMismatchError{Path: remote, Expected: res.Size, Actual: fi.Size()}
		}
		res.Attrs = fi
	}
	return res, nil
}
