package sftpx

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultDirMode is used by MkdirAll when no mode is given.
const DefaultDirMode os.FileMode = 0o777

// DefaultWorkers is the worker count for bulk transfers: NumCPU+4, at most 32.
func DefaultWorkers() int {
	return min(32, runtime.NumCPU()+4)
}

// Direction of a TransferTask.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "put"
	}
	return "get"
}

// TransferTask is one file of a bulk transfer.
type TransferTask struct {
	Direction Direction
	Remote    string
	Local     string
	Options   TransferOptions
}

func (t TransferTask) source() string {
	if t.Direction == Upload {
		return t.Local
	}
	return t.Remote
}

// BulkOptions controls directory transfers.
type BulkOptions struct {
	TransferOptions

	// Pattern keeps only files whose name contains it.
	Pattern string

	// Workers bounds concurrent transfers. Defaults to DefaultWorkers.
	Workers int
}

func (o BulkOptions) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return DefaultWorkers()
}

// GetDir downloads the regular files of remoteDir into localDir, which is
// created if needed. Subdirectories are ignored.
//
// The first failure cancels queued transfers and is returned. On success the
// result of whichever transfer finished first is returned; callers must not
// rely on which file that is. An empty directory yields (nil, nil).
func (s *Session) GetDir(ctx context.Context, remoteDir, localDir string, opts BulkOptions) (*TransferResult, error) {
	entries, err := channelValue(ctx, s, func(ch Channel) ([]os.FileInfo, error) {
		return ch.ReadDir(remoteDir)
	})
	if err != nil {
		return nil, &IOFailureError{Op: "listdir", Path: remoteDir, Err: err}
	}

	if fi, err := os.Stat(localDir); err != nil || !fi.IsDir() {
		if err := os.MkdirAll(localDir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create local directory")
		}
		s.log.Infof("Creating Folder [%s]!", localDir)
	}

	var tasks []TransferTask
	for _, e := range entries {
		if !e.Mode().IsRegular() || !strings.Contains(e.Name(), opts.Pattern) {
			continue
		}
		tasks = append(tasks, TransferTask{
			Direction: Download,
			Remote:    path.Join(remoteDir, e.Name()),
			Local:     filepath.Join(localDir, e.Name()),
			Options:   opts.TransferOptions,
		})
	}

	if len(tasks) == 0 {
		s.log.Infof("No files found in directory [%s]", remoteDir)
		return nil, nil
	}
	return s.dispatch(ctx, tasks, opts.workers())
}

// PutDir uploads the regular files of localDir into remoteDir, creating
// remoteDir and its parents. Result semantics match GetDir.
func (s *Session) PutDir(ctx context.Context, localDir, remoteDir string, opts BulkOptions) (*TransferResult, error) {
	if err := s.MkdirAll(ctx, remoteDir, DefaultDirMode); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list local directory")
	}

	var tasks []TransferTask
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.Contains(e.Name(), opts.Pattern) {
			continue
		}
		tasks = append(tasks, TransferTask{
			Direction: Upload,
			Remote:    path.Join(remoteDir, e.Name()),
			Local:     filepath.Join(localDir, e.Name()),
			Options:   opts.TransferOptions,
		})
	}

	if len(tasks) == 0 {
		s.log.Infof("No files found in directory [%s]", localDir)
		return nil, nil
	}
	return s.dispatch(ctx, tasks, opts.workers())
}

// dispatch runs tasks on a bounded pool and returns the first completed
// result, or the first error.
func (s *Session) dispatch(ctx context.Context, tasks []TransferTask, workers int) (*TransferResult, error) {
	log := s.log.WithField("pool", strings.ReplaceAll(uuid.NewString(), "-", ""))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var (
		once  sync.Once
		first *TransferResult
	)
	for _, task := range tasks {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, err := s.runTask(gctx, task)
			if err != nil {
				log.WithError(err).Errorf("Thread [%s]: [FAILED]", task.source())
				return err
			}
			log.Infof("Thread [%s]: [COMPLETE]", task.source())
			once.Do(func() { first = res })
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return first, nil
}

func (s *Session) runTask(ctx context.Context, t TransferTask) (*TransferResult, error) {
	if t.Direction == Upload {
		return s.Put(ctx, t.Local, t.Remote, t.Options)
	}
	return s.Get(ctx, t.Remote, t.Local, t.Options)
}

// GetTree downloads remoteDir recursively into localDir, one GetDir batch per
// directory, root first. Batches already finished stay on disk when a later
// one fails.
func (s *Session) GetTree(ctx context.Context, remoteDir, localDir string, opts BulkOptions) error {
	root, err := s.Normalize(ctx, remoteDir)
	if err != nil {
		return err
	}

	tree := TreeMapping{}
	if err := s.MapRemoteTree(ctx, tree, root, localDir, true); err != nil {
		return err
	}

	for _, p := range tree.Walk(root, localDir) {
		if _, err := s.GetDir(ctx, p.Source, p.Target, opts); err != nil {
			return err
		}
	}
	return nil
}

// PutTree uploads localDir recursively into remoteDir, one PutDir batch per
// directory, root first.
func (s *Session) PutTree(ctx context.Context, localDir, remoteDir string, opts BulkOptions) error {
	root, err := filepath.Abs(localDir)
	if err != nil {
		return err
	}

	tree := TreeMapping{}
	if err := MapLocalTree(ctx, tree, root, remoteDir, true, s.log); err != nil {
		return err
	}

	for _, p := range tree.Walk(root, remoteDir) {
		if _, err := s.PutDir(ctx, p.Source, p.Target, opts); err != nil {
			return err
		}
	}
	return nil
}

// MkdirAll creates dir and any missing parents. Existing directories are
// fine; a non-directory in the way is a *PathConflictError. A zero mode
// means DefaultDirMode.
func (s *Session) MkdirAll(ctx context.Context, dir string, mode os.FileMode) error {
	if mode == 0 {
		mode = DefaultDirMode
	}
	return s.withChannel(ctx, func(ch Channel) error {
		return mkdirAll(ch, dir, mode)
	})
}

func mkdirAll(ch Channel, dir string, mode os.FileMode) error {
	var missing []string

	cur := path.Clean(dir)
	for {
		fi, err := ch.Stat(cur)
		if err == nil {
			if !fi.IsDir() {
				return &PathConflictError{Path: cur}
			}
			break
		}
		// A file in the path shows up as a generic failure, not as
		// no-such-file, so any stat error means keep walking up.
		missing = append(missing, cur)

		parent := path.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	for i := len(missing) - 1; i >= 0; i-- {
		d := missing[i]
		if err := ch.Mkdir(d, mode); err != nil {
			// Another worker may have created it in the meantime.
			fi, serr := ch.Stat(d)
			switch {
			case serr == nil && fi.IsDir():
				continue
			case serr == nil:
				return &PathConflictError{Path: d}
			default:
				return &IOFailureError{Op: "mkdir", Path: d, Err: err}
			}
		}
	}
	return nil
}
