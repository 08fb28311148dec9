package sftpx

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PathPair links a directory to its counterpart on the other side.
type PathPair struct {
	Source string
	Target string
}

// TreeMapping maps a directory to its immediate subdirectories, each paired
// with the corresponding path in the other hierarchy. Values keep the order
// of the directory listing.
type TreeMapping map[string][]PathPair

// Walk returns (root, target) followed by every directory reachable from root,
// breadth first.
func (t TreeMapping) Walk(root, target string) []PathPair {
	out := []PathPair{{Source: root, Target: target}}
	for i := 0; i < len(out); i++ {
		out = append(out, t[out[i].Source]...)
	}
	return out
}

// relativeRemote returns child relative to root, both cleaned slash paths.
func relativeRemote(root, child string) string {
	if root == "/" {
		return strings.TrimPrefix(child, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(child, root), "/")
}

// MapRemoteTree records the directory structure under remoteRoot in tree.
// Local counterparts are localRoot joined with each directory's path relative
// to remoteRoot. Symlinks are not followed. Listing errors are returned as is.
func (s *Session) MapRemoteTree(ctx context.Context, tree TreeMapping, remoteRoot, localRoot string, recurse bool) error {
	return s.withChannel(ctx, func(ch Channel) error {
		root, err := ch.Normalize(remoteRoot)
		if err != nil {
			return err
		}

		queue := []string{root}
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			dir := queue[0]
			queue = queue[1:]

			entries, err := ch.ReadDir(dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				child := path.Join(dir, e.Name())
				local := filepath.Join(localRoot, filepath.FromSlash(relativeRemote(root, child)))
				tree[dir] = append(tree[dir], PathPair{Source: child, Target: local})
				if recurse {
					queue = append(queue, child)
				}
			}
		}
		return nil
	})
}

type localLevelResult struct {
	dir      string
	remote   string
	children []PathPair
}

// MapLocalTree records the directory structure under localRoot in tree, with
// remote counterparts under remoteRoot. Each directory level is listed by a
// bounded group of workers. An unreadable root is an error; a directory
// below it that cannot be read is logged and its subtree skipped.
func MapLocalTree(ctx context.Context, tree TreeMapping, localRoot, remoteRoot string, recurse bool, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	root, err := filepath.Abs(localRoot)
	if err != nil {
		return err
	}

	level, err := listLocalDirs(root, remoteRoot)
	if err != nil {
		return err
	}
	if len(level) > 0 {
		tree[root] = append(tree[root], level...)
	}
	if !recurse {
		return nil
	}

	for len(level) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		results := make([]localLevelResult, len(level))
		var g errgroup.Group
		g.SetLimit(DefaultWorkers())

		for i, p := range level {
			g.Go(func() error {
				children, err := listLocalDirs(p.Source, p.Target)
				if err != nil {
					log.WithError(err).WithField("dir", p.Source).Warn("Skipping unreadable directory")
					return nil
				}
				results[i] = localLevelResult{dir: p.Source, remote: p.Target, children: children}
				return nil
			})
		}
		_ = g.Wait()

		var next []PathPair
		for _, r := range results {
			if len(r.children) == 0 {
				continue
			}
			tree[r.dir] = append(tree[r.dir], r.children...)
			if recurse {
				next = append(next, r.children...)
			}
		}
		level = next
	}
	return nil
}

func listLocalDirs(dir, remote string) ([]PathPair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []PathPair
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, PathPair{
			Source: filepath.Join(dir, e.Name()),
			Target: path.Join(remote, e.Name()),
		})
	}
	return out, nil
}
