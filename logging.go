package sftpx

import (
	"io"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// LogMode selects where a session writes its log.
type LogMode int

const (
	// LogDisabled keeps logs on stderr only.
	LogDisabled LogMode = iota
	// LogTempFile writes to a fresh file in the temp directory.
	LogTempFile
	// LogFile writes to LogConfig.Path.
	LogFile
)

// LogConfig configures the logger a session creates for itself. It is
// ignored when Config.Logger is set.
type LogConfig struct {
	Mode LogMode

	// Path is the log file for LogFile mode.
	Path string

	// Level is a logrus level name. Defaults to "info".
	Level string

	// MaxAge enables daily rotation, removing files older than MaxAge.
	MaxAge time.Duration
}

// sessionLogger is a logger owned by one session. Hooks it installs are
// removed again by close.
type sessionLogger struct {
	logrus.FieldLogger

	owned  *logrus.Logger
	path   string
	closer io.Closer
}

func newSessionLogger(base logrus.FieldLogger, cfg LogConfig, fields logrus.Fields) (*sessionLogger, error) {
	if base != nil {
		return &sessionLogger{FieldLogger: base.WithFields(fields)}, nil
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, errors.Wrap(err, "invalid log level")
		}
		level = lvl
	}

	l := logrus.New()
	l.SetLevel(level)
	sl := &sessionLogger{owned: l}

	switch cfg.Mode {
	case LogDisabled:
		l.SetOutput(os.Stderr)
	case LogTempFile:
		f, err := os.CreateTemp("", "sftpx-*.txt")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create temporary log file")
		}
		f.Close()
		sl.path = f.Name()
	case LogFile:
		if cfg.Path == "" {
			return nil, errors.New("log file mode requires a path")
		}
		p := ExpandPath(cfg.Path)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create log directory")
		}
		sl.path = p
	default:
		return nil, errors.Errorf("unknown log mode %d", cfg.Mode)
	}

	if sl.path != "" {
		formatter := &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}

		if cfg.MaxAge > 0 {
			w, err := rotatelogs.New(
				sl.path+".%Y%m%d",
				rotatelogs.WithLinkName(sl.path),
				rotatelogs.WithMaxAge(cfg.MaxAge),
				rotatelogs.WithRotationTime(24*time.Hour),
			)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to initialize log rotation for %s", sl.path)
			}
			writers := lfshook.WriterMap{}
			for _, lvl := range logrus.AllLevels {
				writers[lvl] = w
			}
			l.AddHook(lfshook.NewHook(writers, formatter))
			sl.closer = w
		} else {
			paths := lfshook.PathMap{}
			for _, lvl := range logrus.AllLevels {
				paths[lvl] = sl.path
			}
			l.AddHook(lfshook.NewHook(paths, formatter))
		}
		l.SetOutput(io.Discard)
	}

	sl.FieldLogger = l.WithFields(fields)
	if sl.path != "" {
		sl.Infof("Logging to file: [%s]", sl.path)
	}
	return sl, nil
}

// close detaches file hooks so the file is no longer written.
func (l *sessionLogger) close() error {
	if l.owned != nil {
		l.owned.ReplaceHooks(make(logrus.LevelHooks))
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
