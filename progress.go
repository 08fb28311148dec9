package sftpx

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ProgressFunc receives the cumulative bytes transferred and the total size.
type ProgressFunc func(transferred, total int64)

// Percent returns done as a percentage of total, or 0 when total is unknown.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) * 100 / float64(total)
}

// logProgress returns a ProgressFunc writing debug entries for name.
func logProgress(log logrus.FieldLogger, name string) ProgressFunc {
	return func(transferred, total int64) {
		log.Debugf("Transfer of File: [%s] @ %.1f%% %s:%s", name,
			Percent(transferred, total),
			humanize.Bytes(uint64(transferred)), humanize.Bytes(uint64(max(total, 0))))
	}
}

// progressWriter counts bytes written through it, reporting offset+n to fn.
// It stops with the context error once ctx is done.
type progressWriter struct {
	ctx      context.Context
	w        io.Writer
	offset   int64
	n        int64
	total    int64
	fn       ProgressFunc
	reported int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	p.n += int64(n)
	if n > 0 {
		p.report()
	}
	return n, err
}

func (p *progressWriter) report() {
	if p.fn == nil {
		return
	}
	pos := p.offset + p.n
	p.fn(pos, p.total)
	p.reported = pos
}

// finish reports the final position unless it was the last one reported.
func (p *progressWriter) finish() {
	if p.fn != nil && (p.reported != p.offset+p.n || p.n == 0) {
		p.report()
	}
}

// progressReader is progressWriter for the read side.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	offset   int64
	n        int64
	total    int64
	fn       ProgressFunc
	reported int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.n += int64(n)
	if n > 0 && p.fn != nil {
		pos := p.offset + p.n
		p.fn(pos, p.total)
		p.reported = pos
	}
	return n, err
}

func (p *progressReader) finish() {
	if p.fn != nil && (p.reported != p.offset+p.n || p.n == 0) {
		pos := p.offset + p.n
		p.fn(pos, p.total)
		p.reported = pos
	}
}
