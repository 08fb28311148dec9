package sftpx

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ChannelScope owns one channel for the duration of an operation.
type ChannelScope struct {
	channel   Channel
	keepalive bool
	log       logrus.FieldLogger

	once sync.Once
	err  error
}

// Channel returns the scoped channel.
func (c *ChannelScope) Channel() Channel {
	return c.channel
}

// Release closes the channel unless the scope was opened with keepalive.
// Calling it again returns the first result.
func (c *ChannelScope) Release() error {
	if c.keepalive {
		return nil
	}
	return c.Close()
}

// Close closes the channel regardless of keepalive.
func (c *ChannelScope) Close() error {
	c.once.Do(func() {
		c.err = c.channel.Close()
		if c.err != nil {
			c.log.WithError(c.err).WithField("channel", c.channel.Name()).Debug("Channel close failed")
		}
	})
	return c.err
}

// withChannel runs fn on a fresh channel and always releases it. An error
// from fn is returned as is; a release error only surfaces when fn succeeded.
func (s *Session) withChannel(ctx context.Context, fn func(ch Channel) error) (err error) {
	scope, err := s.OpenChannel(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := scope.Release(); err == nil {
			err = rerr
		}
	}()
	return fn(scope.Channel())
}

// channelValue is withChannel for functions that produce a value.
func channelValue[T any](ctx context.Context, s *Session, fn func(ch Channel) (T, error)) (T, error) {
	var out T
	err := s.withChannel(ctx, func(ch Channel) error {
		v, err := fn(ch)
		out = v
		return err
	})
	return out, err
}
