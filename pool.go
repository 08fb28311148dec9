package sftpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// SessionPool caches active sessions keyed by their connection parameters
// so repeated work against one host shares a transport.
type SessionPool struct {
	mu       sync.RWMutex
	sessions map[string]*pooledSession
	maxIdle  time.Duration
	dial     func(context.Context, Config) (*Session, error)
	done     chan struct{}
	closed   sync.Once
}

type pooledSession struct {
	session  *Session
	lastUsed time.Time
	inUse    int
}

// NewSessionPool creates a pool. Sessions idle for longer than maxIdle are
// closed by a background sweep.
func NewSessionPool(maxIdle time.Duration) *SessionPool {
	p := &SessionPool{
		sessions: make(map[string]*pooledSession),
		maxIdle:  maxIdle,
		dial:     Dial,
		done:     make(chan struct{}),
	}

	go p.cleanupLoop(maxIdle / 2)

	return p
}

// GetOrCreate returns a healthy pooled session for cfg or dials a new one.
// Every successful call must be paired with Release. The pool lock is not
// held while dialing.
func (p *SessionPool) GetOrCreate(ctx context.Context, cfg Config) (*Session, error) {
	key := sessionKey(cfg)

	s, stale := p.acquire(key)
	if s != nil {
		return s, nil
	}
	if stale != nil {
		stale.Close()
	}

	s, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if ps, ok := p.sessions[key]; ok && ps.session.healthy() {
		// Another caller dialed the same key first.
		ps.inUse++
		ps.lastUsed = time.Now()
		p.mu.Unlock()
		s.Close()
		return ps.session, nil
	}
	replaced := p.sessions[key]
	p.sessions[key] = &pooledSession{
		session:  s,
		lastUsed: time.Now(),
		inUse:    1,
	}
	p.mu.Unlock()

	if replaced != nil {
		replaced.session.Close()
	}
	return s, nil
}

// acquire marks a healthy pooled session for key as in use. An unhealthy
// one is removed from the pool and returned as stale for the caller to close.
func (p *SessionPool) acquire(key string) (s, stale *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, ok := p.sessions[key]
	if !ok {
		return nil, nil
	}
	if ps.session.healthy() {
		ps.inUse++
		ps.lastUsed = time.Now()
		return ps.session, nil
	}
	delete(p.sessions, key)
	return nil, ps.session
}

// Release returns a session to the pool.
func (p *SessionPool) Release(cfg Config) {
	key := sessionKey(cfg)

	p.mu.Lock()
	defer p.mu.Unlock()

	if ps, ok := p.sessions[key]; ok {
		ps.inUse = max(ps.inUse-1, 0)
		ps.lastUsed = time.Now()
	}
}

// Close closes every pooled session and stops the sweep.
func (p *SessionPool) Close() {
	p.closed.Do(func() { close(p.done) })

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ps := range p.sessions {
		ps.session.Close()
		delete(p.sessions, key)
	}
}

// CloseIdle closes unused sessions idle for longer than maxIdle, and any
// session that is no longer healthy.
func (p *SessionPool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, ps := range p.sessions {
		if ps.inUse > 0 {
			continue
		}
		if now.Sub(ps.lastUsed) > p.maxIdle || !ps.session.healthy() {
			ps.session.Close()
			delete(p.sessions, key)
		}
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total int
	InUse int
	Idle  int
}

// Stats returns current pool statistics.
func (p *SessionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var stats PoolStats
	for _, ps := range p.sessions {
		if ps.inUse > 0 {
			stats.InUse++
		} else {
			stats.Idle++
		}
	}
	stats.Total = len(p.sessions)
	return stats
}

func (p *SessionPool) cleanupLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.CloseIdle()
		case <-p.done:
			return
		}
	}
}

func (s *Session) healthy() bool {
	return s.State() == StateActive && s.transport.IsActive()
}

func sessionKey(cfg Config) string {
	h := sha256.New()

	h.Write([]byte(cfg.Host))
	fmt.Fprintf(h, ":%d:", cfg.Port)
	h.Write([]byte(cfg.User))

	for _, part := range []struct{ tag, value string }{
		{"password", cfg.Password},
		{"key", cfg.PrivateKey},
		{"keypath", cfg.KeyPath},
		{"cert", cfg.Certificate},
		{"certpath", cfg.CertificatePath},
		{"path", cfg.DefaultPath},
	} {
		if part.value != "" {
			fmt.Fprintf(h, ":%s:%s", part.tag, part.value)
		}
	}
	if cfg.UseAgent {
		h.Write([]byte(":agent"))
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
