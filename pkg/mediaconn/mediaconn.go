// Package mediaconn caches the refreshable media connection record:
// the auth token and the ordered upload host list handed out by the
// server, valid for a limited time.
package mediaconn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Host is one upload endpoint. MaxContentLength of zero means the host
// declared no size cap.
type Host struct {
	Hostname         string
	MaxContentLength int64
}

// Conn is one media connection grant.
type Conn struct {
	Auth      string
	TTL       time.Duration
	Hosts     []Host
	FetchedAt time.Time
}

// Expiry returns the instant this grant stops being usable.
func (c *Conn) Expiry() time.Time {
	return c.FetchedAt.Add(c.TTL)
}

// RefreshFunc fetches a fresh grant from the signaling connection.
type RefreshFunc func(ctx context.Context) (*Conn, error)

var ErrNoRefresh = errors.New("mediaconn: no refresh function configured")

// Store serializes access to the cached grant. Concurrent callers that
// find a fresh grant reuse it; forced refreshes run one at a time, each
// querying upstream.
type Store struct {
	mu      sync.Mutex
	refresh RefreshFunc
	conn    *Conn
}

// NewStore builds a store around the given refresh function.
func NewStore(refresh RefreshFunc) *Store {
	return &Store{refresh: refresh}
}

// Get returns the cached grant, refreshing it first when it is absent,
// expired, or force is set.
func (s *Store) Get(ctx context.Context, force bool) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && !force && time.Now().Before(s.conn.Expiry()) {
		return s.conn, nil
	}
	if s.refresh == nil {
		return nil, ErrNoRefresh
	}

	conn, err := s.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if conn.FetchedAt.IsZero() {
		conn.FetchedAt = time.Now()
	}
	s.conn = conn
	return s.conn, nil
}
