package live

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Conn is one live connection as the registry sees it.
type Conn interface {
	ID() string
	UserID() string
	// Send queues a frame without blocking.
	Send(frame []byte) error
	// Ping probes the peer and returns once it answered.
	Ping(ctx context.Context) error
	// Close shuts the connection down. reason is reported to the peer where
	// the transport allows it.
	Close(reason error)
	// Done is closed once the connection is closed.
	Done() <-chan struct{}
}

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
)

// RegistryOptions tune a Registry.
type RegistryOptions struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a probe may stay unanswered.
	HeartbeatTimeout time.Duration
	Now              func() time.Time
	Logger           *slog.Logger
}

// Registry tracks the open connections of every user.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]*entry

	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type entry struct {
	conn Conn

	mu                 sync.Mutex
	lastPingSentAt     time.Time
	lastPongReceivedAt time.Time
	probing            bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		users:    make(map[string]map[string]*entry),
		interval: opts.HeartbeatInterval,
		timeout:  opts.HeartbeatTimeout,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Register adds conn under its user.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.users[conn.UserID()]
	if !ok {
		bucket = make(map[string]*entry)
		r.users[conn.UserID()] = bucket
	}
	bucket[conn.ID()] = &entry{conn: conn, lastPongReceivedAt: r.now()}
	r.logger.Debug("connection registered", "user_id", conn.UserID(), "connection_id", conn.ID(), "user_connections", len(bucket))
}

// Unregister removes conn and reports whether it was registered. A user
// without connections is dropped from the map.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(conn.UserID(), conn.ID())
}

func (r *Registry) unregisterLocked(userID, connID string) bool {
	bucket, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := bucket[connID]; !ok {
		return false
	}
	delete(bucket, connID)
	if len(bucket) == 0 {
		delete(r.users, userID)
	}
	r.logger.Debug("connection unregistered", "user_id", userID, "connection_id", connID)
	return true
}

// ForEachConnection calls fn for every open connection of userID and
// returns how many it visited. Connections found closed are unregistered.
// fn runs without the registry lock held.
func (r *Registry) ForEachConnection(userID string, fn func(Conn)) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.users[userID]))
	for _, e := range r.users[userID] {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	visited := 0
	for _, c := range conns {
		if closed(c) {
			r.Unregister(c)
			continue
		}
		fn(c)
		visited++
	}
	return visited
}

// Count returns the number of connections of userID.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Total returns the number of connections of all users.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, bucket := range r.users {
		n += len(bucket)
	}
	return n
}

// Alive records traffic from conn, which answers any outstanding probe.
func (r *Registry) Alive(conn Conn) {
	r.mu.RLock()
	e := r.users[conn.UserID()][conn.ID()]
	r.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.lastPongReceivedAt = r.now()
	e.probing = false
	e.mu.Unlock()
}

// Sweep probes every connection without an outstanding probe and closes
// those whose probe is older than the heartbeat timeout. Probes run in the
// background; Sweep never blocks on the network.
func (r *Registry) Sweep(ctx context.Context) (probed, expired int) {
	now := r.now()

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.users))
	for _, bucket := range r.users {
		for _, e := range bucket {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	var dead []*entry
	for _, e := range entries {
		e.mu.Lock()
		switch {
		case e.probing && now.Sub(e.lastPingSentAt) >= r.timeout:
			dead = append(dead, e)
		case !e.probing:
			e.probing = true
			e.lastPingSentAt = now
			probed++
			go r.probe(ctx, e, now)
		}
		e.mu.Unlock()
	}

	for _, e := range dead {
		r.logger.Info("closing unresponsive connection",
			"user_id", e.conn.UserID(), "connection_id", e.conn.ID())
		e.conn.Close(ErrHeartbeatTimeout)
		r.Unregister(e.conn)
	}
	return probed, len(dead)
}

func (r *Registry) probe(ctx context.Context, e *entry, sentAt time.Time) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := e.conn.Ping(ctx); err != nil {
		r.logger.Debug("probe failed", "connection_id", e.conn.ID(), "error", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.probing && e.lastPingSentAt.Equal(sentAt) {
		e.probing = false
		e.lastPongReceivedAt = r.now()
	}
}

// Run sweeps every heartbeat interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if probed, expired := r.Sweep(ctx); expired > 0 {
				r.logger.Debug("heartbeat sweep", "probed", probed, "expired", expired)
			}
		}
	}
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll(reason error) {
	r.mu.Lock()
	users := r.users
	r.users = make(map[string]map[string]*entry)
	r.mu.Unlock()

	for _, bucket := range users {
		for _, e := range bucket {
			e.conn.Close(reason)
		}
	}
}

func closed(c Conn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
