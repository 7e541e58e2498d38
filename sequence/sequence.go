// Package sequence tracks the iCalendar SEQUENCE number of every event so
// that each local edit sent to a remote carries a strictly higher value.
package sequence

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/cyp0633/calmirror/codec"
	"github.com/cyp0633/calmirror/store"
)

const stripes = 64

// Source lists stored events at startup.
type Source interface {
	ListAllEvents(ctx context.Context) ([]store.Event, error)
}

// Manager caches the current sequence per UID. Operations on the same UID
// are serialized; different UIDs only contend when they share a stripe.
type Manager struct {
	locks [stripes]sync.Mutex

	mu    sync.RWMutex
	cache map[string]int

	logger *slog.Logger
}

// NewManager returns an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cache:  make(map[string]int),
		logger: logger,
	}
}

func (m *Manager) stripe(uid string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uid))
	return &m.locks[h.Sum32()%stripes]
}

// Current returns the cached sequence of uid. On a miss it is read from raw
// (0 when raw has none) and cached.
func (m *Manager) Current(uid string, raw []byte) int {
	l := m.stripe(uid)
	l.Lock()
	defer l.Unlock()
	return m.load(uid, raw)
}

// Next increments and returns the sequence of uid.
func (m *Manager) Next(uid string, raw []byte) int {
	l := m.stripe(uid)
	l.Lock()
	defer l.Unlock()

	next := m.load(uid, raw) + 1
	m.store(uid, next)
	return next
}

// Observe raises the cached sequence of uid to seq. It never lowers it.
func (m *Manager) Observe(uid string, seq int) {
	l := m.stripe(uid)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	cur, ok := m.cache[uid]
	m.mu.RUnlock()
	if !ok || seq > cur {
		m.store(uid, seq)
	}
}

// Forget drops uid from the cache.
func (m *Manager) Forget(uid string) {
	l := m.stripe(uid)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	delete(m.cache, uid)
	m.mu.Unlock()
}

// Len reports the number of cached UIDs.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Warm fills the cache from stored events, taking the higher of the stored
// sequence and the one embedded in the raw payload.
func (m *Manager) Warm(ctx context.Context, src Source) error {
	events, err := src.ListAllEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	for _, ev := range events {
		seq := ev.Sequence
		if embedded, ok := codec.ExtractSequence(ev.Raw); ok && embedded > seq {
			seq = embedded
		}
		m.Observe(ev.UID, seq)
	}
	m.logger.Info("sequence cache warmed", "events", len(events), "uids", m.Len())
	return nil
}

// load must be called with the stripe lock held.
func (m *Manager) load(uid string, raw []byte) int {
	m.mu.RLock()
	cur, ok := m.cache[uid]
	m.mu.RUnlock()
	if ok {
		return cur
	}

	seq, found := codec.ExtractSequence(raw)
	if !found {
		seq = 0
	}
	m.store(uid, seq)
	return seq
}

func (m *Manager) store(uid string, seq int) {
	m.mu.Lock()
	m.cache[uid] = seq
	m.mu.Unlock()
}
