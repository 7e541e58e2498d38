// Package syncengine mirrors remote calendar collections into the local
// store and pushes local edits back.
//
// A Synchronize call reconciles one calendar against its remote delta and
// commits the outcome, events and cursor together, in one atomic batch. The
// resulting ChangeSet is what downstream consumers (notifications, live
// clients) are told about.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/calmirror/codec"
	"github.com/cyp0633/calmirror/davclient"
	"github.com/cyp0633/calmirror/sequence"
	"github.com/cyp0633/calmirror/store"
)

// DeletionPolicy decides what happens to a locally edited event that was
// deleted remotely.
type DeletionPolicy string

const (
	// DeletionRecreate keeps the local edit and pushes it as a new object.
	DeletionRecreate DeletionPolicy = "recreate"
	// DeletionDrop accepts the remote deletion and discards the edit.
	DeletionDrop DeletionPolicy = "drop"
)

// ParseDeletionPolicy maps a configuration value to a DeletionPolicy.
func ParseDeletionPolicy(s string) (DeletionPolicy, error) {
	switch DeletionPolicy(s) {
	case "", DeletionRecreate:
		return DeletionRecreate, nil
	case DeletionDrop:
		return DeletionDrop, nil
	}
	return "", fmt.Errorf("unknown deletion policy %q", s)
}

// Store is the part of store.Store the engine needs.
type Store interface {
	store.EventStore
	store.CollectionStore
	store.SyncApplier
}

// Options tune an Engine.
type Options struct {
	// Timeout bounds one Synchronize or Push. Zero means no bound.
	Timeout        time.Duration
	DeletionPolicy DeletionPolicy
	Logger         *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine synchronizes calendars. Calls for different calendars run in
// parallel; calls for the same calendar are serialized.
type Engine struct {
	store   Store
	remotes RemoteFactory
	seq     *sequence.Manager
	locks   *keyedLocks

	timeout time.Duration
	policy  DeletionPolicy
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Engine.
func New(st Store, remotes RemoteFactory, seq *sequence.Manager, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DeletionPolicy == "" {
		opts.DeletionPolicy = DeletionRecreate
	}
	if seq == nil {
		seq = sequence.NewManager(opts.Logger)
	}
	return &Engine{
		store:   st,
		remotes: remotes,
		seq:     seq,
		locks:   newKeyedLocks(),
		timeout: opts.Timeout,
		policy:  opts.DeletionPolicy,
		logger:  opts.Logger,
		now:     opts.Now,
	}
}

// Sequences exposes the engine's sequence manager.
func (e *Engine) Sequences() *sequence.Manager { return e.seq }

// ChangeSet is the outcome of one Synchronize call.
type ChangeSet struct {
	CalendarID   string
	UserID       string
	OwnerAddress string

	Added    []store.Event
	Modified []store.Event
	// Replaced holds the local records Modified overwrote, parallel to Modified.
	Replaced    []store.Event
	DeletedUIDs []string
	// DeletedEvents holds the local records removed, parallel to DeletedUIDs.
	DeletedEvents []store.Event
	NewCursor     mo.Option[string]

	Conflicts []*ConflictError
	Skipped   []*MalformedItemError

	// FullResync is set when no cursor was stored before this run.
	FullResync bool
}

// Empty reports whether no event was added, modified or deleted.
func (c *ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.DeletedUIDs) == 0
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// prepare loads the collection and its remote.
func (e *Engine) prepare(ctx context.Context, calendarID string) (*store.Collection, davclient.Collection, error) {
	col, err := e.store.GetCollection(ctx, calendarID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, &SyncError{Kind: KindConfig, CalendarID: calendarID, Err: err}
	}
	if err != nil {
		return nil, nil, storageError(calendarID, err)
	}
	if !col.Remote() {
		return nil, nil, &SyncError{Kind: KindConfig, CalendarID: calendarID, Err: errors.New("calendar has no remote URL")}
	}
	remote, err := e.remotes.Remote(ctx, col)
	if err != nil {
		return nil, nil, &SyncError{Kind: KindConfig, CalendarID: calendarID, Err: err}
	}
	return col, remote, nil
}

// Synchronize pulls the remote delta of calendarID and applies it.
func (e *Engine) Synchronize(ctx context.Context, calendarID string) (*ChangeSet, error) {
	unlock := e.locks.Lock(calendarID)
	defer unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	logger := e.logger.With("calendar_id", calendarID)
	started := e.now()

	col, remote, err := e.prepare(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	cursor, incremental := col.Cursor.Get()
	delta, err := remote.Delta(ctx, cursor)
	if err != nil {
		logger.Error("failed to fetch remote delta", "error", err)
		return nil, remoteError(calendarID, err)
	}

	local, err := e.store.ListEvents(ctx, calendarID)
	if err != nil {
		return nil, storageError(calendarID, err)
	}

	r := newReconciler(col, local, e.policy, e.now())
	r.fullResync = !incremental
	r.apply(delta, incremental, logger)

	cs := r.changeSet
	if delta.Token != "" {
		cs.NewCursor = mo.Some(delta.Token)
	}

	if r.batch.Empty() && cs.NewCursor == col.Cursor {
		logger.Debug("calendar unchanged", "cursor", cursor)
		return cs, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, &SyncError{Kind: KindTimeout, CalendarID: calendarID, Err: err}
	}

	r.batch.Cursor = cs.NewCursor
	r.batch.SyncedAt = e.now()
	if err := e.store.ApplySync(ctx, calendarID, &r.batch); err != nil {
		logger.Error("failed to apply sync batch", "error", err)
		return nil, storageError(calendarID, err)
	}

	for _, ev := range r.batch.Upserts {
		e.seq.Observe(ev.UID, ev.Sequence)
	}
	for _, uid := range r.batch.Deletes {
		e.seq.Forget(uid)
	}

	logger.Info("calendar synchronized",
		"added", len(cs.Added),
		"modified", len(cs.Modified),
		"deleted", len(cs.DeletedUIDs),
		"conflicts", len(cs.Conflicts),
		"skipped", len(cs.Skipped),
		"full_resync", cs.FullResync,
		"duration", e.now().Sub(started))
	return cs, nil
}

// reconciler classifies one delta against the local snapshot.
type reconciler struct {
	col    *store.Collection
	policy DeletionPolicy
	now    time.Time

	byUID  map[string]store.Event
	byHref map[string]string

	// seen holds UIDs present in the delta, skippedHrefs the hrefs of items
	// that failed to decode.
	seen         map[string]bool
	skippedHrefs map[string]bool
	deleted      map[string]bool

	fullResync bool
	batch      store.SyncBatch
	changeSet  *ChangeSet
}

func newReconciler(col *store.Collection, local []store.Event, policy DeletionPolicy, now time.Time) *reconciler {
	r := &reconciler{
		col:          col,
		policy:       policy,
		now:          now,
		byUID:        make(map[string]store.Event, len(local)),
		byHref:       make(map[string]string, len(local)),
		seen:         make(map[string]bool),
		skippedHrefs: make(map[string]bool),
		deleted:      make(map[string]bool),
		changeSet: &ChangeSet{
			CalendarID:   col.ID,
			UserID:       col.UserID,
			OwnerAddress: col.OwnerAddress,
		},
	}
	for _, ev := range local {
		r.byUID[ev.UID] = ev
		if ev.Href != "" {
			r.byHref[ev.Href] = ev.UID
		}
	}
	return r
}

func (r *reconciler) apply(delta *davclient.Delta, incremental bool, logger *slog.Logger) {
	r.changeSet.FullResync = r.fullResync

	var tombstones []string
	for _, item := range delta.Items {
		if item.Removed {
			tombstones = append(tombstones, item.Href)
			continue
		}
		r.content(item, logger)
	}

	// A full resync cannot tell a deletion from an item it was never
	// told about, so it never deletes.
	if !incremental {
		return
	}

	for _, href := range tombstones {
		if uid, ok := r.byHref[href]; ok && !r.seen[uid] {
			r.remoteDeleted(uid, logger)
		}
	}

	if delta.Complete && !delta.Truncated {
		for uid, ev := range r.byUID {
			if r.seen[uid] || r.deleted[uid] || ev.Href == "" || r.skippedHrefs[ev.Href] {
				continue
			}
			r.remoteDeleted(uid, logger)
		}
	}
}

func (r *reconciler) content(item davclient.Item, logger *slog.Logger) {
	remote, err := codec.Decode(item.Data)
	if err != nil {
		logger.Warn("skipping malformed remote item", "href", item.Href, "error", err)
		r.skippedHrefs[item.Href] = true
		r.changeSet.Skipped = append(r.changeSet.Skipped, &MalformedItemError{
			CalendarID: r.col.ID,
			Href:       item.Href,
			Err:        err,
		})
		return
	}

	remote.CalendarID = r.col.ID
	remote.Href = item.Href
	remote.RevisionTag = item.ETag
	remote.SyncStatus = store.StatusSynced
	remote.UpdatedAt = r.now
	r.seen[remote.UID] = true

	local, exists := r.byUID[remote.UID]
	switch {
	case !exists:
		r.upsert(remote)
		r.changeSet.Added = append(r.changeSet.Added, remote)

	case item.ETag != "" && local.RevisionTag == item.ETag:
		// unchanged

	case !local.Dirty():
		r.upsert(remote)
		r.modified(local, remote)

	case remote.Sequence >= local.Sequence:
		logger.Warn("remote change overrides local edit",
			"uid", remote.UID,
			"local_sequence", local.Sequence,
			"remote_sequence", remote.Sequence)
		r.upsert(remote)
		r.modified(local, remote)
		r.conflict(local, remote.Sequence, false, ResolutionRemoteWins)

	default:
		logger.Warn("keeping local edit over older remote revision",
			"uid", remote.UID,
			"local_sequence", local.Sequence,
			"remote_sequence", remote.Sequence)
		kept := local.Clone()
		kept.Href = item.Href
		kept.RevisionTag = item.ETag
		r.upsert(kept)
		r.conflict(local, remote.Sequence, false, ResolutionLocalKept)
	}
}

func (r *reconciler) remoteDeleted(uid string, logger *slog.Logger) {
	local := r.byUID[uid]
	r.deleted[uid] = true

	if !local.Dirty() {
		r.delete(local)
		return
	}

	switch r.policy {
	case DeletionDrop:
		logger.Warn("remote deletion discards local edit", "uid", uid)
		r.delete(local)
		r.conflict(local, 0, true, ResolutionDropped)
	default:
		logger.Warn("remote deletion of locally edited event, recreating", "uid", uid)
		kept := local.Clone()
		kept.Href = ""
		kept.RevisionTag = ""
		kept.SyncStatus = store.StatusLocal
		r.upsert(kept)
		r.conflict(local, 0, true, ResolutionRecreated)
	}
}

func (r *reconciler) upsert(ev store.Event) {
	r.batch.Upserts = append(r.batch.Upserts, ev)
}

func (r *reconciler) modified(local, remote store.Event) {
	r.changeSet.Modified = append(r.changeSet.Modified, remote)
	r.changeSet.Replaced = append(r.changeSet.Replaced, local)
}

func (r *reconciler) delete(ev store.Event) {
	r.batch.Deletes = append(r.batch.Deletes, ev.UID)
	r.changeSet.DeletedUIDs = append(r.changeSet.DeletedUIDs, ev.UID)
	r.changeSet.DeletedEvents = append(r.changeSet.DeletedEvents, ev)
}

func (r *reconciler) conflict(local store.Event, remoteSeq int, deleted bool, res Resolution) {
	r.changeSet.Conflicts = append(r.changeSet.Conflicts, &ConflictError{
		CalendarID:     r.col.ID,
		UID:            local.UID,
		LocalSequence:  local.Sequence,
		RemoteSequence: remoteSeq,
		RemoteDeleted:  deleted,
		Resolution:     res,
	})
}
