package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyp0633/calmirror/codec"
	"github.com/cyp0633/calmirror/davclient"
	"github.com/cyp0633/calmirror/store"
)

// SaveLocal stores a local edit without contacting the remote. A new event
// starts with sequence 0; an existing one keeps its remote bookkeeping. Either
// way the stored status becomes local.
func (e *Engine) SaveLocal(ctx context.Context, ev *store.Event) (*store.Event, error) {
	if ev == nil || ev.UID == "" || ev.CalendarID == "" {
		return nil, store.ErrInvalidInput
	}

	unlock := e.locks.Lock(ev.CalendarID)
	defer unlock()

	existing, err := e.store.GetEvent(ctx, ev.CalendarID, ev.UID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		saved := ev.Clone()
		saved.Href = ""
		saved.RevisionTag = ""
		saved.Sequence = 0
		saved.SyncStatus = store.StatusLocal
		saved.UpdatedAt = e.now()
		if err := e.store.SaveEvent(ctx, &saved); err != nil {
			return nil, err
		}
		return &saved, nil
	case err != nil:
		return nil, err
	}

	saved := existing.Clone()
	saved.Summary = ev.Summary
	saved.Description = ev.Description
	saved.Location = ev.Location
	saved.Start = ev.Start
	saved.End = ev.End
	saved.AllDay = ev.AllDay
	saved.RRule = ev.RRule
	saved.Organizer = ev.Organizer
	saved.Attendees = append([]string(nil), ev.Attendees...)
	saved.Resources = append([]string(nil), ev.Resources...)
	saved.SyncStatus = store.StatusLocal
	saved.UpdatedAt = e.now()
	if err := e.store.SaveEvent(ctx, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// Push uploads the stored event calendarID/uid. An event the remote already
// holds gets the next sequence number; a brand new one keeps its current
// sequence. The write is conditional on the stored revision tag, so a
// concurrent remote change fails the push with KindPrecondition.
func (e *Engine) Push(ctx context.Context, calendarID, uid string) (*store.Event, error) {
	unlock := e.locks.Lock(calendarID)
	defer unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	logger := e.logger.With("calendar_id", calendarID, "uid", uid)

	_, remote, err := e.prepare(ctx, calendarID)
	if err != nil {
		return nil, err
	}

	stored, err := e.store.GetEvent(ctx, calendarID, uid)
	if err != nil {
		return nil, storageError(calendarID, err)
	}
	ev := stored.Clone()

	e.seq.Observe(uid, ev.Sequence)
	if ev.Href != "" || ev.RevisionTag != "" {
		ev.Sequence = e.seq.Next(uid, ev.Raw)
	} else {
		ev.Sequence = e.seq.Current(uid, ev.Raw)
	}

	ev.SyncStatus = store.StatusPending
	ev.UpdatedAt = e.now()
	if err := e.store.SaveEvent(ctx, &ev); err != nil {
		return nil, storageError(calendarID, err)
	}

	data, err := codec.Encode(&ev)
	if err != nil {
		e.markFailed(ctx, &ev)
		return nil, &SyncError{Kind: KindConfig, CalendarID: calendarID, Err: fmt.Errorf("encode %s: %w", uid, err)}
	}

	href, etag, err := remote.PutObject(ctx, davclient.Object{
		Href: ev.Href,
		UID:  ev.UID,
		ETag: ev.RevisionTag,
		Data: data,
	})
	if err != nil {
		logger.Error("push failed", "sequence", ev.Sequence, "error", err)
		e.markFailed(ctx, &ev)
		return nil, remoteError(calendarID, err)
	}

	ev.Href = href
	ev.RevisionTag = etag
	ev.Raw = data
	ev.SyncStatus = store.StatusSynced
	ev.UpdatedAt = e.now()
	if err := e.store.SaveEvent(ctx, &ev); err != nil {
		return nil, storageError(calendarID, err)
	}

	logger.Info("event pushed", "href", href, "sequence", ev.Sequence)
	return &ev, nil
}

// markFailed records a failed push. It runs even when ctx is done.
func (e *Engine) markFailed(ctx context.Context, ev *store.Event) {
	ev.SyncStatus = store.StatusSyncFailed
	ev.UpdatedAt = e.now()
	if err := e.store.SaveEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Error("failed to record push failure",
			"calendar_id", ev.CalendarID, "uid", ev.UID, "error", err)
	}
}

// DeleteRemote removes the event from the remote, when it was ever pushed,
// and then from the local store.
func (e *Engine) DeleteRemote(ctx context.Context, calendarID, uid string) error {
	unlock := e.locks.Lock(calendarID)
	defer unlock()

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	ev, err := e.store.GetEvent(ctx, calendarID, uid)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storageError(calendarID, err)
	}

	if ev.Href != "" {
		_, remote, err := e.prepare(ctx, calendarID)
		if err != nil {
			return err
		}
		if err := remote.DeleteObject(ctx, ev.Href, ev.RevisionTag); err != nil {
			e.logger.Error("remote delete failed", "calendar_id", calendarID, "uid", uid, "error", err)
			return remoteError(calendarID, err)
		}
	}

	if err := e.store.DeleteEvent(ctx, calendarID, uid); err != nil {
		return storageError(calendarID, err)
	}
	e.seq.Forget(uid)
	e.logger.Info("event deleted", "calendar_id", calendarID, "uid", uid)
	return nil
}
