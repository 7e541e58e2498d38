package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cyp0633/calmirror/internal/auth"
	"github.com/cyp0633/calmirror/live"
	"github.com/cyp0633/calmirror/store"
)

const defaultPageSize = 50

type handler struct {
	notifications Notifications
	sync          live.SyncRequester
	logger        *slog.Logger
}

type listResponse struct {
	Notifications []store.Notification `json:"notifications"`
	Count         int                  `json:"count"`
}

// listNotifications handles GET /api/v1/notifications. unread=true returns
// every unread record; otherwise limit and offset page the undismissed ones.
func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}

	q := r.URL.Query()
	var (
		list []store.Notification
		err  error
	)
	if unread, _ := strconv.ParseBool(q.Get("unread")); unread {
		list, err = h.notifications.ListUnread(r.Context(), userID)
	} else {
		limit, lerr := intParam(q.Get("limit"), defaultPageSize)
		offset, oerr := intParam(q.Get("offset"), 0)
		if lerr != nil || oerr != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("limit and offset must be non-negative integers"))
			return
		}
		list, err = h.notifications.ListUndismissed(r.Context(), userID, limit, offset)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []store.Notification{}
	}
	writeJSON(w, http.StatusOK, listResponse{Notifications: list, Count: len(list)})
}

func (h *handler) markAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	n, err := h.notifications.MarkAllAsRead(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (h *handler) markRead(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, h.notifications.MarkAsRead)
}

func (h *handler) dismiss(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, h.notifications.Dismiss)
}

func (h *handler) actionTaken(w http.ResponseWriter, r *http.Request) {
	h.updateOne(w, r, h.notifications.MarkActionTaken)
}

type updateFunc func(ctx context.Context, userID, id string) (*store.Notification, error)

func (h *handler) updateOne(w http.ResponseWriter, r *http.Request, fn updateFunc) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	n, err := fn(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type syncResponse struct {
	CalendarID string `json:"calendar_id"`
	Accepted   bool   `json:"accepted"`
}

// requestSync handles POST /api/v1/calendars/{id}/sync. The sync itself
// runs in the background; its result reaches the client over the push
// channel.
func (h *handler) requestSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse("unauthorized"))
		return
	}
	if h.sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("sync is not available"))
		return
	}
	calendarID := chi.URLParam(r, "id")
	if !h.sync.RequestSync(r.Context(), userID, calendarID) {
		writeJSON(w, http.StatusConflict, syncResponse{CalendarID: calendarID})
		return
	}
	writeJSON(w, http.StatusAccepted, syncResponse{CalendarID: calendarID, Accepted: true})
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("notification not found"))
	case errors.Is(err, store.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error"))
	}
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) map[string]string {
	return map[string]string{"error": msg}
}
