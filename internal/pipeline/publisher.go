// Package pipeline turns synchronization results into durable notifications
// and live hints for the calendar owner.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyp0633/calmirror/codec"
	"github.com/cyp0633/calmirror/live"
	"github.com/cyp0633/calmirror/store"
	"github.com/cyp0633/calmirror/syncengine"
)

// Ledger records notifications.
type Ledger interface {
	Create(ctx context.Context, n *store.Notification) (*store.Notification, error)
}

// Broadcaster delivers live messages.
type Broadcaster interface {
	Broadcast(userID string, msg live.Message) int
}

// Publisher fans a ChangeSet out. Broadcast results are never errors; only
// failures to record notifications are reported.
type Publisher struct {
	ledger      Ledger
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a Publisher. A nil logger discards output.
func New(ledger Ledger, broadcaster Broadcaster, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{ledger: ledger, broadcaster: broadcaster, logger: logger, now: time.Now}
}

// Publish notifies the owner of cs.CalendarID about its changes.
func (p *Publisher) Publish(ctx context.Context, cs *syncengine.ChangeSet) error {
	if cs == nil || cs.UserID == "" {
		return nil
	}
	if cs.Empty() && len(cs.Conflicts) == 0 {
		return nil
	}

	logger := p.logger.With("calendar_id", cs.CalendarID, "user_id", cs.UserID)
	now := p.now()
	delivered := 0

	for _, ev := range cs.Added {
		delivered += p.broadcaster.Broadcast(cs.UserID, live.EventChanged(ev.UID, cs.CalendarID, live.ChangeAdded, now))
	}
	for _, ev := range cs.Modified {
		delivered += p.broadcaster.Broadcast(cs.UserID, live.EventChanged(ev.UID, cs.CalendarID, live.ChangeModified, now))
	}
	for _, uid := range cs.DeletedUIDs {
		delivered += p.broadcaster.Broadcast(cs.UserID, live.EventChanged(uid, cs.CalendarID, live.ChangeDeleted, now))
	}
	delivered += p.broadcaster.Broadcast(cs.UserID, live.CalendarChanged(cs.CalendarID, live.ChangeSynced, now))

	var errs []error
	for _, n := range Derive(cs) {
		if _, err := p.Notify(ctx, &n); err != nil {
			logger.Error("failed to record notification", "type", n.Type, "uid", n.RelatedEventUID, "error", err)
			errs = append(errs, err)
		}
	}

	logger.Debug("change set published", "live_deliveries", delivered)
	return errors.Join(errs...)
}

// Notify records n in the ledger and pushes the stored record to the
// user's live connections.
func (p *Publisher) Notify(ctx context.Context, n *store.Notification) (*store.Notification, error) {
	rec, err := p.ledger.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	p.broadcaster.Broadcast(rec.UserID, live.Notification(rec, p.now()))
	return rec, nil
}

// Derive lists the notifications a change set warrants, unsaved.
//
// Events organized by someone else that name the owner as attendee are
// invitations: added ones ask for a reply, modified ones are updates and
// deleted ones are cancellations. For events the owner organizes, changed
// attendee replies are reported. Local edits lost to a conflict are
// reported as well.
func Derive(cs *syncengine.ChangeSet) []store.Notification {
	var out []store.Notification
	add := func(typ store.NotificationType, prio store.Priority, ev *store.Event, title, msg string) {
		out = append(out, store.Notification{
			UserID:          cs.UserID,
			Type:            typ,
			Title:           title,
			Message:         msg,
			Priority:        prio,
			RelatedEventID:  ev.Href,
			RelatedEventUID: ev.UID,
			RequiresAction:  typ == store.NotificationEventInvitation,
		})
	}

	for i := range cs.Added {
		ev := &cs.Added[i]
		if invited(ev, cs.OwnerAddress) {
			add(store.NotificationEventInvitation, store.PriorityHigh, ev,
				"Invitation: "+summary(ev),
				fmt.Sprintf("%s invited you to %s%s.", display(ev.Organizer), summary(ev), when(ev)))
		}
	}

	for i := range cs.Modified {
		ev := &cs.Modified[i]
		switch {
		case invited(ev, cs.OwnerAddress):
			add(store.NotificationEventUpdate, store.PriorityMedium, ev,
				"Updated: "+summary(ev),
				fmt.Sprintf("%s updated %s%s.", display(ev.Organizer), summary(ev), when(ev)))
		case i < len(cs.Replaced) && (ev.Organizer == "" || codec.SameAddress(ev.Organizer, cs.OwnerAddress)):
			for _, r := range replies(&cs.Replaced[i], ev) {
				add(r.typ, r.priority, ev, r.title, r.message)
			}
		}
	}

	for i := range cs.DeletedEvents {
		ev := &cs.DeletedEvents[i]
		if invited(ev, cs.OwnerAddress) {
			add(store.NotificationEventCancellation, store.PriorityHigh, ev,
				"Canceled: "+summary(ev),
				fmt.Sprintf("%s canceled %s%s.", display(ev.Organizer), summary(ev), when(ev)))
		}
	}

	for _, c := range cs.Conflicts {
		if c.Resolution != syncengine.ResolutionRemoteWins && c.Resolution != syncengine.ResolutionDropped {
			continue
		}
		ev := &store.Event{UID: c.UID}
		add(store.NotificationEventUpdate, store.PriorityLow, ev,
			"Local changes replaced",
			fmt.Sprintf("Your unsent changes to event %s were replaced by the server copy (%s).", c.UID, c.Resolution))
	}
	return out
}

func invited(ev *store.Event, owner string) bool {
	if ev.Organizer == "" || owner == "" || codec.SameAddress(ev.Organizer, owner) {
		return false
	}
	for _, a := range ev.Attendees {
		if codec.SameAddress(a, owner) {
			return true
		}
	}
	return false
}

type reply struct {
	typ      store.NotificationType
	priority store.Priority
	title    string
	message  string
}

// replies compares attendee answers before and after a remote change.
func replies(before, after *store.Event) []reply {
	now, err := codec.Participants(after.Raw)
	if err != nil {
		return nil
	}
	prev := map[string]string{}
	if old, err := codec.Participants(before.Raw); err == nil {
		for _, p := range old {
			prev[p.Address] = p.Status
		}
	}

	var out []reply
	for _, p := range now {
		if prev[p.Address] == p.Status {
			continue
		}
		who := display(p.Address)
		var r reply
		switch {
		case p.Resource && p.Status == "ACCEPTED":
			r = reply{store.NotificationResourceConfirmed, store.PriorityLow, "Resource confirmed", who + " is booked for " + summary(after) + "."}
		case p.Resource && p.Status == "DECLINED":
			r = reply{store.NotificationResourceDenied, store.PriorityHigh, "Resource unavailable", who + " declined " + summary(after) + "."}
		case p.Status == "ACCEPTED":
			r = reply{store.NotificationInvitationAccepted, store.PriorityLow, "Accepted: " + summary(after), who + " accepted your invitation."}
		case p.Status == "DECLINED":
			r = reply{store.NotificationInvitationDeclined, store.PriorityMedium, "Declined: " + summary(after), who + " declined your invitation."}
		case p.Status == "TENTATIVE":
			r = reply{store.NotificationInvitationTentative, store.PriorityLow, "Tentative: " + summary(after), who + " tentatively accepted your invitation."}
		default:
			continue
		}
		out = append(out, r)
	}
	return out
}

func summary(ev *store.Event) string {
	if ev.Summary == "" {
		return "(untitled)"
	}
	return ev.Summary
}

func display(address string) string {
	if address == "" {
		return "Someone"
	}
	if len(address) > 7 && (address[:7] == "mailto:" || address[:7] == "MAILTO:") {
		return address[7:]
	}
	return address
}

func when(ev *store.Event) string {
	if ev.Start.IsZero() {
		return ""
	}
	if ev.AllDay {
		return " on " + ev.Start.Format("Mon Jan 2, 2006")
	}
	return " on " + ev.Start.UTC().Format("Mon Jan 2, 2006 15:04 MST")
}
