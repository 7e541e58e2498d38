package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/cyp0633/calmirror/store"
)

// Authenticator maps a handshake credential to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// BacklogSource returns the durable notifications a fresh connection
// catches up on.
type BacklogSource interface {
	Backlog(ctx context.Context, userID string) ([]store.Notification, error)
}

// SyncRequester schedules an on-demand synchronization. It reports whether
// the request was accepted.
type SyncRequester interface {
	RequestSync(ctx context.Context, userID, calendarID string) bool
}

const (
	DefaultHandshakeTimeout = 10 * time.Second
	readLimit               = 64 << 10
)

// HandlerOptions configure a Handler. Registry and Auth are required.
type HandlerOptions struct {
	Registry *Registry
	Auth     Authenticator
	Backlog  BacklogSource
	Sync     SyncRequester

	// HandshakeTimeout bounds the wait for the auth message when the token
	// is not passed as a query parameter.
	HandshakeTimeout time.Duration
	MaxBufferedBytes int64
	// SyncRequestRate limits sync-request messages per connection.
	// Zero disables the limit.
	SyncRequestRate  rate.Limit
	SyncRequestBurst int

	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Handler accepts push channel connections. It can be mounted on any
// number of paths; each request runs one connection to completion.
type Handler struct {
	opts   HandlerOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler returns a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.SyncRequestBurst <= 0 {
		opts.SyncRequestBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Handler{opts: opts, logger: opts.Logger, now: opts.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := newConn(ws, h.opts.MaxBufferedBytes, h.logger)
	s := &session{
		h:     h,
		conn:  c,
		token: r.URL.Query().Get("token"),
	}
	if h.opts.SyncRequestRate > 0 {
		s.limiter = rate.NewLimiter(h.opts.SyncRequestRate, h.opts.SyncRequestBurst)
	}
	s.run(r.Context())
}

// session drives one connection through its states from inbound events.
type session struct {
	h       *Handler
	conn    *wsConn
	token   string
	limiter *rate.Limiter
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := s.conn
	logger := c.logger

	userID, err := s.handshake(ctx)
	if err != nil {
		logger.Info("handshake failed", "error", err)
		c.Close(err)
		return
	}
	if !c.authenticate(userID) {
		c.Close(ErrClosed)
		return
	}
	logger = logger.With("user_id", userID)
	c.logger = logger

	// Registered before the backlog is read so nothing created meanwhile is
	// missed. Broadcasts queue up behind the catch-up writes.
	reg := s.h.opts.Registry
	reg.Register(c)
	defer func() {
		reg.Unregister(c)
		c.Close(c.Err())
		logger.Info("connection closed", "reason", c.Err())
	}()

	logger.Info("connection authenticated")
	if err := s.catchUp(ctx, userID); err != nil {
		logger.Debug("catch-up interrupted", "error", err)
		c.Close(err)
		return
	}
	go c.writeLoop(ctx)

	for {
		_, frame, err := c.ws.Read(ctx)
		if err != nil {
			if c.Err() == nil {
				c.Close(readError(err))
			}
			return
		}
		reg.Alive(c)
		s.dispatch(ctx, userID, frame)
	}
}

// handshake resolves the user from the token query parameter or from the
// first message, which must be auth.
func (s *session) handshake(ctx context.Context) (string, error) {
	auth := s.h.opts.Auth
	if auth == nil {
		return "", ErrUnauthenticated
	}

	token := s.token
	if token == "" {
		hctx, cancel := context.WithTimeout(ctx, s.h.opts.HandshakeTimeout)
		defer cancel()
		_, frame, err := s.conn.ws.Read(hctx)
		if err != nil {
			return "", errors.Join(ErrUnauthenticated, err)
		}
		msg, err := ParseClientMessage(frame)
		if err != nil {
			return "", errors.Join(ErrUnauthenticated, err)
		}
		if msg.Type != TypeAuth {
			return "", errors.Join(ErrUnauthenticated, &ProtocolError{Type: msg.Type, Reason: "expected auth"})
		}
		token = msg.Token
	}

	userID, err := auth.Authenticate(ctx, token)
	if err != nil || userID == "" {
		return "", errors.Join(ErrUnauthenticated, err)
	}
	return userID, nil
}

// catchUp writes the connection ack and then the undismissed notifications
// the client may have missed. It runs before the writer goroutine starts and
// writes directly, so a backlog longer than the send queue still gets
// through.
func (s *session) catchUp(ctx context.Context, userID string) error {
	if err := s.write(ctx, ConnectionAck(userID, s.conn.ID(), s.h.now())); err != nil {
		return err
	}
	if s.h.opts.Backlog == nil {
		return nil
	}
	backlog, err := s.h.opts.Backlog.Backlog(ctx, userID)
	if err != nil {
		s.conn.logger.Error("failed to load notification backlog", "error", err)
		return nil
	}
	// oldest first, so the client sees them in creation order
	for i := len(backlog) - 1; i >= 0; i-- {
		if err := s.write(ctx, Notification(&backlog[i], s.h.now())); err != nil {
			return err
		}
	}
	if len(backlog) > 0 {
		s.conn.logger.Debug("backlog delivered", "count", len(backlog))
	}
	return nil
}

func (s *session) dispatch(ctx context.Context, userID string, frame []byte) {
	msg, err := ParseClientMessage(frame)
	if err != nil {
		s.conn.logger.Warn("dropping inbound message", "error", err)
		return
	}

	switch msg.Type {
	case TypePing:
		s.send(Pong(s.h.now()))
	case TypeSyncRequest:
		accepted := false
		switch {
		case s.limiter != nil && !s.limiter.Allow():
			s.conn.logger.Debug("sync request rate limited", "calendar_id", msg.CalendarID)
		case s.h.opts.Sync != nil:
			accepted = s.h.opts.Sync.RequestSync(ctx, userID, msg.CalendarID)
		}
		s.send(SyncRequestedAck(msg.CalendarID, accepted, s.h.now()))
	case TypeAuth:
		s.conn.logger.Warn("dropping inbound message",
			"error", &ProtocolError{Type: msg.Type, Reason: "already authenticated"})
	}
}

func (s *session) write(ctx context.Context, msg Message) error {
	frame, err := msg.Encode()
	if err != nil {
		s.conn.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return nil
	}
	return s.conn.writeNow(ctx, frame)
}

func (s *session) send(msg Message) {
	frame, err := msg.Encode()
	if err != nil {
		s.conn.logger.Error("failed to encode message", "type", msg.Type, "error", err)
		return
	}
	if err := s.conn.Send(frame); err != nil {
		s.conn.logger.Debug("failed to queue message", "type", msg.Type, "error", err)
	}
}

func readError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}
