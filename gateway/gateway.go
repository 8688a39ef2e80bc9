// Package gateway runs the per-connection session state machine: it identifies the
// connection, checks every inbound event against the caller's identity, persists
// the change through the store and hands the outcome to the router.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"chatrelay/apperr"
	"chatrelay/metrics"
	"chatrelay/models"
	"chatrelay/presence"
	"chatrelay/protocol"
	"chatrelay/router"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrClosed is returned for events that arrive after the session closed.
var ErrClosed = errors.New("session closed")

// Store is the part of the message store the gateway writes through. *db.DB
// implements it.
type Store interface {
	UserExists(ctx context.Context, username string) (bool, error)
	CreateMessage(ctx context.Context, nm models.NewMessage) (*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateContent(ctx context.Context, id string, content models.Content) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) (*models.Message, error)
	SetStatusIfForward(ctx context.Context, id string, status models.Status) (*models.Message, bool, error)
	ToggleReaction(ctx context.Context, id, user, symbol string) ([]models.Reaction, error)
	MarkSeenBulk(ctx context.Context, sender, receiver string) ([]models.Message, error)
}

// TokenVerifier checks a session token and returns its username. *auth.Tokens
// implements it.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type Options struct {
	// EnforceOwnership ties every event to the identified user.
	EnforceOwnership bool
	// RequireToken makes user_connected carry a valid session token.
	RequireToken bool
	// EventsPerSecond and Burst size the per-connection token bucket. Zero disables it.
	EventsPerSecond float64
	Burst           int
	// StoreTimeout bounds a single store call. Zero means no bound.
	StoreTimeout time.Duration
}

type Deps struct {
	Store   Store
	Tracker *presence.Tracker
	Router  *router.Router
	Tokens  TokenVerifier
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

type Gateway struct {
	// ctx lives as long as the server. Store writes use it instead of the
	// connection's lifetime so a disconnect never cancels a write in flight.
	ctx     context.Context
	store   Store
	tracker *presence.Tracker
	router  *router.Router
	tokens  TokenVerifier
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	// presenceMu keeps online_users snapshots in the order they were taken.
	presenceMu sync.Mutex
}

func New(ctx context.Context, deps Deps, opts Options) *Gateway {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		ctx:     ctx,
		store:   deps.Store,
		tracker: deps.Tracker,
		router:  deps.Router,
		tokens:  deps.Tokens,
		opts:    opts,
		log:     log,
		metrics: deps.Metrics,
	}
}

// Open attaches conn and returns its session in the unidentified state.
func (g *Gateway) Open(conn presence.Conn) *Session {
	s := &Session{gw: g, conn: conn}
	if g.opts.EventsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(g.opts.EventsPerSecond), g.opts.Burst)
	}
	g.tracker.Attach(conn)
	g.updateGauges()
	g.log.Debug("session_opened", zap.String("conn", conn.ID()))
	return s
}

func (g *Gateway) storeCtx() (context.Context, context.CancelFunc) {
	if g.opts.StoreTimeout > 0 {
		return context.WithTimeout(g.ctx, g.opts.StoreTimeout)
	}
	return context.WithCancel(g.ctx)
}

func (g *Gateway) broadcastPresence() {
	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()
	g.router.PresenceChanged(g.tracker.OnlineUsernames())
}

func (g *Gateway) updateGauges() {
	st := g.tracker.Stats()
	g.metrics.SetPresence(st.Connections, len(st.Users))
}

type State int

const (
	StateUnidentified State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one connection's view of the relay. Events are handled one at a
// time in arrival order.
type Session struct {
	gw      *Gateway
	conn    presence.Conn
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	username string
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// HandleFrame decodes one raw frame and handles it.
func (s *Session) HandleFrame(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		if s.State() == StateClosed {
			return ErrClosed
		}
		verr := apperr.Validation("invalid frame")
		s.gw.metrics.Event("invalid", "rejected")
		s.gw.router.Error(s.conn, "", verr)
		return verr
	}
	return s.Handle(env)
}

// Handle processes one event. Failures are answered with an error event on this
// connection and returned to the caller.
func (s *Session) Handle(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}

	err := s.dispatch(env)
	if err != nil {
		s.fail(env.Event, err)
		return err
	}
	s.gw.metrics.Event(env.Event, "ok")
	return nil
}

func (s *Session) dispatch(env protocol.Envelope) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return apperr.Validation("rate limit exceeded")
	}

	if env.Event == protocol.EventUserConnected {
		return s.identify(env)
	}
	if s.state != StateIdentified {
		return apperr.Auth("not identified")
	}

	switch env.Event {
	case protocol.EventSendMessage:
		return s.sendMessage(env)
	case protocol.EventToggleReaction:
		return s.toggleReaction(env)
	case protocol.EventTyping:
		return s.typing(env)
	case protocol.EventUpdateMessage:
		return s.updateMessage(env)
	case protocol.EventDeleteMessage:
		return s.deleteMessage(env)
	case protocol.EventMarkSeen:
		return s.markSeen(env)
	case protocol.EventMessageDelivered:
		return s.setStatus(env, models.StatusDelivered)
	case protocol.EventMessageRead:
		return s.setStatus(env, models.StatusRead)
	}
	return apperr.Validation("unknown event")
}

func (s *Session) fail(event string, err error) {
	outcome := "rejected"
	fields := []zap.Field{
		zap.String("event", event),
		zap.String("conn", s.conn.ID()),
		zap.String("user", s.username),
		zap.Error(err),
	}
	switch apperr.KindOf(err) {
	case apperr.KindStore, apperr.KindInternal:
		outcome = "failed"
		s.gw.metrics.StoreFailed()
		s.gw.log.Error("event_failed", fields...)
	default:
		s.gw.log.Debug("event_rejected", fields...)
	}
	s.gw.metrics.Event(event, outcome)
	s.gw.router.Error(s.conn, event, err)
}

// Close removes the connection from presence. Only a change of the online set is
// broadcast. Later events are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.mu.Unlock()

	username, wentOffline := s.gw.tracker.Remove(s.conn)
	if wentOffline {
		s.gw.broadcastPresence()
	}
	s.gw.updateGauges()
	s.gw.log.Debug("session_closed", zap.String("conn", s.conn.ID()), zap.String("user", username))
}

func (s *Session) identify(env protocol.Envelope) error {
	var req models.Identify
	name, isString, err := env.BindStringOrField(&req)
	if err != nil {
		return apperr.Validation("username is required")
	}
	if isString {
		req.Username = name
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return apperr.Validation("username is required")
	}

	if s.state == StateIdentified && s.username != username {
		return apperr.Forbidden("already identified as " + s.username)
	}

	if s.gw.opts.RequireToken {
		if s.gw.tokens == nil {
			return apperr.Auth("tokens are not enabled")
		}
		subject, err := s.gw.tokens.Verify(req.Token)
		if err != nil {
			return err
		}
		if subject != username {
			return apperr.Auth("token does not match username")
		}
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()
	exists, err := s.gw.store.UserExists(ctx, username)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("user not found")
	}

	s.gw.tracker.Identify(s.conn, username)
	s.state = StateIdentified
	s.username = username
	s.gw.log.Info("user_identified", zap.String("user", username), zap.String("conn", s.conn.ID()))

	s.gw.broadcastPresence()
	s.gw.updateGauges()
	return nil
}

// own fills an omitted actor field with the identity and, when ownership is
// enforced, rejects a field naming someone else.
func (s *Session) own(field *string, what string) error {
	*field = strings.TrimSpace(*field)
	if *field == "" {
		*field = s.username
		return nil
	}
	if s.gw.opts.EnforceOwnership && *field != s.username {
		return apperr.Forbidden(what + " must be the identified user")
	}
	return nil
}

func (s *Session) sendMessage(env protocol.Envelope) error {
	var req models.SendRequest
	if err := env.Bind(&req); err != nil {
		return apperr.Validation("invalid message payload")
	}
	if err := s.own(&req.Sender, "sender"); err != nil {
		return err
	}
	nm, err := req.NewMessage()
	if err != nil {
		return apperr.Validation(err.Error())
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()

	receiver := strings.TrimSpace(nm.Receiver)
	if receiver == "" {
		return apperr.Validation("receiver is required")
	}
	exists, err := s.gw.store.UserExists(ctx, receiver)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("receiver not found")
	}

	m, err := s.gw.store.CreateMessage(ctx, nm)
	if err != nil {
		return err
	}
	s.gw.log.Info("message_saved", zap.String("id", m.ID), zap.String("sender", m.Sender), zap.String("receiver", m.Receiver), zap.Stringer("kind", m.Content.Kind))
	s.gw.router.MessageSent(m)
	return nil
}

func (s *Session) toggleReaction(env protocol.Envelope) error {
	var req models.ReactionRequest
	if err := env.Bind(&req); err != nil {
		return apperr.Validation("invalid reaction payload")
	}
	if req.MessageID == "" || req.Reaction == "" {
		return apperr.Validation("messageId and reaction are required")
	}
	if err := s.own(&req.User, "user"); err != nil {
		return err
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()

	m, err := s.gw.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return err
	}
	if s.gw.opts.EnforceOwnership && !m.Involves(s.username) {
		return apperr.Forbidden("not a party to this conversation")
	}

	reactions, err := s.gw.store.ToggleReaction(ctx, req.MessageID, req.User, req.Reaction)
	if err != nil {
		return err
	}
	s.gw.router.ReactionToggled(m, reactions)
	return nil
}

func (s *Session) typing(env protocol.Envelope) error {
	var req models.TypingRequest
	if err := env.Bind(&req); err != nil {
		return apperr.Validation("invalid typing payload")
	}
	if err := s.own(&req.Sender, "sender"); err != nil {
		return err
	}
	if strings.TrimSpace(req.Receiver) == "" {
		return apperr.Validation("receiver is required")
	}
	s.gw.router.Typing(req)
	return nil
}

func (s *Session) updateMessage(env protocol.Envelope) error {
	var req models.EditRequest
	if err := env.Bind(&req); err != nil {
		return apperr.Validation("invalid edit payload")
	}
	id := req.MessageID()
	if id == "" {
		return apperr.Validation("message id is required")
	}
	content := models.TextContent(req.Content)
	if content.Empty() {
		return apperr.Validation("content is required")
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()

	current, err := s.gw.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if current.Content.IsFile() {
		return apperr.Validation("file messages cannot be edited")
	}
	if s.gw.opts.EnforceOwnership && current.Sender != s.username {
		return apperr.Forbidden("only the sender can edit a message")
	}

	m, err := s.gw.store.UpdateContent(ctx, id, content)
	if err != nil {
		return err
	}
	s.gw.router.MessageEdited(m)
	return nil
}

func (s *Session) deleteMessage(env protocol.Envelope) error {
	var req models.EditRequest
	id, isString, err := env.BindStringOrField(&req)
	if err != nil {
		return apperr.Validation("message id is required")
	}
	if !isString {
		id = req.MessageID()
	}
	if id == "" {
		return apperr.Validation("message id is required")
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()

	current, err := s.gw.store.GetMessage(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.gw.opts.EnforceOwnership && !current.Involves(s.username) {
		return apperr.Forbidden("not a party to this conversation")
	}

	removed, err := s.gw.store.DeleteMessage(ctx, id)
	if err != nil {
		return err
	}
	if removed != nil {
		s.gw.log.Info("message_deleted", zap.String("id", id), zap.String("by", s.username))
		s.gw.router.MessageDeleted(removed)
	}
	return nil
}

// markSeen marks every message from sender to receiver as read. The receiver is
// the side doing the reading.
func (s *Session) markSeen(env protocol.Envelope) error {
	var req models.SeenRequest
	if err := env.Bind(&req); err != nil {
		return apperr.Validation("invalid seen payload")
	}
	if err := s.own(&req.Receiver, "receiver"); err != nil {
		return err
	}
	req.Sender = strings.TrimSpace(req.Sender)
	if req.Sender == "" {
		return apperr.Validation("sender is required")
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()

	messages, err := s.gw.store.MarkSeenBulk(ctx, req.Sender, req.Receiver)
	if err != nil {
		return err
	}
	s.gw.router.MessagesSeen(s.conn, req.Sender, req.Receiver, messages)
	return nil
}

func (s *Session) setStatus(env protocol.Envelope, status models.Status) error {
	var req models.StatusRequest
	id, isString, err := env.BindStringOrField(&req)
	if err != nil {
		return apperr.Validation("messageId is required")
	}
	if !isString {
		id = req.MessageID
	}
	if id == "" {
		return apperr.Validation("messageId is required")
	}

	ctx, cancel := s.gw.storeCtx()
	defer cancel()

	current, err := s.gw.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if s.gw.opts.EnforceOwnership && current.Receiver != s.username {
		return apperr.Forbidden("only the receiver can acknowledge a message")
	}

	m, changed, err := s.gw.store.SetStatusIfForward(ctx, id, status)
	if err != nil {
		return err
	}
	if changed {
		s.gw.router.StatusChanged(m)
	}
	return nil
}
