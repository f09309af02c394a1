package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
)

// Pusher is implemented by transports that can push a message directly onto the stream channel.
type Pusher interface {
	Push(ctx context.Context, userID, message string) error
}

// Session ties the identity, the message store, the dispatcher and the stream reconciler of one chat together. It is
// the surface offered to user interfaces.
type Session struct {
	identity   *Identity
	store      *Store
	transport  Transport
	reconciler *Reconciler
	dispatcher *Dispatcher

	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// SessionConfig holds the tunables of a Session.
type SessionConfig struct {
	Retry         RetryPolicy
	UnifyReplyIDs bool
	// UserID overrides the generated identity when not empty.
	UserID string
}

// ErrPushUnsupported is returned by Push when the transport can not push messages.
var ErrPushUnsupported = errors.New("transport does not support pushing messages")

// NewSession wires a session around the given transport, chat API and store.
func NewSession(transport Transport, api ChatAPI, store *Store, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	identity := NewIdentity()
	if cfg.UserID != "" {
		if err := identity.Override(cfg.UserID); err != nil {
			return nil, err
		}
	}

	retry := cfg.Retry
	if retry == (RetryPolicy{}) {
		retry = DefaultRetryPolicy()
	}

	reconciler := NewReconciler(transport, store, identity, logger,
		WithRetryPolicy(retry),
		WithUnifiedReplyIDs(cfg.UnifyReplyIDs))

	return &Session{
		identity:   identity,
		store:      store,
		transport:  transport,
		reconciler: reconciler,
		dispatcher: NewDispatcher(api, store, identity, reconciler, logger),
		logger:     logger.With(slog.String("module", "session")),
	}, nil
}

// Run keeps the event stream subscription alive until ctx is done or Close is called.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("Starting session", slog.String("userID", s.identity.CurrentUserID()))
	err := s.reconciler.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops Run and drops the stream connection. It does not block and can be called more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.transport.Close()
}

// Send appends content as a user message and dispatches it. See Dispatcher.Send.
func (s *Session) Send(ctx context.Context, content string, mode models.SearchMode) (Outcome, error) {
	return s.dispatcher.Send(ctx, content, mode)
}

// Push sends message straight onto the stream channel of the session, when the transport supports it.
func (s *Session) Push(ctx context.Context, message string) error {
	p, ok := s.transport.(Pusher)
	if !ok {
		return ErrPushUnsupported
	}
	return p.Push(ctx, s.identity.CurrentUserID(), message)
}

// Clear removes every message and forgets the reply in flight.
func (s *Session) Clear() {
	s.reconciler.ResetReply()
	s.store.Clear()
	s.logger.Info("Cleared messages")
}

// Messages returns the current message list.
func (s *Session) Messages() []models.Message {
	return s.store.Messages()
}

// Watch returns the live message list. See Store.Watch.
func (s *Session) Watch(ctx context.Context) iter.Seq[[]models.Message] {
	return s.store.Watch(ctx)
}

// Status returns the stream connectivity.
func (s *Session) Status() models.Status {
	return s.reconciler.Status()
}

// WatchStatus returns the live stream connectivity.
func (s *Session) WatchStatus(ctx context.Context) iter.Seq[models.Status] {
	return s.reconciler.WatchStatus(ctx)
}

// Reconnect makes the stream connect again right away, dropping the current connection if there is one.
func (s *Session) Reconnect() {
	s.logger.Info("Reconnect requested")
	s.reconciler.Restart()
}

// UserID returns the identity currently used for requests and the stream.
func (s *Session) UserID() string {
	return s.identity.CurrentUserID()
}

// RegenerateIdentity starts a logically new session under a fresh user id and returns it.
func (s *Session) RegenerateIdentity() string {
	var id string
	_ = s.reconciler.Renew(func() error {
		id = s.identity.Regenerate()
		return nil
	})
	s.logger.Info("Regenerated identity", slog.String("userID", id))
	return id
}

// OverrideIdentity switches the session to the given user id.
func (s *Session) OverrideIdentity(id string) error {
	err := s.reconciler.Renew(func() error {
		return s.identity.Override(id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Overrode identity", slog.String("userID", id))
	return nil
}
