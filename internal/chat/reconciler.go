package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/google/uuid"
)

// Transport is the event stream the reconciler consumes. Every Connect call opens one connection; its sequence ends
// after a Closed or Error event, or silently when ctx is done or Close is called.
type Transport interface {
	Connect(ctx context.Context, userID string) iter.Seq[models.StreamEvent]
	Close()
}

// RetryPolicy holds the fixed delays applied before reconnecting.
type RetryPolicy struct {
	// ErrorDelay is waited after the stream reported an error.
	ErrorDelay time.Duration
	// SetupDelay is waited after the connection could not be established at all.
	SetupDelay time.Duration
	// MaxAttempts bounds consecutive failed attempts. Zero means no bound.
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		ErrorDelay: 3 * time.Second,
		SetupDelay: 5 * time.Second,
	}
}

// Delay returns how long to wait before reconnecting after err.
func (p RetryPolicy) Delay(err error) time.Duration {
	if errors.Is(err, models.ErrConnect) {
		return p.SetupDelay
	}
	return p.ErrorDelay
}

// Exhausted reports whether attempt consecutive failures exceed the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Reconciler drives the event stream subscription and folds its fragments into the Store.
//
// Connection state and the active reply live in one machine guarded by a single mutex, so a fragment, a reset of the
// reply and a change of identity are serialized with respect to each other.
type Reconciler struct {
	transport Transport
	store     *Store
	identity  *Identity
	policy    RetryPolicy
	unifyIDs  bool
	newID     func() string

	logger *slog.Logger

	// wake is signalled to leave a parked or backing-off loop, or to restart a live connection.
	wake chan struct{}

	mu            sync.Mutex
	machine       machine
	connCancel    context.CancelFunc
	statusChanged broadcast
}

// machine is the state of the reconciler.
type machine struct {
	conn      models.ConnState
	userID    string
	attempt   int
	lastErr   string
	nextRetry time.Time

	// active is the bot message currently extended by add fragments, empty when no reply is in flight.
	active string
	// pending is the id of the last dispatch that has not seen any fragment yet.
	pending string
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) ReconcilerOption {
	return func(r *Reconciler) { r.policy = p }
}

// WithUnifiedReplyIDs makes the first add fragment of a reply adopt the id of the pending dispatch instead of a fresh
// one, so add and finish fragments land on the same message.
func WithUnifiedReplyIDs(enabled bool) ReconcilerOption {
	return func(r *Reconciler) { r.unifyIDs = enabled }
}

// WithIDGenerator replaces the generator of reply ids.
func WithIDGenerator(fn func() string) ReconcilerOption {
	return func(r *Reconciler) { r.newID = fn }
}

var errStreamEnded = errors.New("event stream ended unexpectedly")

// NewReconciler creates a reconciler folding the events of transport into store.
func NewReconciler(transport Transport, store *Store, identity *Identity, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		transport:     transport,
		store:         store,
		identity:      identity,
		policy:        DefaultRetryPolicy(),
		newID:         func() string { return uuid.New().String() },
		logger:        logger.With(slog.String("module", "reconciler")),
		wake:          make(chan struct{}, 1),
		machine:       machine{conn: models.ConnDisconnected},
		statusChanged: newBroadcast(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run keeps the subscription alive until ctx is done. After a stream error it waits the fixed delay of the retry
// policy and reconnects with the current identity. After a graceful close, or once the retry policy is exhausted, it
// parks until Restart is called.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.setDisconnected()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		closed, err := r.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.restartRequested() {
			r.logger.Info("Restarting event stream")
			continue
		}

		if closed {
			r.setDisconnected()
			r.logger.Info("Event stream closed, waiting for reconnect request")
			if !r.park(ctx) {
				return ctx.Err()
			}
			continue
		}

		delay := r.policy.Delay(err)
		attempt := r.recordFailure(err, delay)
		if r.policy.Exhausted(attempt) {
			r.logger.Error("Giving up reconnecting",
				slog.Int("attempt", attempt),
				slog.String(errLoggerKey, err.Error()))
			if !r.park(ctx) {
				return ctx.Err()
			}
			continue
		}

		r.logger.Warn("Event stream failed, reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String(errLoggerKey, err.Error()))
		if !r.backoff(ctx, delay) {
			return ctx.Err()
		}
	}
}

// Restart drops the live connection, if any, and makes Run connect again right away. It also wakes a loop that is
// parked or waiting for its backoff delay.
func (r *Reconciler) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restartLocked()
}

// Renew runs change, then forgets the reply in flight and restarts the connection. No fragment is handled between
// these steps, so nothing from the old subscription leaks into the renewed one. If change fails, nothing else happens
// and its error is returned.
func (r *Reconciler) Renew(change func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if change != nil {
		if err := change(); err != nil {
			return err
		}
	}
	r.machine.active = ""
	r.machine.pending = ""
	r.restartLocked()
	return nil
}

func (r *Reconciler) restartLocked() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	if r.connCancel != nil {
		r.connCancel()
	}
}

// Status returns the current connectivity.
func (r *Reconciler) Status() models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.machine.status()
}

// WatchStatus yields the current status, then every change of it until ctx is done. Intermediate states may be
// skipped by a slow reader.
func (r *Reconciler) WatchStatus(ctx context.Context) iter.Seq[models.Status] {
	return func(yield func(models.Status) bool) {
		for {
			r.mu.Lock()
			st := r.machine.status()
			changed := r.statusChanged.wait()
			r.mu.Unlock()

			if !yield(st) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}
}

// ActiveReply returns the id of the bot message currently receiving fragments.
func (r *Reconciler) ActiveReply() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.machine.active, r.machine.active != ""
}

// ResetReply forgets the active and pending replies. Fragments arriving afterwards start a new reply.
func (r *Reconciler) ResetReply() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.machine.active != "" {
		r.logger.Debug("Resetting active reply", slog.String("id", r.machine.active))
	}
	r.machine.active = ""
	r.machine.pending = ""
}

// Expect records the id of a dispatch in flight. It only matters when reply ids are unified, in which case the
// fresh send also supersedes a reply that never saw its finish.
func (r *Reconciler) Expect(botMessageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.machine.pending = botMessageID
	if !r.unifyIDs || r.machine.active == "" {
		return
	}
	r.logger.Warn("Dropping unfinished reply superseded by a new send",
		slog.String("id", r.machine.active), slog.String("next", botMessageID))
	r.machine.active = ""
}

// Cancel forgets a pending dispatch that failed.
func (r *Reconciler) Cancel(botMessageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.machine.pending == botMessageID {
		r.machine.pending = ""
	}
}

// Handle folds a single event into the state. Run calls it for every event of the stream, it is exported so the
// reconciliation policy can be driven without a transport.
func (r *Reconciler) Handle(ev models.StreamEvent) {
	switch ev.Kind {
	case models.EventOpen:
		r.setConnected()
	case models.EventFragment:
		r.setConnected()
		switch ev.Type {
		case models.FragmentAdd:
			r.handleAdd(ev.Type, ev.Data)
		case models.FragmentFinish:
			r.handleFinish(ev.Data)
		default:
			r.handleAdd(ev.Type, ev.Data)
		}
	case models.EventError, models.EventClosed:
	}
}

// stream consumes one connection. It returns closed true after a graceful close, otherwise the error that ended it.
func (r *Reconciler) stream(ctx context.Context) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	// The identity is read under the lock Restart takes, so a pending restart is already served by this connection.
	userID := r.identity.CurrentUserID()
	r.restartRequested()
	r.connCancel = cancel
	r.machine.conn = models.ConnConnecting
	r.machine.userID = userID
	r.machine.nextRetry = time.Time{}
	r.statusChanged.notify()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.connCancel = nil
		r.mu.Unlock()
	}()

	r.logger.Info("Connecting event stream", slog.String("userID", userID))

	for ev := range r.transport.Connect(connCtx, userID) {
		if connCtx.Err() != nil {
			break
		}
		switch ev.Kind {
		case models.EventError:
			return false, ev.Err
		case models.EventClosed:
			return true, nil
		default:
			r.Handle(ev)
		}
	}
	return false, errStreamEnded
}

func (r *Reconciler) handleAdd(typ, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.machine.active == "" {
		id := r.machine.pending
		if !r.unifyIDs || id == "" {
			id = r.newID()
		}
		r.machine.pending = ""
		r.machine.active = id

		r.store.Upsert(models.Message{
			ID:        id,
			Role:      models.RoleBot,
			Content:   data,
			Timestamp: time.Now(),
		})
		r.logger.Debug("Started reply", slog.String("id", id), slog.String("type", typ))
		return
	}

	id := r.machine.active
	_, ok := r.store.Update(id, func(msg *models.Message) {
		msg.Content += data
	})
	if ok {
		return
	}

	// The message went away under the active reply (the list was cleared), keep the reply going in a new one.
	r.logger.Warn("Active reply not found, recreating it", slog.String("id", id), slog.String("type", typ))
	r.store.Upsert(models.Message{
		ID:        id,
		Role:      models.RoleBot,
		Content:   data,
		Timestamp: time.Now(),
	})
}

func (r *Reconciler) handleFinish(data string) {
	p, err := models.ParseFinishPayload(data)
	if err != nil {
		r.logger.Warn("Dropping malformed finish event",
			slog.String("data", models.Preview(data, 100)),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if msg, ok := r.store.Get(p.BotMessageID); ok && msg.Role != models.RoleBot {
		r.logger.Warn("Finish event targets a user message", slog.String("id", p.BotMessageID))
	} else if _, ok := r.store.Update(p.BotMessageID, func(msg *models.Message) {
		msg.Content = p.Message
	}); !ok {
		r.logger.Warn("No message for finish event", slog.String("id", p.BotMessageID))
	} else {
		r.logger.Debug("Finished reply", slog.String("id", p.BotMessageID), slog.Int("length", len(p.Message)))
	}

	r.machine.active = ""
	if r.machine.pending == p.BotMessageID {
		r.machine.pending = ""
	}
}

func (r *Reconciler) setConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.machine.conn == models.ConnConnected {
		return
	}
	r.machine.conn = models.ConnConnected
	r.machine.attempt = 0
	r.machine.lastErr = ""
	r.machine.nextRetry = time.Time{}
	r.statusChanged.notify()
}

func (r *Reconciler) setDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.machine.conn == models.ConnDisconnected {
		return
	}
	r.machine.conn = models.ConnDisconnected
	r.machine.nextRetry = time.Time{}
	r.statusChanged.notify()
}

func (r *Reconciler) recordFailure(err error, delay time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.machine.conn = models.ConnError
	r.machine.attempt++
	r.machine.lastErr = err.Error()
	r.machine.nextRetry = time.Now().Add(delay)
	if r.policy.Exhausted(r.machine.attempt) {
		r.machine.nextRetry = time.Time{}
	}
	r.statusChanged.notify()
	return r.machine.attempt
}

func (r *Reconciler) restartRequested() bool {
	select {
	case <-r.wake:
		return true
	default:
		return false
	}
}

func (r *Reconciler) park(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.wake:
		return true
	}
}

func (r *Reconciler) backoff(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-r.wake:
		return true
	}
}

func (m machine) status() models.Status {
	return models.Status{
		State:     m.conn,
		UserID:    m.userID,
		Attempt:   m.attempt,
		LastError: m.lastErr,
		NextRetry: m.nextRetry,
	}
}
