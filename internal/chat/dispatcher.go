package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/google/uuid"
)

// ChatAPI triggers server-side processing of a user message. A returned error means the exchange itself failed, a
// business failure is reported through the envelope.
type ChatAPI interface {
	Dispatch(ctx context.Context, mode models.SearchMode, req models.ChatRequest) (models.Envelope, error)
}

// UserIDSource lends the session user id to the dispatcher.
type UserIDSource interface {
	CurrentUserID() string
}

// ReplyTracker is told about every dispatch before the request goes out, since fragments may arrive before the
// response does, and about the ones that failed.
type ReplyTracker interface {
	Expect(botMessageID string)
	Cancel(botMessageID string)
}

// Dispatcher sends user messages to the chat API.
type Dispatcher struct {
	api      ChatAPI
	store    *Store
	identity UserIDSource
	tracker  ReplyTracker
	newID    func() string

	logger *slog.Logger
}

// Outcome describes what a Send did.
type Outcome struct {
	UserMessageID string
	// BotMessageID is the correlation id sent along with the request. On failure it is also the id of the synthesized
	// bot message.
	BotMessageID string
	// Dispatched is true when the server accepted the message; the reply will come through the event stream.
	Dispatched bool
	// Failure holds the text of the synthesized bot message when Dispatched is false.
	Failure string
}

const (
	businessFailurePrefix  = "请求失败: "
	transportFailurePrefix = "发生错误: "
)

// NewDispatcher creates a dispatcher. tracker may be nil.
func NewDispatcher(api ChatAPI, store *Store, identity UserIDSource, tracker ReplyTracker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		api:      api,
		store:    store,
		identity: identity,
		tracker:  tracker,
		newID:    func() string { return uuid.New().String() },
		logger:   logger.With(slog.String("module", "dispatcher")),
	}
}

// Send appends the user message to the store, then asks the server to process it with the given mode.
//
// The bot reply is not awaited: on success it arrives later through the event stream. When the server reports a
// failure, or the call itself fails, a bot message describing the failure is stored right away under the
// correlation id. Only invalid arguments are returned as errors.
func (d *Dispatcher) Send(ctx context.Context, content string, mode models.SearchMode) (Outcome, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if !mode.Valid() {
		return Outcome{}, fmt.Errorf("%w: %d", models.ErrUnknownSearchMode, int(mode))
	}

	userMsg := models.Message{
		ID:        d.newID(),
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
	if err := d.store.Append(userMsg); err != nil {
		return Outcome{}, fmt.Errorf("failed to add user message: %w", err)
	}

	out := Outcome{
		UserMessageID: userMsg.ID,
		BotMessageID:  d.newID(),
	}
	req := models.ChatRequest{
		CurrentUserName: d.identity.CurrentUserID(),
		Message:         content,
		BotMessageID:    out.BotMessageID,
	}

	d.logger.Debug("Sending message",
		slog.String("mode", mode.String()),
		slog.String("userID", req.CurrentUserName),
		slog.String("botMsgID", out.BotMessageID),
		slog.String("message", models.Preview(content, 50)))

	if d.tracker != nil {
		d.tracker.Expect(out.BotMessageID)
	}

	env, err := d.api.Dispatch(ctx, mode, req)
	switch {
	case err != nil:
		d.logger.Error("Failed to dispatch message",
			slog.String("botMsgID", out.BotMessageID),
			slog.String(errLoggerKey, err.Error()))
		out.Failure = transportFailurePrefix + err.Error()
	case !env.OK():
		d.logger.Error("Server rejected message",
			slog.String("botMsgID", out.BotMessageID),
			slog.Int("status", env.Status),
			slog.String("msg", env.Msg))
		out.Failure = businessFailurePrefix + env.Msg
	default:
		out.Dispatched = true
		d.logger.Debug("Message dispatched, waiting for stream", slog.String("botMsgID", out.BotMessageID))
		return out, nil
	}

	if d.tracker != nil {
		d.tracker.Cancel(out.BotMessageID)
	}
	// Written by id: if a finish event for the same id raced ahead, whichever write lands last wins.
	d.store.Upsert(models.Message{
		ID:        out.BotMessageID,
		Role:      models.RoleBot,
		Content:   out.Failure,
		Timestamp: time.Now(),
	})
	return out, nil
}
