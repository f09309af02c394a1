package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/chat"
	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Chat is the chat session the relay exposes over HTTP.
type Chat interface {
	Send(ctx context.Context, content string, mode models.SearchMode) (chat.Outcome, error)
	Clear()
	Messages() []models.Message
	Watch(ctx context.Context) iter.Seq[[]models.Message]
	Status() models.Status
	WatchStatus(ctx context.Context) iter.Seq[models.Status]
	Reconnect()
	UserID() string
}

// Main relays a chat session to local HTTP clients. Requests are served by the Handle* methods, and every change of
// the message list or of the connectivity is broadcast through server-sent events.
type Main struct {
	sseSrv *sse.Server

	chat   Chat
	logger *slog.Logger
}

const errLoggerKey = "err"

// SSE event types for real-time updates.
var (
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
	closeSSEType    = sse.Type("close")
)

// NewMain creates a relay for the given chat session. Nothing is published until Start is called.
func NewMain(c Chat, logger *slog.Logger) Main {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With(slog.String("module", "main"))

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(http.ResponseWriter, *http.Request) ([]string, bool) {
				return []string{sse.DefaultTopic}, true
			},
			Logger: func(*http.Request) *slog.Logger {
				return logger
			},
		},
		chat:   c,
		logger: logger,
	}
}

// Start publishes the message list and the connectivity of the session to every subscriber until ctx is done.
func (m Main) Start(ctx context.Context) {
	go m.publishMessages(ctx)
	go m.publishStatus(ctx)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected clients and waits up
// to 5 seconds for connections to terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeSSEType}
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) publishMessages(ctx context.Context) {
	for msgs := range m.chat.Watch(ctx) {
		m.publish(messagesSSEType, msgs)
	}
}

func (m Main) publishStatus(ctx context.Context) {
	for st := range m.chat.WatchStatus(ctx) {
		m.publish(statusSSEType, st)
	}
}

func (m Main) publish(typ sse.EventType, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to marshal event", slog.String("type", typ.String()), slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: typ}
	msg.AppendData(string(b))
	if err := m.sseSrv.Publish(msg); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
		m.logger.Error("Failed to publish event", slog.String("type", typ.String()), slog.String(errLoggerKey, err.Error()))
	}
}
