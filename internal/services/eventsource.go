package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/tmaxmax/go-sse"
)

// EventSource is the event stream transport of the chat server. It keeps at most one live connection and turns every
// server-sent event into a models.StreamEvent. It never retries on its own, reconnecting is up to the caller.
type EventSource struct {
	baseURL string
	client  *http.Client
	readCfg *sse.ReadConfig

	logger *slog.Logger

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

// ErrUnexpectedStatus is returned when the server answers with a non-successful HTTP status code.
var ErrUnexpectedStatus = errors.New("unexpected status code")

const (
	connectPath     = "/sse/connect"
	sendMessagePath = "/sse/sendMessage"

	// Bot replies are sent whole in finish events, so allow for more than the default 64KB.
	maxEventSize = 1 << 20
)

// NewEventSource creates a transport for the server at baseURL. The client must not have a Timeout set, as it would
// cut the long-lived stream; use transport level timeouts instead.
func NewEventSource(baseURL string, client *http.Client, logger *slog.Logger) *EventSource {
	if client == nil {
		client = &http.Client{}
	}
	return &EventSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		readCfg: &sse.ReadConfig{MaxEventSize: maxEventSize},
		logger:  logger.With(slog.String("module", "eventsource")),
	}
}

// Connect opens the stream for userID and returns the sequence of its events. The sequence starts with an Open event
// once the server accepted the request, and ends with either a Closed event (graceful end of stream) or a single
// Error event. Failures that happen before Open wrap models.ErrConnect.
//
// If the sequence is stopped through ctx or Close, it ends without any further event.
func (e *EventSource) Connect(ctx context.Context, userID string) iter.Seq[models.StreamEvent] {
	return func(yield func(models.StreamEvent) bool) {
		ctx, cancel := context.WithCancel(ctx)
		gen := e.track(cancel)
		defer e.untrack(gen)
		defer cancel()

		resp, err := e.open(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("Failed to connect event stream",
				slog.String("userID", userID),
				slog.String(errLoggerKey, err.Error()))
			yield(models.ErrorEvent(fmt.Errorf("%w: %w", models.ErrConnect, err)))
			return
		}
		defer resp.Body.Close()

		e.logger.Info("Event stream connected",
			slog.String("userID", userID),
			slog.Int("status", resp.StatusCode))
		if !yield(models.OpenEvent()) {
			return
		}

		for ev, err := range sse.Read(resp.Body, e.readCfg) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Error("Error reading event stream",
					slog.String("userID", userID),
					slog.String(errLoggerKey, err.Error()))
				yield(models.ErrorEvent(fmt.Errorf("error reading event stream: %w", err)))
				return
			}

			e.logger.Debug("Received event",
				slog.String("type", ev.Type),
				slog.String("id", ev.LastEventID),
				slog.Int("length", len(ev.Data)),
				slog.String("data", models.Preview(ev.Data, 100)))

			if !yield(models.FragmentEvent(ev.Type, ev.Data)) {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		e.logger.Info("Event stream closed by server", slog.String("userID", userID))
		yield(models.ClosedEvent())
	}
}

// Close cancels the connection currently open, if any. It is safe to call from any goroutine, any number of times.
func (e *EventSource) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel == nil {
		return
	}
	e.logger.Debug("Closing event stream")
	e.cancel()
	e.cancel = nil
}

// Push sends message directly onto the stream channel of userID, bypassing the chat API.
func (e *EventSource) Push(ctx context.Context, userID, message string) error {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+sendMessagePath+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	e.logger.Debug("Pushed message",
		slog.String("userID", userID),
		slog.String("message", models.Preview(message, 50)))
	return nil
}

func (e *EventSource) open(ctx context.Context, userID string) (*http.Response, error) {
	q := url.Values{}
	q.Set("userId", userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+connectPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d, body: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}
	return resp, nil
}

// track replaces the cancel function of the live connection. A previous connection that is still open is cancelled,
// since only one subscription per session may exist.
func (e *EventSource) track(cancel context.CancelFunc) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	e.cancel = cancel
	return e.gen
}

func (e *EventSource) untrack(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gen == gen {
		e.cancel = nil
	}
}
