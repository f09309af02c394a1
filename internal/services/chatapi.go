package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
)

// ChatAPI is the request/response side of the chat server. A successful dispatch only triggers processing, the
// reply itself arrives later on the event stream.
type ChatAPI struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

const errLoggerKey = "err"

const (
	chatPath           = "/chat/doChat"
	ragSearchPath      = "/rag/search"
	internetSearchPath = "/internet/search"

	defaultRequestTimeout = 30 * time.Second
)

// NewChatAPI creates a client for the chat server at baseURL. When client is nil, a client with a 30 seconds timeout
// is used.
func NewChatAPI(baseURL string, client *http.Client, logger *slog.Logger) ChatAPI {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return ChatAPI{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "chatapi")),
	}
}

// EndpointPath returns the path that serves the given search mode.
func EndpointPath(mode models.SearchMode) (string, error) {
	switch mode {
	case models.SearchModeNormal:
		return chatPath, nil
	case models.SearchModeKnowledgeBase:
		return ragSearchPath, nil
	case models.SearchModeWeb:
		return internetSearchPath, nil
	}
	return "", fmt.Errorf("%w: %d", models.ErrUnknownSearchMode, int(mode))
}

// Dispatch posts req to the endpoint of mode and decodes the response envelope. A returned error means the exchange
// itself failed (network, HTTP status, undecodable body); business failures are reported through the envelope.
func (c ChatAPI) Dispatch(ctx context.Context, mode models.SearchMode, req models.ChatRequest) (models.Envelope, error) {
	path, err := EndpointPath(mode)
	if err != nil {
		return models.Envelope{}, err
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Dispatching message",
		slog.String("mode", mode.String()),
		slog.String("userID", req.CurrentUserName),
		slog.String("botMsgID", req.BotMessageID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return models.Envelope{}, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Envelope{}, fmt.Errorf("%w: %d, body: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	var env models.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return models.Envelope{}, fmt.Errorf("error decoding response: %w", err)
	}

	c.logger.Debug("Dispatch finished",
		slog.String("botMsgID", req.BotMessageID),
		slog.Int("status", env.Status),
		slog.Duration("took", time.Since(start)))

	return env, nil
}
