package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/chat"
	"github.com/MegaGrindStone/rag-chat-client/internal/handlers"
	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/tmaxmax/go-sse"
)

type mockChat struct {
	mu         sync.Mutex
	messages   []models.Message
	status     models.Status
	sent       []string
	modes      []models.SearchMode
	cleared    int
	reconnects int
	sendErr    error
}

func TestNewMain(t *testing.T) {
	main := handlers.NewMain(&mockChat{}, nil)

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleMessages(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		sendErr     error
		wantStatus  int
		wantSent    string
		wantMode    models.SearchMode
		wantBody    string
	}{
		{
			name:       "List messages",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
			wantBody:   "Hello",
		},
		{
			name:        "Send form message",
			method:      http.MethodPost,
			contentType: "application/x-www-form-urlencoded",
			body:        "message=Hi&mode=kb",
			wantStatus:  http.StatusAccepted,
			wantSent:    "Hi",
			wantMode:    models.SearchModeKnowledgeBase,
			wantBody:    "botMessageId",
		},
		{
			name:        "Send JSON message",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `{"message":"Hi","mode":"web"}`,
			wantStatus:  http.StatusAccepted,
			wantSent:    "Hi",
			wantMode:    models.SearchModeWeb,
		},
		{
			name:        "Send JSON message without mode",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `{"message":"Hi"}`,
			wantStatus:  http.StatusAccepted,
			wantSent:    "Hi",
			wantMode:    models.SearchModeNormal,
		},
		{
			name:        "Unknown form mode",
			method:      http.MethodPost,
			contentType: "application/x-www-form-urlencoded",
			body:        "message=Hi&mode=deep",
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Invalid JSON",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `{"message":`,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Empty message",
			method:      http.MethodPost,
			contentType: "application/x-www-form-urlencoded",
			body:        "message=",
			sendErr:     chat.ErrEmptyMessage,
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "Send failure",
			method:      http.MethodPost,
			contentType: "application/x-www-form-urlencoded",
			body:        "message=Hi",
			sendErr:     errors.New("boom"),
			wantStatus:  http.StatusInternalServerError,
		},
		{
			name:       "Clear messages",
			method:     http.MethodDelete,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Invalid method",
			method:     http.MethodPut,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &mockChat{
				messages: []models.Message{{ID: "1", Role: models.RoleUser, Content: "Hello"}},
				sendErr:  tt.sendErr,
			}
			main := handlers.NewMain(c, nil)

			req := httptest.NewRequest(tt.method, "/messages", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()

			main.HandleMessages(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleMessages() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleMessages() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}

			if tt.wantSent != "" {
				if len(c.sent) != 1 || c.sent[0] != tt.wantSent {
					t.Errorf("sent = %v, want [%v]", c.sent, tt.wantSent)
				}
				if c.modes[0] != tt.wantMode {
					t.Errorf("mode = %v, want %v", c.modes[0], tt.wantMode)
				}
			}
			if tt.method == http.MethodDelete && c.cleared != 1 {
				t.Errorf("cleared = %d, want 1", c.cleared)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	c := &mockChat{status: models.Status{State: models.ConnConnected, UserID: "abcDEF1234"}}
	main := handlers.NewMain(c, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	main.HandleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleStatus() status = %v, want %v", w.Code, http.StatusOK)
	}

	var st models.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if st.State != models.ConnConnected || st.UserID != "abcDEF1234" {
		t.Errorf("HandleStatus() = %+v, want connected abcDEF1234", st)
	}

	req = httptest.NewRequest(http.MethodPost, "/status", nil)
	w = httptest.NewRecorder()
	main.HandleStatus(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("HandleStatus() status = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleReconnect(t *testing.T) {
	c := &mockChat{}
	main := handlers.NewMain(c, nil)

	req := httptest.NewRequest(http.MethodPost, "/reconnect", nil)
	w := httptest.NewRecorder()
	main.HandleReconnect(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("HandleReconnect() status = %v, want %v", w.Code, http.StatusAccepted)
	}
	if c.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", c.reconnects)
	}

	req = httptest.NewRequest(http.MethodGet, "/reconnect", nil)
	w = httptest.NewRecorder()
	main.HandleReconnect(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("HandleReconnect() status = %v, want %v", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleSSE(t *testing.T) {
	c := &mockChat{
		messages: []models.Message{{ID: "1", Role: models.RoleBot, Content: "Hello!"}},
		status:   models.Status{State: models.ConnConnected},
	}
	main := handlers.NewMain(c, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	main.Start(ctx)

	srv := httptest.NewServer(http.HandlerFunc(main.HandleSSE))
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	timer := time.AfterFunc(5*time.Second, cancel)
	defer timer.Stop()

	seen := map[string]string{}
	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			break
		}
		seen[ev.Type] = ev.Data
		if _, ok := seen["messages"]; ok {
			if _, ok := seen["status"]; ok {
				break
			}
		}
	}

	var msgs []models.Message
	if err := json.Unmarshal([]byte(seen["messages"]), &msgs); err != nil {
		t.Fatalf("failed to decode messages event %q: %v", seen["messages"], err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello!" {
		t.Errorf("messages event = %+v, want one message Hello!", msgs)
	}

	var st models.Status
	if err := json.Unmarshal([]byte(seen["status"]), &st); err != nil {
		t.Fatalf("failed to decode status event %q: %v", seen["status"], err)
	}
	if st.State != models.ConnConnected {
		t.Errorf("status event state = %v, want %v", st.State, models.ConnConnected)
	}
}

func (m *mockChat) Send(_ context.Context, content string, mode models.SearchMode) (chat.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return chat.Outcome{}, m.sendErr
	}
	m.sent = append(m.sent, content)
	m.modes = append(m.modes, mode)
	return chat.Outcome{UserMessageID: "u1", BotMessageID: "b1", Dispatched: true}, nil
}

func (m *mockChat) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleared++
	m.messages = nil
}

func (m *mockChat) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.messages
}

// Watch and WatchStatus repeat the current value until ctx is done, so a subscriber that joins late still gets it.
func (m *mockChat) Watch(ctx context.Context) iter.Seq[[]models.Message] {
	return repeat(ctx, m.Messages)
}

func (m *mockChat) Status() models.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

func (m *mockChat) WatchStatus(ctx context.Context) iter.Seq[models.Status] {
	return repeat(ctx, m.Status)
}

func (m *mockChat) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnects++
}

func (m *mockChat) UserID() string {
	return m.Status().UserID
}

func repeat[T any](ctx context.Context, get func() T) iter.Seq[T] {
	return func(yield func(T) bool) {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()

		for {
			if !yield(get()) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
