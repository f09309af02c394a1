package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// chatServer streams "Hi" and "!" as add fragments after every accepted message.
func chatServer(t *testing.T) (*httptest.Server, <-chan models.ChatRequest) {
	t.Helper()

	dispatched := make(chan models.ChatRequest, 4)
	replies := make(chan string, 4)

	mux := http.NewServeMux()
	mux.HandleFunc("/sse/connect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case reply := <-replies:
				for _, chunk := range []string{reply, "!"} {
					fmt.Fprintf(w, "event: add\ndata: %s\n\n", chunk)
				}
				w.(http.Flusher).Flush()
			}
		}
	})
	mux.HandleFunc("/chat/doChat", func(w http.ResponseWriter, r *http.Request) {
		var req models.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		dispatched <- req
		replies <- "Hi"
		fmt.Fprint(w, `{"status":200,"msg":"ok"}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, dispatched
}

func waitFor(t *testing.T, out *syncBuffer, want string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output %q does not contain %q", out.String(), want)
}

func TestRunChat(t *testing.T) {
	srv, dispatched := chatServer(t)

	cfg := defaultConfig()
	cfg.BaseURL = srv.URL
	cfg.UserID = "abcDEF1234"
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	in, input := io.Pipe()
	out := &syncBuffer{}

	errs := make(chan error, 1)
	go func() {
		errs <- runChat(context.Background(), cfg, configPath, logger, in, out)
	}()

	waitFor(t, out, "connected as abcDEF1234")

	fmt.Fprintln(input, "hello there")
	select {
	case req := <-dispatched:
		if req.Message != "hello there" || req.CurrentUserName != "abcDEF1234" {
			t.Errorf("dispatched %+v, want hello there from abcDEF1234", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message was not dispatched")
	}
	waitFor(t, out, "Hi!")

	fmt.Fprintln(input, "/mode kb")
	waitFor(t, out, "mode knowledge_base")

	fmt.Fprintln(input, "/nope")
	waitFor(t, out, "unknown command /nope")

	fmt.Fprintln(input, "/quit")
	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("runChat() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runChat() did not return after /quit")
	}

	// The history was written next to the config file.
	a, err := newApp(context.Background(), cfg, configPath, logger)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	msgs := a.session.Messages()
	if len(msgs) != 2 || msgs[0].Content != "hello there" || msgs[1].Content != "Hi!" {
		t.Errorf("restored messages = %v, want the exchange", msgs)
	}
}
