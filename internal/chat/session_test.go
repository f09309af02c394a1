package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-chat-client/internal/chat"
	"github.com/MegaGrindStone/rag-chat-client/internal/models"
)

type pushTransport struct {
	*fakeTransport
	pushed []string
}

func (p *pushTransport) Push(_ context.Context, userID, message string) error {
	p.pushed = append(p.pushed, userID+":"+message)
	return nil
}

func TestNewSessionInvalidUserID(t *testing.T) {
	_, err := chat.NewSession(newFakeTransport(), &mockChatAPI{}, chat.NewStore(nil, testLogger()),
		chat.SessionConfig{UserID: "   "}, testLogger())
	if !errors.Is(err, chat.ErrEmptyUserID) {
		t.Errorf("NewSession() error = %v, want %v", err, chat.ErrEmptyUserID)
	}
}

func TestSession(t *testing.T) {
	transport := newFakeTransport()
	api := &mockChatAPI{env: models.Envelope{Status: 200}}
	s, err := chat.NewSession(transport, api, chat.NewStore(nil, testLogger()), chat.SessionConfig{
		UserID:        "abcDEF1234",
		UnifyReplyIDs: true,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	errs := make(chan error, 1)
	go func() { errs <- s.Run(context.Background()) }()

	c1 := transport.next(t)
	if c1.userID != "abcDEF1234" || s.UserID() != "abcDEF1234" {
		t.Errorf("userID = %q/%q, want abcDEF1234", c1.userID, s.UserID())
	}
	c1.send(t, models.OpenEvent())

	out, err := s.Send(context.Background(), "Hi", models.SearchModeWeb)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !out.Dispatched {
		t.Fatalf("Send() = %+v, want dispatched", out)
	}

	c1.send(t, add("Hel"), add("lo"), finish(out.BotMessageID, "Hello!"))

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs := s.Messages()
		if len(msgs) == 2 && msgs[1].Content == "Hello!" {
			if msgs[1].ID != out.BotMessageID {
				t.Errorf("reply id = %q, want %q", msgs[1].ID, out.BotMessageID)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Messages() = %v, want the finished reply", msgs)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Push(context.Background(), "ping"); !errors.Is(err, chat.ErrPushUnsupported) {
		t.Errorf("Push() error = %v, want %v", err, chat.ErrPushUnsupported)
	}

	id := s.RegenerateIdentity()
	c2 := transport.next(t)
	if c2.userID != id || id == "abcDEF1234" {
		t.Errorf("reconnected as %q, want %q", c2.userID, id)
	}

	if err := s.OverrideIdentity(""); !errors.Is(err, chat.ErrEmptyUserID) {
		t.Errorf("OverrideIdentity() error = %v, want %v", err, chat.ErrEmptyUserID)
	}
	if err := s.OverrideIdentity("alice"); err != nil {
		t.Fatalf("OverrideIdentity() error = %v", err)
	}
	if c3 := transport.next(t); c3.userID != "alice" {
		t.Errorf("reconnected as %q, want alice", c3.userID)
	}

	s.Reconnect()
	transport.next(t)

	s.Clear()
	if n := len(s.Messages()); n != 0 {
		t.Errorf("Messages() after Clear has %d messages", n)
	}

	s.Close()
	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after Close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Close")
	}
	if transport.closes == 0 {
		t.Error("Close() did not close the transport")
	}
	s.Close()
}

func TestSessionPush(t *testing.T) {
	transport := &pushTransport{fakeTransport: newFakeTransport()}
	s, err := chat.NewSession(transport, &mockChatAPI{}, chat.NewStore(nil, testLogger()),
		chat.SessionConfig{UserID: "abcDEF1234"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Push(context.Background(), "ping"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(transport.pushed) != 1 || transport.pushed[0] != "abcDEF1234:ping" {
		t.Errorf("pushed = %v, want [abcDEF1234:ping]", transport.pushed)
	}
}

func TestSessionCloseBeforeRun(t *testing.T) {
	s, err := chat.NewSession(newFakeTransport(), &mockChatAPI{}, chat.NewStore(nil, testLogger()),
		chat.SessionConfig{UserID: "abcDEF1234"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	s.Close()

	errs := make(chan error, 1)
	go func() { errs <- s.Run(context.Background()) }()
	select {
	case err := <-errs:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after Close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after an earlier Close")
	}
}
