package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MegaGrindStone/rag-chat-client/internal/models"
	"github.com/charmbracelet/lipgloss"
)

var (
	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// transcript prints a live message list as a growing conversation. A message extended at its end is continued in
// place, any other change prints the message again.
type transcript struct {
	mu      sync.Mutex
	w       io.Writer
	printed map[string]string
	last    string
	// open is true while the cursor sits at the end of a message line.
	open bool
}

func newTranscript(w io.Writer) *transcript {
	return &transcript{
		w:       w,
		printed: make(map[string]string),
	}
}

func (t *transcript) render(msgs []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(msgs) == 0 {
		if len(t.printed) > 0 {
			t.printed = make(map[string]string)
			t.note(infoStyle.Render("conversation cleared"))
		}
		return
	}

	for _, msg := range msgs {
		prev, ok := t.printed[msg.ID]
		switch {
		case ok && prev == msg.Content:
			continue
		case ok && t.last == msg.ID && strings.HasPrefix(msg.Content, prev):
			fmt.Fprint(t.w, msg.Content[len(prev):])
		default:
			t.breakLine()
			fmt.Fprint(t.w, label(msg.Role)+" "+msg.Content)
			t.open = true
		}
		t.printed[msg.ID] = msg.Content
		t.last = msg.ID
	}
}

func (t *transcript) info(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.note(infoStyle.Render(fmt.Sprintf(format, args...)))
}

func (t *transcript) error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.note(errorStyle.Render("error: " + err.Error()))
}

// close ends the current message line, if any.
func (t *transcript) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.breakLine()
}

func (t *transcript) note(s string) {
	t.breakLine()
	fmt.Fprintln(t.w, s)
	t.last = ""
}

func (t *transcript) breakLine() {
	if t.open {
		fmt.Fprintln(t.w)
		t.open = false
	}
}

func label(role models.Role) string {
	if role == models.RoleUser {
		return userStyle.Render("you:")
	}
	return botStyle.Render("bot:")
}

func statusLine(st models.Status) string {
	switch st.State {
	case models.ConnConnected:
		return fmt.Sprintf("connected as %s", st.UserID)
	case models.ConnConnecting:
		return fmt.Sprintf("connecting as %s", st.UserID)
	case models.ConnError:
		if st.NextRetry.IsZero() {
			return fmt.Sprintf("stream failed after %d attempts (%s), use /reconnect", st.Attempt, st.LastError)
		}
		return fmt.Sprintf("stream failed (%s), retrying", st.LastError)
	}
	return "disconnected, use /reconnect"
}
