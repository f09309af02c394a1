package models

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a single entry of the conversation. Its ID is minted on the client and stays the same for the
// whole lifetime of the message, while Content may grow or be replaced as the bot reply streams in.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role represents the author of a message.
type Role string

const (
	// RoleUser represents a message typed by the user. It is never modified after creation.
	RoleUser Role = "user"
	// RoleBot represents a message produced by the server, either streamed or synthesized on dispatch failure.
	RoleBot Role = "bot"
)

// Preview returns content cut to at most n runes, suffixed with "..." when it was shortened.
func Preview(content string, n int) string {
	r := []rune(content)
	if len(r) <= n {
		return content
	}
	return string(r[:n]) + "..."
}

func (m Message) String() string {
	return fmt.Sprintf("%s[%s] %s", m.Role, m.ID, strings.TrimSpace(Preview(m.Content, 50)))
}
