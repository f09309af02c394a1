package chat

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
)

// Identity holds the user id that correlates dispatched requests with the event stream subscription.
type Identity struct {
	mu     sync.RWMutex
	userID string
}

const (
	userIDLength   = 10
	userIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrEmptyUserID is returned when overriding the identity with a blank id.
var ErrEmptyUserID = errors.New("user id must not be empty")

// NewIdentity creates an identity with a freshly generated user id.
func NewIdentity() *Identity {
	return &Identity{userID: randomUserID()}
}

// CurrentUserID returns the user id in use.
func (i *Identity) CurrentUserID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.userID
}

// Regenerate replaces the user id with a new random one and returns it.
func (i *Identity) Regenerate() string {
	id := randomUserID()

	i.mu.Lock()
	defer i.mu.Unlock()

	i.userID = id
	return id
}

// Override sets the user id explicitly.
func (i *Identity) Override(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyUserID
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.userID = id
	return nil
}

func randomUserID() string {
	var sb strings.Builder
	sb.Grow(userIDLength)
	for range userIDLength {
		sb.WriteByte(userIDAlphabet[rand.IntN(len(userIDAlphabet))])
	}
	return sb.String()
}
