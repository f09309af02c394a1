package models

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrConnect marks failures that happened while establishing the event stream, before the server acknowledged it.
var ErrConnect = errors.New("event stream connect failed")

// ChatRequest is the body shared by every dispatch endpoint.
type ChatRequest struct {
	CurrentUserName string `json:"currentUserName"`
	Message         string `json:"message"`
	BotMessageID    string `json:"botMsgId"`
}

// Envelope is the response wrapper of the chat API. A Status other than 200 is a business failure described by Msg,
// even when the HTTP exchange itself succeeded.
type Envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the envelope denotes success.
func (e Envelope) OK() bool {
	return e.Status == http.StatusOK
}

// StoredMessage is a message along with its insertion sequence, as kept by a history journal.
type StoredMessage struct {
	Seq uint64
	Message
}
