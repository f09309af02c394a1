package models

import "time"

// ConnState is the connectivity of the event stream as seen by the consumer.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnError        ConnState = "error"
)

// Status is a snapshot of the stream subscription.
type Status struct {
	State  ConnState `json:"state"`
	UserID string    `json:"userId"`

	// Attempt counts consecutive failed connection attempts. It resets on every successful open.
	Attempt   int       `json:"attempt"`
	LastError string    `json:"lastError,omitempty"`
	NextRetry time.Time `json:"nextRetry"`
}
