package chat

import "errors"

const errLoggerKey = "err"

// ErrEmptyMessage is returned when sending a message without content.
var ErrEmptyMessage = errors.New("message is empty")
