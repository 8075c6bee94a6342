package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage rejects sends whose content is empty after trimming.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNotConnected is returned by Emit when the channel has no connection.
	ErrNotConnected = errors.New("push channel not connected")
	// ErrNoConversation is returned when an operation needs a conversation and
	// none was given or active.
	ErrNoConversation = errors.New("no conversation selected")
	// ErrInvalidConversation rejects malformed conversation references.
	ErrInvalidConversation = errors.New("invalid conversation")
	// ErrSessionClosed is returned by operations on a closed Session.
	ErrSessionClosed = errors.New("session closed")
)

// FetchError reports a failed history load for one conversation. It is
// recoverable: activating the conversation again retries the fetch.
type FetchError struct {
	Conversation Conversation
	Err          error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch history for %s: %v", e.Conversation, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TransportError reports a push channel failure. It never terminates the
// session; the channel recovers through reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
