package chatsync

import (
	"context"
	"fmt"
)

// HistoryFetcher is the durable history collaborator.
type HistoryFetcher interface {
	FetchPrivateHistory(ctx context.Context, peerUserID string) ([]Message, error)
	FetchGroupHistory(ctx context.Context, groupID string) ([]Message, error)
}

// HistoryLoader loads a conversation's history and hands out activation
// tokens so that only the response for the latest activation is applied.
type HistoryLoader struct {
	fetcher HistoryFetcher
	current uint64
}

// NewHistoryLoader creates a loader backed by fetcher.
func NewHistoryLoader(fetcher HistoryFetcher) *HistoryLoader {
	return &HistoryLoader{fetcher: fetcher}
}

// Begin starts a new activation and returns its token. Tokens from earlier
// activations stop being current.
func (l *HistoryLoader) Begin() uint64 {
	l.current++
	return l.current
}

// Current reports whether token belongs to the latest activation.
func (l *HistoryLoader) Current(token uint64) bool {
	return token == l.current
}

// Load fetches conv's history. Failures are returned as *FetchError.
func (l *HistoryLoader) Load(ctx context.Context, conv Conversation) ([]Message, error) {
	var (
		msgs []Message
		err  error
	)
	switch conv.Kind {
	case KindPrivate:
		msgs, err = l.fetcher.FetchPrivateHistory(ctx, conv.PeerUserID)
	case KindGroup:
		msgs, err = l.fetcher.FetchGroupHistory(ctx, conv.GroupID)
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidConversation, conv.Kind)
	}
	if err != nil {
		return nil, &FetchError{Conversation: conv, Err: err}
	}
	for i := range msgs {
		msgs[i].Conversation = conv
		msgs[i].Origin = OriginHistory
	}
	return msgs, nil
}
