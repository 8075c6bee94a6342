package chatsync

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// SendPipeline turns outgoing text into an optimistic timeline entry plus a
// send_message emit. It never waits for the server.
//
// SendPipeline is not safe for concurrent use; Session serializes access.
type SendPipeline struct {
	self    User
	store   *Store
	channel PushChannel
	log     zerolog.Logger
}

// NewSendPipeline creates a pipeline sending as self.
func NewSendPipeline(self User, store *Store, channel PushChannel, log zerolog.Logger) *SendPipeline {
	return &SendPipeline{self: self, store: store, channel: channel, log: log}
}

// Send inserts an optimistic message for text into conv and emits it.
//
// Empty or whitespace-only text returns ErrEmptyMessage with no side effect.
// When the emit fails the optimistic message is still returned, together
// with the transport error; the entry stays in the timeline.
func (p *SendPipeline) Send(ctx context.Context, conv Conversation, text string) (Message, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}
	if !conv.Valid() {
		return Message{}, ErrInvalidConversation
	}

	msg := p.store.InsertOptimistic(conv, Message{
		SenderID:          p.self.ID,
		SenderDisplayName: p.self.DisplayName,
		Content:           content,
	})

	if err := p.channel.Emit(ctx, EventSendMessage, SendPayload{ConversationRef: conv, Content: content}); err != nil {
		p.log.Warn().Err(err).
			Str("conversation", conv.Key()).
			Str("local_id", msg.LocalID).
			Msg("send not emitted; optimistic entry kept")
		return msg, err
	}
	return msg, nil
}
