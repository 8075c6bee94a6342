package chatsync

import (
	"context"

	"github.com/rs/zerolog"
)

// RoomState is the room subscription state of a session.
type RoomState int

const (
	RoomIdle RoomState = iota
	RoomJoined
)

func (s RoomState) String() string {
	if s == RoomJoined {
		return "joined"
	}
	return "idle"
}

// RoomManager keeps at most one room membership per session and issues the
// join/leave protocol events for conversation switches.
//
// RoomManager is not safe for concurrent use; Session serializes access.
type RoomManager struct {
	channel PushChannel
	log     zerolog.Logger

	desired Conversation
	joined  Conversation
}

// NewRoomManager creates an idle manager emitting through channel.
func NewRoomManager(channel PushChannel, log zerolog.Logger) *RoomManager {
	return &RoomManager{channel: channel, log: log}
}

// State returns RoomJoined while a membership exists.
func (r *RoomManager) State() RoomState {
	if r.joined.IsZero() {
		return RoomIdle
	}
	return RoomJoined
}

// Joined returns the conversation whose room is joined, or the zero value.
func (r *RoomManager) Joined() Conversation {
	return r.joined
}

// Desired returns the conversation the manager wants to be joined to.
func (r *RoomManager) Desired() Conversation {
	return r.desired
}

// Select switches the membership to conv: leave the current room, then join
// the new one. Selecting the joined conversation is a no-op. When the join
// cannot be emitted the manager stays idle and joins on the next Resubscribe.
func (r *RoomManager) Select(ctx context.Context, conv Conversation) error {
	r.desired = conv
	if r.joined == conv {
		return nil
	}
	if !r.joined.IsZero() {
		r.leave(ctx)
	}
	return r.join(ctx)
}

// Leave drops the membership and forgets the desired conversation, as on
// logout.
func (r *RoomManager) Leave(ctx context.Context) {
	r.desired = Conversation{}
	if !r.joined.IsZero() {
		r.leave(ctx)
	}
}

// Invalidate marks the membership as lost without emitting anything. The
// server drops room state with the connection.
func (r *RoomManager) Invalidate() {
	if !r.joined.IsZero() {
		r.log.Info().Str("conversation", r.joined.Key()).Msg("room membership invalidated")
	}
	r.joined = Conversation{}
}

// Resubscribe joins the desired conversation if no membership exists.
func (r *RoomManager) Resubscribe(ctx context.Context) error {
	if r.desired.IsZero() || !r.joined.IsZero() {
		return nil
	}
	return r.join(ctx)
}

func (r *RoomManager) join(ctx context.Context) error {
	conv := r.desired
	if err := r.channel.Emit(ctx, EventJoinConversation, RoomPayload{ConversationRef: conv}); err != nil {
		r.log.Warn().Err(err).Str("conversation", conv.Key()).Msg("join not sent")
		return err
	}
	r.joined = conv
	r.log.Info().Str("conversation", conv.Key()).Msg("joined room")
	return nil
}

// leave emits the leave event and drops the membership whether or not the
// emit succeeded: a failed emit means the connection, and with it the
// server-side membership, is gone.
func (r *RoomManager) leave(ctx context.Context) {
	conv := r.joined
	r.joined = Conversation{}
	if err := r.channel.Emit(ctx, EventLeaveConversation, RoomPayload{ConversationRef: conv}); err != nil {
		r.log.Warn().Err(err).Str("conversation", conv.Key()).Msg("leave not sent")
		return
	}
	r.log.Info().Str("conversation", conv.Key()).Msg("left room")
}
