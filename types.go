package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Conversation
// ============================================================================

// ConversationKind discriminates private and group conversations.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// Conversation identifies either a private pairing with another user or a
// group. The zero value is "no conversation".
type Conversation struct {
	Kind       ConversationKind `json:"kind"`
	PeerUserID string           `json:"peerUserId,omitempty"`
	GroupID    string           `json:"groupId,omitempty"`
}

// PrivateWith returns the private conversation with peerUserID.
func PrivateWith(peerUserID string) Conversation {
	return Conversation{Kind: KindPrivate, PeerUserID: peerUserID}
}

// Group returns the conversation for groupID.
func Group(groupID string) Conversation {
	return Conversation{Kind: KindGroup, GroupID: groupID}
}

// IsZero reports whether c names no conversation.
func (c Conversation) IsZero() bool {
	return c == Conversation{}
}

// Valid reports whether c is a well-formed private or group conversation.
func (c Conversation) Valid() bool {
	switch c.Kind {
	case KindPrivate:
		return c.PeerUserID != "" && c.GroupID == ""
	case KindGroup:
		return c.GroupID != "" && c.PeerUserID == ""
	}
	return false
}

// Key returns the canonical string form, "private:<peer>" or "group:<id>".
func (c Conversation) Key() string {
	switch c.Kind {
	case KindPrivate:
		return "private:" + c.PeerUserID
	case KindGroup:
		return "group:" + c.GroupID
	}
	return ""
}

func (c Conversation) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return c.Key()
}

// ParseConversation parses the output of Conversation.Key.
func ParseConversation(key string) (Conversation, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Conversation{}, fmt.Errorf("invalid conversation key %q", key)
	}
	switch ConversationKind(kind) {
	case KindPrivate:
		return PrivateWith(id), nil
	case KindGroup:
		return Group(id), nil
	}
	return Conversation{}, fmt.Errorf("invalid conversation kind %q", kind)
}

// ============================================================================
// Message
// ============================================================================

// Origin records which source produced a timeline entry.
type Origin string

const (
	OriginHistory    Origin = "history"
	OriginOptimistic Origin = "optimistic"
	OriginPushed     Origin = "pushed"
)

// Message is one entry of a conversation timeline.
type Message struct {
	ID                string       `json:"id,omitempty"`
	LocalID           string       `json:"localId,omitempty"`
	Conversation      Conversation `json:"conversationRef"`
	SenderID          string       `json:"senderId"`
	SenderDisplayName string       `json:"senderDisplayName,omitempty"`
	Content           string       `json:"content"`
	CreatedAt         time.Time    `json:"createdAt"`
	Origin            Origin       `json:"origin,omitempty"`
}

// Pending reports whether m is an optimistic entry not yet confirmed.
func (m Message) Pending() bool {
	return m.Origin == OriginOptimistic
}

// User is the identity supplied by the auth collaborator.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ============================================================================
// Push Protocol
// ============================================================================

// Push protocol event names.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMessageDelivered  = "message_delivered"
)

// RoomPayload is the payload of join_conversation and leave_conversation.
type RoomPayload struct {
	ConversationRef Conversation `json:"conversationRef"`
}

// SendPayload is the payload of send_message.
type SendPayload struct {
	ConversationRef Conversation `json:"conversationRef"`
	Content         string       `json:"content"`
}

// DeliveredPayload is the payload of message_delivered.
type DeliveredPayload struct {
	ConversationRef Conversation     `json:"conversationRef"`
	Message         DeliveredMessage `json:"message"`
}

// DeliveredMessage is the authoritative message carried by message_delivered.
type DeliveredMessage struct {
	ID                FlexID `json:"id"`
	SenderID          FlexID `json:"senderId"`
	SenderDisplayName string `json:"senderDisplayName,omitempty"`
	Content           string `json:"content"`
	CreatedAt         string `json:"createdAt"`

	// ReceiverID names the recipient of a private message. Group deliveries
	// leave it empty.
	ReceiverID FlexID `json:"receiverId,omitempty"`
}

// Envelope is the wire format for every push channel frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Datastore Types
// ============================================================================

// APIError is a non-2xx response from the datastore.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d: %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// FlexID decodes identifiers the datastore may send as numbers or strings.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", data)
	}
	*id = FlexID(n.String())
	return nil
}

func (id FlexID) String() string { return string(id) }

// StoredMessage is a message row as returned by the history endpoints.
type StoredMessage struct {
	ID             FlexID `json:"id"`
	SenderID       FlexID `json:"sender_id"`
	ReceiverID     FlexID `json:"receiver_id,omitempty"`
	GroupID        FlexID `json:"group_id,omitempty"`
	SenderUsername string `json:"sender_username"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// toMessage converts a stored row into a history timeline entry.
func (sm StoredMessage) toMessage(conv Conversation) (Message, error) {
	at, err := ParseTimestamp(sm.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("message %s: %w", sm.ID, err)
	}
	return Message{
		ID:                sm.ID.String(),
		Conversation:      conv,
		SenderID:          sm.SenderID.String(),
		SenderDisplayName: sm.SenderUsername,
		Content:           sm.Content,
		CreatedAt:         at,
		Origin:            OriginHistory,
	}, nil
}

// DirectoryUser is a user listed by the directory.
type DirectoryUser struct {
	ID        FlexID `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// GroupInfo is a group listed by the directory.
type GroupInfo struct {
	ID                FlexID `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	CreatedBy         FlexID `json:"created_by,omitempty"`
	CreatedByUsername string `json:"created_by_username,omitempty"`
	MemberCount       int    `json:"member_count,omitempty"`
	CreatedAt         string `json:"created_at,omitempty"`
}

// PrivateChatInfo is a private chat summary.
type PrivateChatInfo struct {
	ID            FlexID `json:"id"`
	User1ID       FlexID `json:"user1_id"`
	User2ID       FlexID `json:"user2_id"`
	OtherUsername string `json:"other_username,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
}

// Peer returns the id of the participant that is not self.
func (p PrivateChatInfo) Peer(self string) string {
	if p.User1ID.String() == self {
		return p.User2ID.String()
	}
	return p.User1ID.String()
}

// RegisterOptions are the fields for Auth.Register.
type RegisterOptions struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterResult is the body of a successful registration.
type RegisterResult struct {
	Message string `json:"message"`
	UserID  FlexID `json:"user_id"`
}

// LoginOptions are the credentials for Auth.Login.
type LoginOptions struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the body of a successful login.
type LoginResult struct {
	Message string        `json:"message"`
	User    DirectoryUser `json:"user"`
	// Session is the session cookie value issued by the datastore.
	Session string `json:"-"`
}

// AuthStatus is the body of check_auth.
type AuthStatus struct {
	Authenticated bool          `json:"authenticated"`
	User          DirectoryUser `json:"user"`
}

// CreateGroupOptions are the fields for Groups.Create.
type CreateGroupOptions struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateGroupResult is the body of a successful group creation.
type CreateGroupResult struct {
	Message string `json:"message"`
	GroupID FlexID `json:"group_id"`
}

// ============================================================================
// Timestamps
// ============================================================================

var timestampLayouts = []string{
	time.RFC3339Nano,
	http.TimeFormat,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999",
}

// ParseTimestamp accepts RFC 3339, HTTP dates, SQL datetimes and unix
// milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
