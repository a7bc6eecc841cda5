package model

// InboundEvent is one decoded server push. The set of implementations is closed;
// consumers type-switch over it.
type InboundEvent interface {
	Room() int64
	inbound()
}

type MessageReceived struct {
	Message ChatMessage
}

type MessageEdited struct {
	RoomID    int64
	MessageID int64
	Content   string
}

type MessageDeleted struct {
	RoomID    int64
	MessageID int64
}

type TypingChanged struct {
	RoomID   int64
	Username string
	IsTyping bool
}

type UserStatusChanged struct {
	RoomID   int64
	UserID   int64
	IsOnline bool
}

func (e MessageReceived) Room() int64   { return e.Message.RoomID }
func (e MessageEdited) Room() int64     { return e.RoomID }
func (e MessageDeleted) Room() int64    { return e.RoomID }
func (e TypingChanged) Room() int64     { return e.RoomID }
func (e UserStatusChanged) Room() int64 { return e.RoomID }

func (MessageReceived) inbound()   {}
func (MessageEdited) inbound()     {}
func (MessageDeleted) inbound()    {}
func (TypingChanged) inbound()     {}
func (UserStatusChanged) inbound() {}

// Keyed payload types used on the wire.
const (
	PayloadTypeTyping = "typing"
	PayloadTypeStatus = "status"
	PayloadTypeEdit   = "edit"
	PayloadTypeDelete = "delete"
	PayloadTypeJoin   = "join"
	PayloadTypeLeave  = "leave"
)

// KeyedPayload is the generic wire shape for non-message events and outbound notifications.
type KeyedPayload struct {
	Type      string `json:"type"`
	RoomID    int64  `json:"roomId,omitempty"`
	Username  string `json:"username,omitempty"`
	IsTyping  *bool  `json:"isTyping,omitempty"`
	UserID    int64  `json:"userId,omitempty"`
	IsOnline  *bool  `json:"isOnline,omitempty"`
	MessageID int64  `json:"messageId,omitempty"`
	ID        int64  `json:"id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TargetID returns the referenced message id, accepting either field name.
func (p KeyedPayload) TargetID() int64 {
	if p.MessageID != 0 {
		return p.MessageID
	}
	return p.ID
}

func Bool(v bool) *bool {
	return &v
}
