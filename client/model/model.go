package model

import "time"

type MessageKind string

const (
	MessageKindText   MessageKind = "TEXT"
	MessageKindImage  MessageKind = "IMAGE"
	MessageKindFile   MessageKind = "FILE"
	MessageKindSystem MessageKind = "SYSTEM"
)

// ChatMessage is a room message as pushed by the server.
// ID is nil until the server has persisted the message.
type ChatMessage struct {
	ID         *int64      `json:"id,omitempty"`
	RoomID     int64       `json:"roomId"`
	SenderID   int64       `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Kind       MessageKind `json:"messageType,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	Edited     bool        `json:"edited"`
}

func (m ChatMessage) HasID() bool {
	return m.ID != nil
}

// MessageID returns the server id or 0 when it has not been assigned yet.
func (m ChatMessage) MessageID() int64 {
	if m.ID == nil {
		return 0
	}
	return *m.ID
}

func (m ChatMessage) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

type TopicKind int

const (
	TopicMessages TopicKind = iota
	TopicStatus
	TopicEdit
	TopicDelete
)

// TopicKinds lists every per-room topic in subscription order.
var TopicKinds = []TopicKind{TopicMessages, TopicStatus, TopicEdit, TopicDelete}

func (k TopicKind) String() string {
	switch k {
	case TopicMessages:
		return "messages"
	case TopicStatus:
		return "status"
	case TopicEdit:
		return "edit"
	case TopicDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Subscription is one active topic subscription on the transport.
type Subscription struct {
	TopicKey string
	RoomID   int64
	Kind     TopicKind
	Handle   string
}

type ActionKind int

const (
	ActionSend ActionKind = iota
	ActionTyping
	ActionJoin
	ActionLeave
)

func (k ActionKind) String() string {
	switch k {
	case ActionSend:
		return "send"
	case ActionTyping:
		return "typing"
	case ActionJoin:
		return "join"
	case ActionLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// PendingAction is an outbound action awaiting its receipt. MessageID is set once
// the server echo of a send has been correlated to it.
type PendingAction struct {
	Kind       ActionKind
	RoomID     int64
	Content    string
	Payload    []byte
	Receipt    string
	EnqueuedAt time.Time
	MessageID  int64
}

// Outcome distinguishes a transmitted action from a suppressed duplicate.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeDuplicateSuppressed
)

func (o Outcome) String() string {
	if o == OutcomeDuplicateSuppressed {
		return "duplicate_suppressed"
	}
	return "sent"
}
