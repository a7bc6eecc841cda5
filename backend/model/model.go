package model

import (
	chat "github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
)

type Room struct {
	ID      int64            `json:"id"`
	Name    string           `json:"name"`
	Members map[int64]Member `json:"members"`
}

type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Room event kinds published to room topics.
const (
	TopicMessages = "messages"
	TopicStatus   = "status"
	TopicEdit     = "edit"
	TopicDelete   = "delete"
)

// Room actions accepted from clients.
const (
	ActionSend   = "send"
	ActionTyping = "typing"
	ActionJoin   = "join"
	ActionLeave  = "leave"
)

// Message is a persisted room message.
type Message = chat.ChatMessage

// Wire carries frames between one websocket connection and the broker.
// RX is client to broker, TX is broker to client.
type Wire struct {
	RX chan stomp.Frame
	TX chan stomp.Frame
}

func NewWire() Wire {
	return Wire{
		RX: make(chan stomp.Frame),
		TX: make(chan stomp.Frame, 16),
	}
}
