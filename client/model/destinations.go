package model

import (
	"strconv"
	"strings"
)

// RoomPlaceholder is substituted with the decimal room id in destination templates.
const RoomPlaceholder = "{roomId}"

// Destinations holds the server-specific topic and action paths.
type Destinations struct {
	MessagesTopic string `toml:"messages_topic"`
	StatusTopic   string `toml:"status_topic"`
	EditTopic     string `toml:"edit_topic"`
	DeleteTopic   string `toml:"delete_topic"`

	SendAction   string `toml:"send_action"`
	TypingAction string `toml:"typing_action"`
	JoinAction   string `toml:"join_action"`
	LeaveAction  string `toml:"leave_action"`
}

func DefaultDestinations() Destinations {
	return Destinations{
		MessagesTopic: "/topic/rooms/{roomId}/messages",
		StatusTopic:   "/topic/rooms/{roomId}/status",
		EditTopic:     "/topic/rooms/{roomId}/edit",
		DeleteTopic:   "/topic/rooms/{roomId}/delete",
		SendAction:    "/app/rooms/{roomId}/send",
		TypingAction:  "/app/rooms/{roomId}/typing",
		JoinAction:    "/app/rooms/{roomId}/join",
		LeaveAction:   "/app/rooms/{roomId}/leave",
	}
}

func (d Destinations) Topic(kind TopicKind, roomID int64) string {
	var tmpl string
	switch kind {
	case TopicMessages:
		tmpl = d.MessagesTopic
	case TopicStatus:
		tmpl = d.StatusTopic
	case TopicEdit:
		tmpl = d.EditTopic
	case TopicDelete:
		tmpl = d.DeleteTopic
	}
	return expand(tmpl, roomID)
}

func (d Destinations) Action(kind ActionKind, roomID int64) string {
	var tmpl string
	switch kind {
	case ActionSend:
		tmpl = d.SendAction
	case ActionTyping:
		tmpl = d.TypingAction
	case ActionJoin:
		tmpl = d.JoinAction
	case ActionLeave:
		tmpl = d.LeaveAction
	}
	return expand(tmpl, roomID)
}

func expand(tmpl string, roomID int64) string {
	return strings.ReplaceAll(tmpl, RoomPlaceholder, strconv.FormatInt(roomID, 10))
}
