package session

import "github.com/adwski/chat-session/client/model"

// Listener receives session events. All calls happen on the session's dispatch
// executor, one at a time, never on the caller's goroutine.
//
// Connection callbacks map to states: OnConnected on entering Ready, OnError on
// entering Degraded or Reconnecting and on a failed connect that ends in
// Disconnected, OnDisconnected on entering Closed. Entering Connecting or
// Authenticating, and a quiet return to Disconnected, have no callback here;
// a Listener that also implements StateObserver sees every transition.
type Listener interface {
	OnConnected()
	OnDisconnected()
	OnError(reason error)
	OnMessageReceived(msg model.ChatMessage)
	OnMessageEdited(roomID, messageID int64, content string)
	OnMessageDeleted(roomID, messageID int64)
	OnTypingChanged(roomID int64, username string, isTyping bool)
	OnUserStatusChanged(roomID, userID int64, isOnline bool)
}

// StateObserver is an optional Listener extension notified of every transition,
// including Connecting and Authenticating which have no dedicated callback.
type StateObserver interface {
	OnStateChanged(from, to model.ConnectionState)
}

// SendFailureObserver is an optional Listener extension notified of sends that
// were still unacknowledged when the connection dropped. They are not retried.
type SendFailureObserver interface {
	OnSendFailed(action model.PendingAction)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Connected         func()
	Disconnected      func()
	Error             func(reason error)
	MessageReceived   func(msg model.ChatMessage)
	MessageEdited     func(roomID, messageID int64, content string)
	MessageDeleted    func(roomID, messageID int64)
	TypingChanged     func(roomID int64, username string, isTyping bool)
	UserStatusChanged func(roomID, userID int64, isOnline bool)
	StateChanged      func(from, to model.ConnectionState)
	SendFailed        func(action model.PendingAction)
}

func (f ListenerFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f ListenerFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

func (f ListenerFuncs) OnError(reason error) {
	if f.Error != nil {
		f.Error(reason)
	}
}

func (f ListenerFuncs) OnMessageReceived(msg model.ChatMessage) {
	if f.MessageReceived != nil {
		f.MessageReceived(msg)
	}
}

func (f ListenerFuncs) OnMessageEdited(roomID, messageID int64, content string) {
	if f.MessageEdited != nil {
		f.MessageEdited(roomID, messageID, content)
	}
}

func (f ListenerFuncs) OnMessageDeleted(roomID, messageID int64) {
	if f.MessageDeleted != nil {
		f.MessageDeleted(roomID, messageID)
	}
}

func (f ListenerFuncs) OnTypingChanged(roomID int64, username string, isTyping bool) {
	if f.TypingChanged != nil {
		f.TypingChanged(roomID, username, isTyping)
	}
}

func (f ListenerFuncs) OnUserStatusChanged(roomID, userID int64, isOnline bool) {
	if f.UserStatusChanged != nil {
		f.UserStatusChanged(roomID, userID, isOnline)
	}
}

func (f ListenerFuncs) OnStateChanged(from, to model.ConnectionState) {
	if f.StateChanged != nil {
		f.StateChanged(from, to)
	}
}

func (f ListenerFuncs) OnSendFailed(action model.PendingAction) {
	if f.SendFailed != nil {
		f.SendFailed(action)
	}
}
