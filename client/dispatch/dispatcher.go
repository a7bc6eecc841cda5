// Package dispatch turns subscription payloads into typed inbound events and
// drops duplicates before they reach listeners.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/chat-session/client/model"
	"github.com/rs/zerolog"
)

var errUnrecognized = errors.New("unrecognized payload shape")

type (
	// Handler receives every event that survives deduplication, in frame order.
	Handler func(model.InboundEvent)

	Config struct {
		Logger  *zerolog.Logger
		Window  *DedupWindow
		Handler Handler
	}

	Dispatcher struct {
		logger  zerolog.Logger
		window  *DedupWindow
		handler Handler
	}
)

func New(cfg Config) *Dispatcher {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "dispatcher").Logger()
	}
	window := cfg.Window
	if window == nil {
		window = NewDedupWindow(DefaultDedupCapacity)
	}
	return &Dispatcher{
		logger:  logger,
		window:  window,
		handler: cfg.Handler,
	}
}

func (d *Dispatcher) Window() *DedupWindow {
	return d.window
}

// Dispatch implements registry.Sink.
func (d *Dispatcher) Dispatch(sub model.Subscription, payload []byte) {
	_, _ = d.Process(sub, payload)
}

// Process decodes and delivers one payload. Malformed payloads return ErrDecode and
// unrecognized shapes are dropped without error; neither reaches the handler.
func (d *Dispatcher) Process(sub model.Subscription, payload []byte) (model.Outcome, error) {
	logger := d.logger.With().Int64("roomID", sub.RoomID).Str("topic", sub.TopicKey).Logger()

	ev, err := Decode(sub, payload)
	if err != nil {
		if errors.Is(err, errUnrecognized) {
			logger.Debug().Msg("unrecognized payload dropped")
			return model.OutcomeSent, nil
		}
		logger.Warn().Err(err).Msg("malformed payload dropped")
		return model.OutcomeSent, err
	}

	if msg, ok := ev.(model.MessageReceived); ok && msg.Message.HasID() {
		if d.window.Observe(msg.Message.MessageID()) {
			logger.Debug().Int64("messageID", msg.Message.MessageID()).Msg("duplicate message suppressed")
			return model.OutcomeDuplicateSuppressed, nil
		}
	}

	if d.handler != nil {
		d.handler(ev)
	}
	return model.OutcomeSent, nil
}

// Decode applies the decoding policy: a chat message with content first, then a
// keyed payload switched on its type. Edit and delete topics skip the message
// attempt and default the type to the topic kind.
func Decode(sub model.Subscription, payload []byte) (model.InboundEvent, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: invalid json", model.ErrDecode)
	}

	if sub.Kind == model.TopicMessages || sub.Kind == model.TopicStatus {
		var msg model.ChatMessage
		if err := json.Unmarshal(payload, &msg); err == nil && msg.Content != "" {
			if msg.RoomID == 0 {
				msg.RoomID = sub.RoomID
			}
			if msg.Kind == "" {
				msg.Kind = model.MessageKindText
			}
			return model.MessageReceived{Message: msg}, nil
		}
	}

	var kp model.KeyedPayload
	if err := json.Unmarshal(payload, &kp); err != nil {
		return nil, errors.Join(model.ErrDecode, err)
	}
	typ := kp.Type
	if typ == "" {
		switch sub.Kind {
		case model.TopicEdit:
			typ = model.PayloadTypeEdit
		case model.TopicDelete:
			typ = model.PayloadTypeDelete
		}
	}
	roomID := sub.RoomID

	switch typ {
	case model.PayloadTypeTyping:
		if kp.Username == "" || kp.IsTyping == nil {
			return nil, errUnrecognized
		}
		return model.TypingChanged{RoomID: roomID, Username: kp.Username, IsTyping: *kp.IsTyping}, nil
	case model.PayloadTypeStatus:
		if kp.UserID == 0 || kp.IsOnline == nil {
			return nil, errUnrecognized
		}
		return model.UserStatusChanged{RoomID: roomID, UserID: kp.UserID, IsOnline: *kp.IsOnline}, nil
	case model.PayloadTypeEdit:
		if kp.TargetID() == 0 {
			return nil, errUnrecognized
		}
		return model.MessageEdited{RoomID: roomID, MessageID: kp.TargetID(), Content: kp.Content}, nil
	case model.PayloadTypeDelete:
		if kp.TargetID() == 0 {
			return nil, errUnrecognized
		}
		return model.MessageDeleted{RoomID: roomID, MessageID: kp.TargetID()}, nil
	default:
		return nil, errUnrecognized
	}
}
