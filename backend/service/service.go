package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chat-session/backend/model"
	chat "github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/rs/zerolog"
)

const (
	topicPrefix  = "/topic/rooms/"
	actionPrefix = "/app/rooms/"
)

var (
	ErrJoin          = errors.New("unable to join room")
	ErrGet           = errors.New("unable to get room")
	ErrUnauthorized  = errors.New("invalid access token")
	ErrConnect       = errors.New("unable to connect")
	ErrDisconnect    = errors.New("unable to disconnect")
	ErrUnknownAction = errors.New("unknown destination")
	ErrBadPayload    = errors.New("malformed payload")
	ErrNotAMember    = errors.New("user is not a member of this room")

	// ErrSessionEnded is returned for a DISCONNECT frame. It is not a failure.
	ErrSessionEnded = errors.New("session ended by client")
)

type (
	RoomStore interface {
		CreateRoom(name string) model.Room
		ListRooms() []model.Room
		GetRoom(roomID int64) (model.Room, error)
		CreateOrJoinRoom(roomID int64, member model.Member) (model.Room, error)
		LeaveRoom(roomID, userID int64) error
		AddMessage(msg model.Message) (model.Message, error)
		EditMessage(roomID, messageID int64, content string) (model.Message, error)
		DeleteMessage(roomID, messageID int64) error
		Messages(roomID int64, limit int) ([]model.Message, error)
	}

	Switch interface {
		Connect(sessionID string, wire model.Wire) error
		Disconnect(sessionID string) error
		Subscribe(sessionID, subID, topic string) error
		Unsubscribe(sessionID, subID string) error
		Publish(ctx context.Context, topic string, body []byte) int
		Deliver(ctx context.Context, sessionID string, f stomp.Frame) bool
	}

	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
		tokens map[string]model.Member
		open   bool
		now    func() time.Time

		mx       *sync.Mutex
		sessions map[string]*session
		guests   map[string]int64
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
		// Tokens maps access tokens to members.
		Tokens map[string]model.Member
		// Open accepts any non-empty token and takes the username from the CONNECT login.
		Open bool
		Now  func() time.Time
	}

	session struct {
		member model.Member
		rooms  map[int64]struct{}
	}
)

func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "broker").Logger(),
		tokens:   cfg.Tokens,
		open:     cfg.Open,
		now:      now,
		mx:       &sync.Mutex{},
		sessions: make(map[string]*session),
		guests:   make(map[string]int64),
	}
}

// Authenticate resolves a token to a member. login is used only in open mode.
func (svc *Service) Authenticate(token, login string) (model.Member, error) {
	if token == "" {
		return model.Member{}, ErrUnauthorized
	}
	if m, ok := svc.tokens[token]; ok {
		return m, nil
	}
	if !svc.open || login == "" {
		return model.Member{}, ErrUnauthorized
	}

	svc.mx.Lock()
	defer svc.mx.Unlock()
	id, ok := svc.guests[login]
	if !ok {
		id = int64(1000 + len(svc.guests))
		svc.guests[login] = id
	}
	return model.Member{ID: id, Username: login}, nil
}

func (svc *Service) CreateSession(sessionID string, member model.Member, wire model.Wire) error {
	if err := svc.sw.Connect(sessionID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.mx.Lock()
	svc.sessions[sessionID] = &session{member: member, rooms: make(map[int64]struct{})}
	svc.mx.Unlock()

	svc.logger.Debug().
		Str("session", sessionID).
		Str("username", member.Username).
		Msg("session created")
	return nil
}

// DeleteSession drops the session and announces its members as offline in
// every room joined through it.
func (svc *Service) DeleteSession(ctx context.Context, sessionID string) error {
	svc.mx.Lock()
	sess, ok := svc.sessions[sessionID]
	delete(svc.sessions, sessionID)
	svc.mx.Unlock()

	if err := svc.sw.Disconnect(sessionID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	if !ok {
		return nil
	}
	for roomID := range sess.rooms {
		svc.publishStatus(ctx, roomID, sess.member, false)
	}
	svc.logger.Debug().Str("session", sessionID).Msg("session deleted")
	return nil
}

// HandleFrame applies one client frame. A returned error ends the session.
func (svc *Service) HandleFrame(ctx context.Context, sessionID string, f stomp.Frame) error {
	svc.mx.Lock()
	sess, ok := svc.sessions[sessionID]
	svc.mx.Unlock()
	if !ok {
		return ErrNotAMember
	}

	var err error
	switch f.Command {
	case stomp.CmdSubscribe:
		err = svc.sw.Subscribe(sessionID, f.Header(stomp.HdrID), f.Header(stomp.HdrDestination))
	case stomp.CmdUnsubscribe:
		err = svc.sw.Unsubscribe(sessionID, f.Header(stomp.HdrID))
	case stomp.CmdSend:
		err = svc.handleSend(ctx, sessionID, sess, f)
	case stomp.CmdDisconnect:
		svc.receipt(ctx, sessionID, f)
		return ErrSessionEnded
	default:
		err = fmt.Errorf("unsupported command %q", f.Command)
	}
	if err != nil {
		return err
	}
	svc.receipt(ctx, sessionID, f)
	return nil
}

func (svc *Service) handleSend(ctx context.Context, sessionID string, sess *session, f stomp.Frame) error {
	roomID, action, err := parseAction(f.Header(stomp.HdrDestination))
	if err != nil {
		return err
	}
	logger := svc.logger.With().
		Str("session", sessionID).
		Int64("roomID", roomID).
		Str("action", action).
		Logger()

	switch action {
	case model.ActionSend:
		var msg model.Message
		if err = json.Unmarshal(f.Body, &msg); err != nil || strings.TrimSpace(msg.Content) == "" {
			return ErrBadPayload
		}
		_, err = svc.PostMessage(ctx, roomID, sess.member, msg.Content, msg.Kind)
		return err

	case model.ActionTyping:
		var p chat.KeyedPayload
		if err = json.Unmarshal(f.Body, &p); err != nil || p.IsTyping == nil {
			return ErrBadPayload
		}
		svc.publish(ctx, roomID, model.TopicStatus, chat.KeyedPayload{
			Type:     chat.PayloadTypeTyping,
			RoomID:   roomID,
			Username: sess.member.Username,
			IsTyping: p.IsTyping,
		})
		return nil

	case model.ActionJoin:
		if _, err = svc.store.CreateOrJoinRoom(roomID, sess.member); err != nil {
			return errors.Join(ErrJoin, err)
		}
		svc.mx.Lock()
		sess.rooms[roomID] = struct{}{}
		svc.mx.Unlock()
		logger.Debug().Msg("member joined")
		svc.publishStatus(ctx, roomID, sess.member, true)
		return nil

	case model.ActionLeave:
		if err = svc.store.LeaveRoom(roomID, sess.member.ID); err != nil {
			return err
		}
		svc.mx.Lock()
		delete(sess.rooms, roomID)
		svc.mx.Unlock()
		logger.Debug().Msg("member left")
		svc.publishStatus(ctx, roomID, sess.member, false)
		return nil
	}
	return ErrUnknownAction
}

// PostMessage stores a message and publishes it to the room's message topic.
func (svc *Service) PostMessage(ctx context.Context, roomID int64, from model.Member, content string, kind chat.MessageKind) (model.Message, error) {
	if kind == "" {
		kind = chat.MessageKindText
	}
	msg, err := svc.store.AddMessage(model.Message{
		RoomID:     roomID,
		SenderID:   from.ID,
		SenderName: from.Username,
		Content:    content,
		Kind:       kind,
		Timestamp:  svc.now().UnixMilli(),
	})
	if err != nil {
		return model.Message{}, errors.Join(ErrGet, err)
	}
	svc.publish(ctx, roomID, model.TopicMessages, msg)
	return msg, nil
}

func (svc *Service) EditMessage(ctx context.Context, roomID, messageID int64, content string) (model.Message, error) {
	msg, err := svc.store.EditMessage(roomID, messageID, content)
	if err != nil {
		return model.Message{}, err
	}
	svc.publish(ctx, roomID, model.TopicEdit, chat.KeyedPayload{
		Type:      chat.PayloadTypeEdit,
		MessageID: messageID,
		Content:   content,
	})
	return msg, nil
}

func (svc *Service) DeleteMessage(ctx context.Context, roomID, messageID int64) error {
	if err := svc.store.DeleteMessage(roomID, messageID); err != nil {
		return err
	}
	svc.publish(ctx, roomID, model.TopicDelete, chat.KeyedPayload{
		Type:      chat.PayloadTypeDelete,
		MessageID: messageID,
	})
	return nil
}

func (svc *Service) CreateRoom(name string) model.Room {
	room := svc.store.CreateRoom(name)
	svc.logger.Debug().Int64("roomID", room.ID).Str("name", name).Msg("room created")
	return room
}

func (svc *Service) ListRooms() []model.Room {
	return svc.store.ListRooms()
}

func (svc *Service) JoinRoom(roomID int64, member model.Member) (model.Room, error) {
	room, err := svc.store.CreateOrJoinRoom(roomID, member)
	if err != nil {
		return model.Room{}, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Int64("userID", member.ID).
		Int64("roomID", roomID).
		Msg("user joined room")
	return room, nil
}

func (svc *Service) Messages(roomID int64, limit int) ([]model.Message, error) {
	msgs, err := svc.store.Messages(roomID, limit)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return msgs, nil
}

func (svc *Service) publishStatus(ctx context.Context, roomID int64, m model.Member, online bool) {
	svc.publish(ctx, roomID, model.TopicStatus, chat.KeyedPayload{
		Type:     chat.PayloadTypeStatus,
		RoomID:   roomID,
		UserID:   m.ID,
		Username: m.Username,
		IsOnline: chat.Bool(online),
	})
}

func (svc *Service) publish(ctx context.Context, roomID int64, kind string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to marshal event")
		return
	}
	n := svc.sw.Publish(ctx, Topic(roomID, kind), b)
	svc.logger.Trace().Int64("roomID", roomID).Str("kind", kind).Int("subscribers", n).Msg("event published")
}

func (svc *Service) receipt(ctx context.Context, sessionID string, f stomp.Frame) {
	id := f.Header(stomp.HdrReceipt)
	if id == "" {
		return
	}
	svc.sw.Deliver(ctx, sessionID, stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, id))
}

func Topic(roomID int64, kind string) string {
	return topicPrefix + strconv.FormatInt(roomID, 10) + "/" + kind
}

// parseAction splits "/app/rooms/{id}/{action}".
func parseAction(dest string) (int64, string, error) {
	rest, ok := strings.CutPrefix(dest, actionPrefix)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownAction, dest)
	}
	idPart, action, ok := strings.Cut(rest, "/")
	if !ok || action == "" {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownAction, dest)
	}
	roomID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || roomID <= 0 {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownAction, dest)
	}
	return roomID, action, nil
}
