package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adwski/chat-session/backend/model"
)

var (
	ErrRoomIsFull      = errors.New("room is full")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrMessageNotFound = errors.New("message is not found")
)

type MemStore struct {
	mx         *sync.Mutex
	maxMembers int
	rooms      map[int64]*model.Room
	messages   map[int64][]model.Message
	lastRoom   int64
	lastMsg    int64
}

// NewMemStore creates an empty store. maxMembers <= 0 means unlimited.
func NewMemStore(maxMembers int) *MemStore {
	return &MemStore{
		mx:         &sync.Mutex{},
		maxMembers: maxMembers,
		rooms:      make(map[int64]*model.Room),
		messages:   make(map[int64][]model.Message),
	}
}

func (ms *MemStore) CreateRoom(name string) model.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.lastRoom++
	room := &model.Room{
		ID:      ms.lastRoom,
		Name:    name,
		Members: make(map[int64]model.Member),
	}
	ms.rooms[room.ID] = room
	return copyRoom(room)
}

func (ms *MemStore) ListRooms() []model.Room {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.Room, 0, len(ms.rooms))
	for _, r := range ms.rooms {
		rooms = append(rooms, copyRoom(r))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

func (ms *MemStore) GetRoom(roomID int64) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

// CreateOrJoinRoom adds the member, creating the room when it does not exist yet.
// Rejoining is allowed even when the room is full.
func (ms *MemStore) CreateOrJoinRoom(roomID int64, member model.Member) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		room = &model.Room{
			ID:      roomID,
			Name:    fmt.Sprintf("room-%d", roomID),
			Members: make(map[int64]model.Member),
		}
		ms.rooms[roomID] = room
		if roomID > ms.lastRoom {
			ms.lastRoom = roomID
		}
	}
	if _, ok = room.Members[member.ID]; !ok && ms.maxMembers > 0 && len(room.Members) >= ms.maxMembers {
		return model.Room{}, ErrRoomIsFull
	}
	room.Members[member.ID] = member
	return copyRoom(room), nil
}

func (ms *MemStore) LeaveRoom(roomID, userID int64) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(room.Members, userID)
	return nil
}

// AddMessage assigns the next message id and stores the message.
func (ms *MemStore) AddMessage(msg model.Message) (model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.rooms[msg.RoomID]; !ok {
		return model.Message{}, ErrRoomNotFound
	}
	ms.lastMsg++
	id := ms.lastMsg
	msg.ID = &id
	ms.messages[msg.RoomID] = append(ms.messages[msg.RoomID], msg)
	return msg, nil
}

func (ms *MemStore) EditMessage(roomID, messageID int64, content string) (model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msgs := ms.messages[roomID]
	for i := range msgs {
		if msgs[i].MessageID() == messageID {
			msgs[i].Content = content
			msgs[i].Edited = true
			return msgs[i], nil
		}
	}
	return model.Message{}, ErrMessageNotFound
}

func (ms *MemStore) DeleteMessage(roomID, messageID int64) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	msgs := ms.messages[roomID]
	for i := range msgs {
		if msgs[i].MessageID() == messageID {
			ms.messages[roomID] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return ErrMessageNotFound
}

// Messages returns up to limit most recent messages, oldest first. limit <= 0 returns all.
func (ms *MemStore) Messages(roomID int64, limit int) ([]model.Message, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.rooms[roomID]; !ok {
		return nil, ErrRoomNotFound
	}
	msgs := ms.messages[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]model.Message(nil), msgs...), nil
}

func copyRoom(r *model.Room) model.Room {
	out := model.Room{ID: r.ID, Name: r.Name, Members: make(map[int64]model.Member, len(r.Members))}
	for id, m := range r.Members {
		out.Members[id] = m
	}
	return out
}
