package registry

import (
	"errors"
	"sync"

	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type (
	// FrameWriter is the outbound half of a live connection.
	FrameWriter interface {
		WriteFrame(stomp.Frame) error
	}

	// Sink receives payloads that matched an active subscription.
	Sink interface {
		Dispatch(sub model.Subscription, payload []byte)
	}

	Config struct {
		Logger       *zerolog.Logger
		Destinations model.Destinations
		Sink         Sink
		// Ready reports whether the connection state currently allows subscribing.
		Ready func() bool
		// NewHandle generates subscription ids; defaults to random UUIDs.
		NewHandle func() string
	}

	// Registry maps topic keys to subscriptions on the current connection.
	Registry struct {
		logger    zerolog.Logger
		dest      model.Destinations
		sink      Sink
		ready     func() bool
		newHandle func() string

		mx       *sync.RWMutex
		link     FrameWriter
		byTopic  map[string]model.Subscription
		byHandle map[string]string
		byRoom   map[int64][]string
	}
)

func New(cfg Config) *Registry {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "registry").Logger()
	}
	newHandle := cfg.NewHandle
	if newHandle == nil {
		newHandle = uuid.NewString
	}
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return false }
	}
	return &Registry{
		logger:    logger,
		dest:      cfg.Destinations,
		sink:      cfg.Sink,
		ready:     ready,
		newHandle: newHandle,
		mx:        &sync.RWMutex{},
		byTopic:   make(map[string]model.Subscription),
		byHandle:  make(map[string]string),
		byRoom:    make(map[int64][]string),
	}
}

// Attach binds the registry to a freshly authenticated connection.
func (r *Registry) Attach(link FrameWriter) {
	r.mx.Lock()
	r.link = link
	r.mx.Unlock()
}

// Subscribe establishes the four per-room topic subscriptions. It is a no-op when
// the room is already subscribed and is logged and skipped when not Ready.
func (r *Registry) Subscribe(roomID int64) error {
	if !r.ready() {
		r.logger.Warn().Int64("roomID", roomID).Msg("subscribe skipped, connection is not ready")
		return nil
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.byRoom[roomID]; ok {
		return nil
	}
	if r.link == nil {
		r.logger.Warn().Int64("roomID", roomID).Msg("subscribe skipped, no connection attached")
		return nil
	}

	keys := make([]string, 0, len(model.TopicKinds))
	for _, kind := range model.TopicKinds {
		sub := model.Subscription{
			TopicKey: r.dest.Topic(kind, roomID),
			RoomID:   roomID,
			Kind:     kind,
			Handle:   r.newHandle(),
		}
		err := r.link.WriteFrame(stomp.New(stomp.CmdSubscribe,
			stomp.HdrID, sub.Handle,
			stomp.HdrDestination, sub.TopicKey,
		))
		if err != nil {
			for _, key := range keys {
				r.forget(key)
			}
			return errors.Join(model.ErrTransport, err)
		}
		r.byTopic[sub.TopicKey] = sub
		r.byHandle[sub.Handle] = sub.TopicKey
		keys = append(keys, sub.TopicKey)
	}
	r.byRoom[roomID] = keys

	r.logger.Debug().Int64("roomID", roomID).Msg("room subscribed")
	return nil
}

// Unsubscribe tears down the room's subscriptions. Safe to call for unknown rooms.
func (r *Registry) Unsubscribe(roomID int64) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	keys, ok := r.byRoom[roomID]
	if !ok {
		return nil
	}
	delete(r.byRoom, roomID)

	var errs []error
	for _, key := range keys {
		sub := r.byTopic[key]
		r.forget(key)
		if r.link == nil {
			continue
		}
		if err := r.link.WriteFrame(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, sub.Handle)); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Debug().Int64("roomID", roomID).Msg("room unsubscribed")
	if len(errs) > 0 {
		return errors.Join(append([]error{model.ErrTransport}, errs...)...)
	}
	return nil
}

// InvalidateAll drops every subscription without talking to the server. Used when
// the connection is gone.
func (r *Registry) InvalidateAll() {
	r.mx.Lock()
	defer r.mx.Unlock()

	n := len(r.byRoom)
	r.link = nil
	r.byTopic = make(map[string]model.Subscription)
	r.byHandle = make(map[string]string)
	r.byRoom = make(map[int64][]string)
	if n > 0 {
		r.logger.Debug().Int("rooms", n).Msg("subscriptions invalidated")
	}
}

// RouteFrame forwards a MESSAGE payload to the sink. Unknown topics are dropped.
// handle is used when the server omits the destination header.
func (r *Registry) RouteFrame(topicKey, handle string, payload []byte) bool {
	r.mx.RLock()
	if topicKey == "" && handle != "" {
		topicKey = r.byHandle[handle]
	}
	sub, ok := r.byTopic[topicKey]
	r.mx.RUnlock()

	if !ok {
		r.logger.Warn().Str("topic", topicKey).Str("handle", handle).Msg("frame for unknown topic dropped")
		return false
	}
	if r.sink != nil {
		r.sink.Dispatch(sub, payload)
	}
	return true
}

func (r *Registry) IsSubscribed(roomID int64) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	_, ok := r.byRoom[roomID]
	return ok
}

func (r *Registry) Rooms() []int64 {
	r.mx.RLock()
	defer r.mx.RUnlock()
	rooms := make([]int64, 0, len(r.byRoom))
	for id := range r.byRoom {
		rooms = append(rooms, id)
	}
	return rooms
}

func (r *Registry) Subscriptions() []model.Subscription {
	r.mx.RLock()
	defer r.mx.RUnlock()
	subs := make([]model.Subscription, 0, len(r.byTopic))
	for _, sub := range r.byTopic {
		subs = append(subs, sub)
	}
	return subs
}

// forget must be called with mx held.
func (r *Registry) forget(key string) {
	if sub, ok := r.byTopic[key]; ok {
		delete(r.byHandle, sub.Handle)
	}
	delete(r.byTopic, key)
}
