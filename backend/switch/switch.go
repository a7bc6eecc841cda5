package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/chat-session/backend/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second

	contentTypeJSON = "application/json"
)

var (
	ErrUnknownSession        = errors.New("unknown session")
	ErrDuplicateSubscription = errors.New("subscription id already in use")
)

type subscriber struct {
	session string
	id      string
}

// Switch fans out published payloads to every subscription of a topic.
type Switch struct {
	logger    zerolog.Logger
	mx        *sync.RWMutex
	sessions  map[string]model.Wire
	topics    map[string]map[subscriber]struct{}
	bySession map[string]map[string]string
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:    logger.With().Str("component", "switch").Logger(),
		mx:        &sync.RWMutex{},
		sessions:  make(map[string]model.Wire),
		topics:    make(map[string]map[subscriber]struct{}),
		bySession: make(map[string]map[string]string),
	}
}

func (sw *Switch) Connect(sessionID string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("session", sessionID).Msg("session connected")
	}()

	sw.sessions[sessionID] = wire
	sw.bySession[sessionID] = make(map[string]string)
	return nil
}

// Disconnect drops the session together with all of its subscriptions.
func (sw *Switch) Disconnect(sessionID string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("session", sessionID).Msg("session disconnected")
	}()

	for subID, topic := range sw.bySession[sessionID] {
		sw.removeLocked(topic, subscriber{session: sessionID, id: subID})
	}
	delete(sw.bySession, sessionID)
	delete(sw.sessions, sessionID)
	return nil
}

func (sw *Switch) Subscribe(sessionID, subID, topic string) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	subs, ok := sw.bySession[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if _, ok = subs[subID]; ok {
		return ErrDuplicateSubscription
	}
	subs[subID] = topic
	set, ok := sw.topics[topic]
	if !ok {
		set = make(map[subscriber]struct{})
		sw.topics[topic] = set
	}
	set[subscriber{session: sessionID, id: subID}] = struct{}{}

	sw.logger.Trace().Str("session", sessionID).Str("topic", topic).Msg("subscribed")
	return nil
}

// Unsubscribe is a no-op for unknown subscription ids.
func (sw *Switch) Unsubscribe(sessionID, subID string) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	subs, ok := sw.bySession[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	topic, ok := subs[subID]
	if !ok {
		return nil
	}
	delete(subs, subID)
	sw.removeLocked(topic, subscriber{session: sessionID, id: subID})
	return nil
}

func (sw *Switch) Subscribers(topic string) int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.topics[topic])
}

// Publish delivers body as a MESSAGE frame to every subscription of topic and
// returns how many deliveries succeeded.
func (sw *Switch) Publish(ctx context.Context, topic string, body []byte) int {
	type target struct {
		sub subscriber
		tx  chan<- stomp.Frame
	}
	sw.mx.RLock()
	targets := make([]target, 0, len(sw.topics[topic]))
	for sub := range sw.topics[topic] {
		if wire, ok := sw.sessions[sub.session]; ok {
			targets = append(targets, target{sub: sub, tx: wire.TX})
		}
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().Str("topic", topic).Logger()
	var delivered int
	for _, t := range targets {
		f := stomp.New(stomp.CmdMessage,
			stomp.HdrDestination, topic,
			stomp.HdrSubscription, t.sub.id,
			stomp.HdrMessageID, uuid.NewString(),
			stomp.HdrContentType, contentTypeJSON,
		)
		f.Body = body
		sent, canceled := send(ctx, f, t.tx, &logger)
		if canceled {
			break
		}
		if sent {
			delivered++
		}
	}
	if delivered == 0 {
		logger.Debug().Msg("publish did not reach anyone")
	}
	return delivered
}

// Deliver sends a frame to one session.
func (sw *Switch) Deliver(ctx context.Context, sessionID string, f stomp.Frame) bool {
	sw.mx.RLock()
	wire, ok := sw.sessions[sessionID]
	sw.mx.RUnlock()
	if !ok {
		sw.logger.Debug().Str("session", sessionID).Msg("cannot deliver, session not found")
		return false
	}
	logger := sw.logger.With().Str("session", sessionID).Logger()
	sent, _ := send(ctx, f, wire.TX, &logger)
	return sent
}

// removeLocked must be called with mx held.
func (sw *Switch) removeLocked(topic string, sub subscriber) {
	set := sw.topics[topic]
	delete(set, sub)
	if len(set) == 0 {
		delete(sw.topics, topic)
	}
}

func send(ctx context.Context, f stomp.Frame, tx chan<- stomp.Frame, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("command", f.Command).Msg("dead endpoint")
	case tx <- f:
		logger.Trace().Str("command", f.Command).Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
