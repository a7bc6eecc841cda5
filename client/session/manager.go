// Package session composes the connection, registry, dispatcher and outbound queue
// into the Manager callers talk to.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chat-session/client/connection"
	"github.com/adwski/chat-session/client/dispatch"
	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/outbound"
	"github.com/adwski/chat-session/client/registry"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/adwski/chat-session/client/transport"
	"github.com/adwski/chat-session/client/typing"
	"github.com/rs/zerolog"
)

const defaultAnonWindow = 2 * time.Second

var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrClosed       = errors.New("session manager is closed")
)

type (
	Config struct {
		Logger *zerolog.Logger

		URL         string
		Username    string
		UserID      int64
		Credentials connection.CredentialProvider
		// Dial overrides the websocket transport.
		Dial         connection.DialFunc
		Destinations model.Destinations

		HandshakeTimeout time.Duration
		WriteTimeout     time.Duration
		PongWait         time.Duration
		PingInterval     time.Duration
		DegradedAfter    time.Duration
		Backoff          connection.BackoffConfig

		DuplicateWindow time.Duration
		DedupCapacity   int
		// AnonWindow drops repeated id-less messages with the same room, sender and content.
		AnonWindow    time.Duration
		TypingTimeout time.Duration

		// Executor runs listener callbacks. It must hand fn off to another goroutine
		// and preserve submission order. Defaults to a serial goroutine owned by the Manager.
		Executor func(fn func())

		Now       func() time.Time
		AfterFunc typing.AfterFunc
	}

	anonKey struct {
		roomID   int64
		senderID int64
		sender   string
		content  string
	}

	room struct {
		roster    *typing.Roster
		debouncer *typing.Debouncer
	}

	// Manager is the session façade. Create it with New, call Close on shutdown.
	Manager struct {
		logger     zerolog.Logger
		cfg        Config
		machine    *connection.Machine
		registry   *registry.Registry
		dispatcher *dispatch.Dispatcher
		queue      *outbound.Queue
		executor   func(func())
		serial     *serialExecutor

		mx       *sync.RWMutex
		listener Listener
		joined   map[int64]*room
		anon     map[anonKey]time.Time
		closed   bool
	}

	// handler adapts Manager to connection.Handler without exporting the methods.
	handler struct {
		m *Manager
	}
)

func New(cfg Config) *Manager {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "session").Logger()
	}
	if cfg.Destinations == (model.Destinations{}) {
		cfg.Destinations = model.DefaultDestinations()
	}
	if cfg.AnonWindow <= 0 {
		cfg.AnonWindow = defaultAnonWindow
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = dispatch.DefaultDedupCapacity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		logger:   logger,
		cfg:      cfg,
		executor: cfg.Executor,
		mx:       &sync.RWMutex{},
		joined:   make(map[int64]*room),
		anon:     make(map[anonKey]time.Time),
	}
	if m.executor == nil {
		m.serial = newSerialExecutor()
		m.executor = m.serial.Submit
	}

	m.dispatcher = dispatch.New(dispatch.Config{
		Logger:  cfg.Logger,
		Window:  dispatch.NewDedupWindow(cfg.DedupCapacity),
		Handler: m.deliver,
	})
	m.registry = registry.New(registry.Config{
		Logger:       cfg.Logger,
		Destinations: cfg.Destinations,
		Sink:         m.dispatcher,
		Ready:        m.IsReady,
	})
	m.queue = outbound.New(outbound.Config{
		Logger:          cfg.Logger,
		Destinations:    cfg.Destinations,
		Username:        cfg.Username,
		UserID:          cfg.UserID,
		DuplicateWindow: cfg.DuplicateWindow,
		Ready:           m.IsReady,
		Joined:          m.registry.IsSubscribed,
		Now:             cfg.Now,
	})

	dial := cfg.Dial
	if dial == nil {
		tr := transport.New(transport.Config{
			Logger:           cfg.Logger,
			URL:              cfg.URL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			PongWait:         cfg.PongWait,
		})
		dial = func(ctx context.Context, token string) (connection.Link, error) {
			conn, err := tr.Dial(ctx, token)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	m.machine = connection.New(connection.Config{
		Logger:        cfg.Logger,
		Dial:          dial,
		Credentials:   cfg.Credentials,
		Handler:       handler{m: m},
		Login:         cfg.Username,
		PingInterval:  cfg.PingInterval,
		DegradedAfter: cfg.DegradedAfter,
		Backoff:       cfg.Backoff,
	})
	return m
}

// SetListener replaces the active listener. Nil removes it.
func (m *Manager) SetListener(l Listener) {
	m.mx.Lock()
	m.listener = l
	m.mx.Unlock()
}

// Connect blocks until the first connection attempt is Ready or has failed.
func (m *Manager) Connect(ctx context.Context) error {
	m.mx.RLock()
	closed := m.closed
	m.mx.RUnlock()
	if closed {
		return ErrClosed
	}
	return m.machine.Connect(ctx)
}

// Disconnect closes the connection and stops reconnecting. Joined rooms are kept
// and resubscribed on the next Connect.
func (m *Manager) Disconnect() {
	m.machine.Disconnect()
}

// Close disconnects and stops the listener executor after queued callbacks have run.
func (m *Manager) Close() {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return
	}
	m.closed = true
	rooms := m.joined
	m.joined = make(map[int64]*room)
	m.mx.Unlock()

	m.machine.Disconnect()
	for _, r := range rooms {
		r.debouncer.Stop()
	}
	if m.serial != nil {
		m.serial.Close()
	}
}

func (m *Manager) IsReady() bool {
	return m.machine.State() == model.StateReady
}

func (m *Manager) State() model.ConnectionState {
	return m.machine.State()
}

// Join subscribes to the room and notifies the server. The room stays joined
// across reconnects until Leave.
func (m *Manager) Join(roomID int64) error {
	if !m.IsReady() {
		return model.ErrNotConnected
	}

	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return ErrClosed
	}
	_, already := m.joined[roomID]
	if !already {
		m.joined[roomID] = m.newRoom(roomID)
	}
	m.mx.Unlock()

	if already && m.registry.IsSubscribed(roomID) {
		return nil
	}
	if err := m.registry.Subscribe(roomID); err != nil {
		m.logger.Error().Err(err).Int64("roomID", roomID).Msg("join failed")
		return err
	}
	if err := m.queue.NotifyJoin(roomID); err != nil {
		return err
	}
	m.logger.Info().Int64("roomID", roomID).Msg("room joined")
	return nil
}

// Leave forgets the room. The server is notified only while Ready.
func (m *Manager) Leave(roomID int64) error {
	m.mx.Lock()
	r, ok := m.joined[roomID]
	delete(m.joined, roomID)
	m.mx.Unlock()

	if ok {
		r.debouncer.Stop()
	}
	err := m.registry.Unsubscribe(roomID)
	if m.IsReady() && ok {
		err = errors.Join(err, m.queue.NotifyLeave(roomID))
	}
	if err != nil {
		return err
	}
	m.logger.Info().Int64("roomID", roomID).Msg("room left")
	return nil
}

// Send transmits a chat message without waiting for the server. A repeat of the
// same content to the same room within the duplicate window is suppressed.
func (m *Manager) Send(roomID int64, content string) (model.Outcome, error) {
	if strings.TrimSpace(content) == "" {
		return model.OutcomeSent, ErrEmptyContent
	}
	return m.queue.Send(roomID, content)
}

func (m *Manager) SendTyping(roomID int64, isTyping bool) error {
	return m.queue.SendTyping(roomID, isTyping)
}

// Keystroke feeds the room's typing debouncer with the current input text.
func (m *Manager) Keystroke(roomID int64, text string) {
	m.mx.RLock()
	r, ok := m.joined[roomID]
	m.mx.RUnlock()
	if ok {
		r.debouncer.Keystroke(text)
	}
}

// TypingSummary renders who else is typing in the room.
func (m *Manager) TypingSummary(roomID int64) string {
	m.mx.RLock()
	r, ok := m.joined[roomID]
	m.mx.RUnlock()
	if !ok {
		return ""
	}
	return r.roster.Summary()
}

func (m *Manager) JoinedRooms() []int64 {
	m.mx.RLock()
	defer m.mx.RUnlock()
	rooms := make([]int64, 0, len(m.joined))
	for id := range m.joined {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (m *Manager) newRoom(roomID int64) *room {
	return &room{
		roster: typing.NewRoster(m.cfg.Username),
		debouncer: typing.NewDebouncer(typing.DebouncerConfig{
			Logger:    m.cfg.Logger,
			Timeout:   m.cfg.TypingTimeout,
			AfterFunc: m.cfg.AfterFunc,
			Send: func(isTyping bool) error {
				return m.queue.SendTyping(roomID, isTyping)
			},
		}),
	}
}

// post schedules fn against the listener current at execution time.
func (m *Manager) post(fn func(l Listener)) {
	m.executor(func() {
		m.mx.RLock()
		l := m.listener
		m.mx.RUnlock()
		if l != nil {
			fn(l)
		}
	})
}

// deliver runs on the connection worker for every event that passed id dedup.
func (m *Manager) deliver(ev model.InboundEvent) {
	switch e := ev.(type) {
	case model.MessageReceived:
		msg := e.Message
		if !msg.HasID() && m.seenAnon(msg) {
			m.logger.Debug().Int64("roomID", msg.RoomID).Msg("repeated message without id dropped")
			return
		}
		if a, ok := m.queue.Correlate(msg); ok && msg.HasID() {
			m.dispatcher.Window().Pin(msg.MessageID())
			m.logger.Trace().Str("receipt", a.Receipt).Int64("messageID", msg.MessageID()).Msg("echo correlated")
		}
		m.post(func(l Listener) { l.OnMessageReceived(msg) })

	case model.MessageEdited:
		m.post(func(l Listener) { l.OnMessageEdited(e.RoomID, e.MessageID, e.Content) })

	case model.MessageDeleted:
		m.post(func(l Listener) { l.OnMessageDeleted(e.RoomID, e.MessageID) })

	case model.TypingChanged:
		if e.Username == m.cfg.Username {
			return
		}
		m.mx.RLock()
		r, ok := m.joined[e.RoomID]
		m.mx.RUnlock()
		if ok {
			r.roster.Set(e.Username, e.IsTyping)
		}
		m.post(func(l Listener) { l.OnTypingChanged(e.RoomID, e.Username, e.IsTyping) })

	case model.UserStatusChanged:
		m.post(func(l Listener) { l.OnUserStatusChanged(e.RoomID, e.UserID, e.IsOnline) })

	default:
		m.logger.Warn().Msgf("unhandled event %T", ev)
	}
}

// seenAnon reports whether an equivalent id-less message arrived within AnonWindow.
func (m *Manager) seenAnon(msg model.ChatMessage) bool {
	key := anonKey{roomID: msg.RoomID, senderID: msg.SenderID, sender: msg.SenderName, content: msg.Content}
	now := m.cfg.Now()

	m.mx.Lock()
	defer m.mx.Unlock()
	for k, at := range m.anon {
		if now.Sub(at) >= m.cfg.AnonWindow {
			delete(m.anon, k)
		}
	}
	if _, ok := m.anon[key]; ok {
		return true
	}
	m.anon[key] = now
	return false
}

func (h handler) Attached(link connection.Link) {
	m := h.m
	m.registry.InvalidateAll()
	m.registry.Attach(link)
	m.queue.Attach(link)

	// The server forgot membership with the previous session, so every joined
	// room is announced again. Sends are never replayed.
	for _, roomID := range m.JoinedRooms() {
		if err := m.registry.Subscribe(roomID); err != nil {
			m.logger.Error().Err(err).Int64("roomID", roomID).Msg("resubscribe failed")
			continue
		}
		if err := m.queue.NotifyJoin(roomID); err != nil {
			m.logger.Error().Err(err).Int64("roomID", roomID).Msg("join announcement failed")
		}
	}
}

func (h handler) Frame(f stomp.Frame) {
	m := h.m
	switch f.Command {
	case stomp.CmdMessage:
		m.registry.RouteFrame(f.Header(stomp.HdrDestination), f.Header(stomp.HdrSubscription), f.Body)

	case stomp.CmdReceipt:
		a, ok := m.queue.Acknowledge(f.Header(stomp.HdrReceiptID))
		if ok && a.MessageID != 0 {
			m.dispatcher.Window().Unpin(a.MessageID)
		}

	case stomp.CmdError:
		m.logger.Error().Str("message", f.Header(stomp.HdrMessage)).Bytes("body", f.Body).Msg("server error frame")

	default:
		m.logger.Debug().Str("command", f.Command).Msg("unexpected frame ignored")
	}
}

func (h handler) Detached() {
	m := h.m
	m.registry.InvalidateAll()
	dropped := m.queue.Detach()

	m.mx.RLock()
	rooms := make([]*room, 0, len(m.joined))
	for _, r := range m.joined {
		rooms = append(rooms, r)
	}
	m.mx.RUnlock()
	for _, r := range rooms {
		r.roster.Clear()
		r.debouncer.Stop()
	}

	for _, a := range dropped {
		if a.MessageID != 0 {
			m.dispatcher.Window().Unpin(a.MessageID)
		}
		m.post(func(l Listener) {
			if o, ok := l.(SendFailureObserver); ok {
				o.OnSendFailed(a)
			}
		})
	}
}

func (h handler) StateChanged(from, to model.ConnectionState, err error) {
	m := h.m
	m.post(func(l Listener) {
		if o, ok := l.(StateObserver); ok {
			o.OnStateChanged(from, to)
		}
	})

	switch to {
	case model.StateReady:
		m.post(func(l Listener) { l.OnConnected() })
	case model.StateDegraded, model.StateReconnecting:
		m.post(func(l Listener) { l.OnError(err) })
	case model.StateDisconnected:
		if err != nil {
			m.post(func(l Listener) { l.OnError(err) })
		}
	case model.StateClosed:
		m.post(func(l Listener) { l.OnDisconnected() })
	}
}
