package outbound

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultDuplicateWindow = 2 * time.Second

	contentTypeJSON = "application/json"
)

type (
	FrameWriter interface {
		WriteFrame(stomp.Frame) error
	}

	Config struct {
		Logger       *zerolog.Logger
		Destinations model.Destinations
		Username     string
		UserID       int64
		// DuplicateWindow suppresses identical sends to the same room. Default 2s.
		DuplicateWindow time.Duration
		Ready           func() bool
		Joined          func(roomID int64) bool
		Now             func() time.Time
		NewReceipt      func() string
	}

	sendKey struct {
		roomID  int64
		content string
	}

	// Queue serializes outbound actions onto the current connection, one frame
	// in flight at a time.
	Queue struct {
		logger     zerolog.Logger
		dest       model.Destinations
		username   string
		userID     int64
		dupWindow  time.Duration
		ready      func() bool
		joined     func(int64) bool
		now        func() time.Time
		newReceipt func() string

		mx      *sync.Mutex
		link    FrameWriter
		pending map[string]model.PendingAction
		recent  map[sendKey]time.Time
	}
)

func New(cfg Config) *Queue {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "outbound").Logger()
	}
	q := &Queue{
		logger:     logger,
		dest:       cfg.Destinations,
		username:   cfg.Username,
		userID:     cfg.UserID,
		dupWindow:  cfg.DuplicateWindow,
		ready:      cfg.Ready,
		joined:     cfg.Joined,
		now:        cfg.Now,
		newReceipt: cfg.NewReceipt,
		mx:         &sync.Mutex{},
		pending:    make(map[string]model.PendingAction),
		recent:     make(map[sendKey]time.Time),
	}
	if q.dupWindow <= 0 {
		q.dupWindow = defaultDuplicateWindow
	}
	if q.ready == nil {
		q.ready = func() bool { return false }
	}
	if q.joined == nil {
		q.joined = func(int64) bool { return true }
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.newReceipt == nil {
		q.newReceipt = uuid.NewString
	}
	return q
}

func (q *Queue) Attach(link FrameWriter) {
	q.mx.Lock()
	q.link = link
	q.mx.Unlock()
}

// Detach forgets the connection and returns every send still awaiting a receipt.
// Those actions are discarded, not replayed on the next connection.
func (q *Queue) Detach() []model.PendingAction {
	q.mx.Lock()
	defer q.mx.Unlock()

	q.link = nil
	dropped := make([]model.PendingAction, 0, len(q.pending))
	for _, a := range q.pending {
		dropped = append(dropped, a)
	}
	sort.Slice(dropped, func(i, j int) bool {
		return dropped[i].EnqueuedAt.Before(dropped[j].EnqueuedAt)
	})
	q.pending = make(map[string]model.PendingAction)
	if len(dropped) > 0 {
		q.logger.Warn().Int("count", len(dropped)).Msg("pending sends discarded")
	}
	return dropped
}

// Send transmits a chat message without waiting for the server. An identical
// (room, content) pair sent within the duplicate window is suppressed.
func (q *Queue) Send(roomID int64, content string) (model.Outcome, error) {
	if err := q.check(roomID); err != nil {
		return model.OutcomeSent, err
	}

	q.mx.Lock()
	defer q.mx.Unlock()

	now := q.now()
	q.pruneRecent(now)
	key := sendKey{roomID: roomID, content: content}
	if at, ok := q.recent[key]; ok && now.Sub(at) < q.dupWindow {
		q.logger.Debug().Int64("roomID", roomID).Msg("duplicate send suppressed")
		return model.OutcomeDuplicateSuppressed, nil
	}

	payload, err := json.Marshal(model.ChatMessage{
		RoomID:     roomID,
		SenderID:   q.userID,
		SenderName: q.username,
		Content:    content,
		Kind:       model.MessageKindText,
		Timestamp:  now.UnixMilli(),
	})
	if err != nil {
		return model.OutcomeSent, err
	}
	action := model.PendingAction{
		Kind:       model.ActionSend,
		RoomID:     roomID,
		Content:    content,
		Payload:    payload,
		Receipt:    q.newReceipt(),
		EnqueuedAt: now,
	}
	if err = q.transmit(action); err != nil {
		return model.OutcomeSent, err
	}
	q.pending[action.Receipt] = action
	q.recent[key] = now
	return model.OutcomeSent, nil
}

// SendTyping transmits the local typing flag for a room.
func (q *Queue) SendTyping(roomID int64, isTyping bool) error {
	if err := q.check(roomID); err != nil {
		return err
	}
	return q.notify(model.ActionTyping, roomID, model.KeyedPayload{
		Type:     model.PayloadTypeTyping,
		RoomID:   roomID,
		Username: q.username,
		IsTyping: model.Bool(isTyping),
	})
}

// NotifyJoin tells the server about a membership change so it can update presence.
func (q *Queue) NotifyJoin(roomID int64) error {
	if !q.ready() {
		return model.ErrNotConnected
	}
	return q.notify(model.ActionJoin, roomID, model.KeyedPayload{
		Type: model.PayloadTypeJoin, RoomID: roomID, Username: q.username, UserID: q.userID,
	})
}

func (q *Queue) NotifyLeave(roomID int64) error {
	if !q.ready() {
		return model.ErrNotConnected
	}
	return q.notify(model.ActionLeave, roomID, model.KeyedPayload{
		Type: model.PayloadTypeLeave, RoomID: roomID, Username: q.username, UserID: q.userID,
	})
}

// Acknowledge removes the send matching a RECEIPT frame.
func (q *Queue) Acknowledge(receipt string) (model.PendingAction, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()
	a, ok := q.pending[receipt]
	if ok {
		delete(q.pending, receipt)
	}
	return a, ok
}

// Correlate links a server echo of our own message to the oldest pending send with
// the same room and content. It reports whether a pending send matched.
func (q *Queue) Correlate(msg model.ChatMessage) (model.PendingAction, bool) {
	if msg.SenderName != q.username {
		return model.PendingAction{}, false
	}
	q.mx.Lock()
	defer q.mx.Unlock()

	var (
		match model.PendingAction
		found bool
	)
	for _, a := range q.pending {
		if a.RoomID != msg.RoomID || a.Content != msg.Content || a.MessageID != 0 {
			continue
		}
		if !found || a.EnqueuedAt.Before(match.EnqueuedAt) {
			match, found = a, true
		}
	}
	if !found {
		return model.PendingAction{}, false
	}
	match.MessageID = msg.MessageID()
	q.pending[match.Receipt] = match
	return match, true
}

func (q *Queue) Pending() []model.PendingAction {
	q.mx.Lock()
	defer q.mx.Unlock()
	out := make([]model.PendingAction, 0, len(q.pending))
	for _, a := range q.pending {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func (q *Queue) check(roomID int64) error {
	if !q.ready() {
		return model.ErrNotConnected
	}
	if !q.joined(roomID) {
		return model.ErrNotJoined
	}
	return nil
}

func (q *Queue) notify(kind model.ActionKind, roomID int64, p model.KeyedPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.transmit(model.PendingAction{
		Kind:       kind,
		RoomID:     roomID,
		Payload:    payload,
		EnqueuedAt: q.now(),
	})
}

// transmit must be called with mx held.
func (q *Queue) transmit(a model.PendingAction) error {
	if q.link == nil {
		return model.ErrNotConnected
	}
	f := stomp.New(stomp.CmdSend,
		stomp.HdrDestination, q.dest.Action(a.Kind, a.RoomID),
		stomp.HdrContentType, contentTypeJSON,
	)
	if a.Receipt != "" {
		f.Set(stomp.HdrReceipt, a.Receipt)
	}
	f.Body = a.Payload
	if err := q.link.WriteFrame(f); err != nil {
		q.logger.Error().Err(err).Str("action", a.Kind.String()).Int64("roomID", a.RoomID).Msg("failed to transmit action")
		if errors.Is(err, model.ErrTransport) {
			return err
		}
		return errors.Join(model.ErrTransport, err)
	}
	q.logger.Trace().Str("action", a.Kind.String()).Int64("roomID", a.RoomID).Msg("action transmitted")
	return nil
}

// pruneRecent must be called with mx held.
func (q *Queue) pruneRecent(now time.Time) {
	for k, at := range q.recent {
		if now.Sub(at) >= q.dupWindow {
			delete(q.recent, k)
		}
	}
}
