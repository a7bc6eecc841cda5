package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/adwski/chat-session/client/connection"
	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
)

type fakeLink struct {
	mu      sync.Mutex
	written []stomp.Frame
	in      chan stomp.Frame
	fail    chan error
	pongs   chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:     make(chan stomp.Frame, 16),
		fail:   make(chan error, 1),
		pongs:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) Authenticate(context.Context, string, string) error { return nil }

func (l *fakeLink) ReadFrame() (stomp.Frame, error) {
	select {
	case f := <-l.in:
		return f, nil
	case err := <-l.fail:
		return stomp.Frame{}, err
	case <-l.closed:
		return stomp.Frame{}, errors.New("closed")
	}
}

func (l *fakeLink) WriteFrame(f stomp.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.written = append(l.written, f)
	return nil
}

func (l *fakeLink) Ping() error            { return nil }
func (l *fakeLink) Pongs() <-chan struct{} { return l.pongs }

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) frames(command string) []stomp.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []stomp.Frame
	for _, f := range l.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

type staticToken string

func (t staticToken) AccessToken() (string, bool) { return string(t), t != "" }

type recorder struct {
	mu          sync.Mutex
	connected   int
	disconn     int
	errs        []error
	messages    []model.ChatMessage
	edits       []int64
	deletes     []int64
	typing      []string
	statuses    []int64
	transitions []model.ConnectionState
	failed      []model.PendingAction
}

func (r *recorder) listener() ListenerFuncs {
	lock := func(fn func()) {
		r.mu.Lock()
		defer r.mu.Unlock()
		fn()
	}
	return ListenerFuncs{
		Connected:    func() { lock(func() { r.connected++ }) },
		Disconnected: func() { lock(func() { r.disconn++ }) },
		Error:        func(err error) { lock(func() { r.errs = append(r.errs, err) }) },
		MessageReceived: func(msg model.ChatMessage) {
			lock(func() { r.messages = append(r.messages, msg) })
		},
		MessageEdited: func(_, id int64, _ string) { lock(func() { r.edits = append(r.edits, id) }) },
		MessageDeleted: func(_, id int64) {
			lock(func() { r.deletes = append(r.deletes, id) })
		},
		TypingChanged: func(_ int64, username string, _ bool) {
			lock(func() { r.typing = append(r.typing, username) })
		},
		UserStatusChanged: func(_, userID int64, _ bool) {
			lock(func() { r.statuses = append(r.statuses, userID) })
		},
		StateChanged: func(_, to model.ConnectionState) {
			lock(func() { r.transitions = append(r.transitions, to) })
		},
		SendFailed: func(a model.PendingAction) { lock(func() { r.failed = append(r.failed, a) }) },
	}
}

func (r *recorder) read(fn func(r *recorder)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	m     *Manager
	rec   *recorder
	links chan *fakeLink
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}, links: make(chan *fakeLink, 8)}
	cfg := Config{
		Username:      "ann",
		UserID:        1,
		Credentials:   staticToken("tok"),
		DegradedAfter: time.Hour,
		Backoff:       connection.FixedBackoff(10 * time.Millisecond),
		Dial: func(context.Context, string) (connection.Link, error) {
			l := newFakeLink()
			h.links <- l
			return l, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = New(cfg)
	h.m.SetListener(h.rec.listener())
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) connect(t *testing.T) *fakeLink {
	t.Helper()
	if err := h.m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case l := <-h.links:
		return l
	case <-time.After(time.Second):
		t.Fatalf("no link dialed")
		return nil
	}
}

func message(dest string, body string) stomp.Frame {
	f := stomp.New(stomp.CmdMessage, stomp.HdrDestination, dest, stomp.HdrSubscription, "sub")
	f.Body = []byte(body)
	return f
}

func subscribedRooms(l *fakeLink) []string {
	var dests []string
	for _, f := range l.frames(stomp.CmdSubscribe) {
		dests = append(dests, f.Header(stomp.HdrDestination))
	}
	sort.Strings(dests)
	return dests
}

func TestActionsRequireReady(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.m.Join(1); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("join: expected ErrNotConnected, got %v", err)
	}
	if _, err := h.m.Send(1, "hi"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("send: expected ErrNotConnected, got %v", err)
	}
	if len(h.m.JoinedRooms()) != 0 {
		t.Fatalf("failed join must not be recorded")
	}

	h.connect(t)
	if _, err := h.m.Send(1, "hi"); !errors.Is(err, model.ErrNotJoined) {
		t.Fatalf("send to unjoined room: expected ErrNotJoined, got %v", err)
	}
	if _, err := h.m.Send(1, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestJoinSubscribesAndNotifies(t *testing.T) {
	h := newHarness(t, nil)
	l := h.connect(t)

	if err := h.m.Join(7); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := h.m.Join(7); err != nil {
		t.Fatalf("second join: %v", err)
	}
	want := []string{
		"/topic/rooms/7/delete",
		"/topic/rooms/7/edit",
		"/topic/rooms/7/messages",
		"/topic/rooms/7/status",
	}
	got := subscribedRooms(l)
	if len(got) != len(want) {
		t.Fatalf("unexpected subscriptions: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("subscription %d: got %s want %s", i, got[i], want[i])
		}
	}
	sends := l.frames(stomp.CmdSend)
	if len(sends) != 1 || sends[0].Header(stomp.HdrDestination) != "/app/rooms/7/join" {
		t.Fatalf("expected a single join notification, got %+v", sends)
	}

	if err := h.m.Leave(7); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if n := len(l.frames(stomp.CmdUnsubscribe)); n != 4 {
		t.Fatalf("expected 4 unsubscribes, got %d", n)
	}
	if len(h.m.JoinedRooms()) != 0 {
		t.Fatalf("room still joined after leave")
	}
}

func TestReconnectResubscribesJoinedRooms(t *testing.T) {
	h := newHarness(t, nil)
	first := h.connect(t)
	for _, id := range []int64{1, 2} {
		if err := h.m.Join(id); err != nil {
			t.Fatalf("join %d: %v", id, err)
		}
	}
	if err := h.m.Join(3); err != nil {
		t.Fatalf("join 3: %v", err)
	}
	if err := h.m.Leave(3); err != nil {
		t.Fatalf("leave 3: %v", err)
	}

	first.fail <- errors.New("connection reset")

	var second *fakeLink
	select {
	case second = <-h.links:
	case <-time.After(2 * time.Second):
		t.Fatalf("no reconnect")
	}
	waitFor(t, "resubscription", func() bool { return len(second.frames(stomp.CmdSubscribe)) >= 8 })
	waitFor(t, "ready", h.m.IsReady)
	time.Sleep(20 * time.Millisecond)

	got := subscribedRooms(second)
	want := []string{
		"/topic/rooms/1/delete", "/topic/rooms/1/edit", "/topic/rooms/1/messages", "/topic/rooms/1/status",
		"/topic/rooms/2/delete", "/topic/rooms/2/edit", "/topic/rooms/2/messages", "/topic/rooms/2/status",
	}
	if len(got) != len(want) {
		t.Fatalf("expected exactly %d subscriptions, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("subscription %d: got %s want %s", i, got[i], want[i])
		}
	}
	var joins []string
	for _, f := range second.frames(stomp.CmdSend) {
		joins = append(joins, f.Header(stomp.HdrDestination))
	}
	sort.Strings(joins)
	if len(joins) != 2 || joins[0] != "/app/rooms/1/join" || joins[1] != "/app/rooms/2/join" {
		t.Fatalf("expected only join announcements for rooms 1 and 2, got %v", joins)
	}

	h.rec.read(func(r *recorder) {
		if r.connected != 2 {
			t.Fatalf("expected two OnConnected, got %d", r.connected)
		}
		if len(r.errs) != 1 || !errors.Is(r.errs[0], model.ErrTransport) {
			t.Fatalf("expected one transport error, got %v", r.errs)
		}
	})
}

func TestDuplicateMessageDeliveredOnce(t *testing.T) {
	h := newHarness(t, nil)
	l := h.connect(t)
	if err := h.m.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}

	for i := 0; i < 3; i++ {
		l.in <- message("/topic/rooms/1/messages", `{"id":5,"roomId":1,"senderName":"bob","content":"hey"}`)
	}
	l.in <- message("/topic/rooms/1/messages", `{"id":6,"roomId":1,"senderName":"bob","content":"again"}`)

	waitFor(t, "second message", func() bool {
		var n int
		h.rec.read(func(r *recorder) { n = len(r.messages) })
		return n >= 2
	})
	time.Sleep(20 * time.Millisecond)
	h.rec.read(func(r *recorder) {
		if len(r.messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(r.messages))
		}
		if r.messages[0].MessageID() != 5 || r.messages[1].MessageID() != 6 {
			t.Fatalf("unexpected order: %+v", r.messages)
		}
	})
}

func TestMessagesWithoutIDUseContentWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	h := newHarness(t, func(cfg *Config) {
		cfg.Now = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
	})
	l := h.connect(t)
	if err := h.m.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}

	const body = `{"roomId":1,"senderName":"system","content":"bob joined","messageType":"SYSTEM"}`
	l.in <- message("/topic/rooms/1/messages", body)
	l.in <- message("/topic/rooms/1/messages", body)
	waitFor(t, "first message", func() bool {
		var n int
		h.rec.read(func(r *recorder) { n = len(r.messages) })
		return n == 1
	})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	now = now.Add(3 * time.Second)
	mu.Unlock()
	l.in <- message("/topic/rooms/1/messages", body)
	waitFor(t, "message after window", func() bool {
		var n int
		h.rec.read(func(r *recorder) { n = len(r.messages) })
		return n == 2
	})
}

func TestKeyedEventsReachListener(t *testing.T) {
	h := newHarness(t, nil)
	l := h.connect(t)
	if err := h.m.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}

	l.in <- message("/topic/rooms/1/edit", `{"messageId":5,"content":"fixed"}`)
	l.in <- message("/topic/rooms/1/delete", `{"messageId":6}`)
	l.in <- message("/topic/rooms/1/status", `{"type":"status","userId":9,"isOnline":true}`)
	l.in <- message("/topic/rooms/1/status", `{"type":"typing","username":"bob","isTyping":true}`)
	l.in <- message("/topic/rooms/1/status", `{"type":"typing","username":"ann","isTyping":true}`)
	l.in <- message("/topic/rooms/99/messages", `{"id":1,"content":"stray"}`)
	l.in <- message("/topic/rooms/1/messages", `not json`)

	waitFor(t, "typing event", func() bool {
		var n int
		h.rec.read(func(r *recorder) { n = len(r.typing) })
		return n == 1
	})
	time.Sleep(20 * time.Millisecond)
	h.rec.read(func(r *recorder) {
		if len(r.edits) != 1 || r.edits[0] != 5 {
			t.Fatalf("edits: %v", r.edits)
		}
		if len(r.deletes) != 1 || r.deletes[0] != 6 {
			t.Fatalf("deletes: %v", r.deletes)
		}
		if len(r.statuses) != 1 || r.statuses[0] != 9 {
			t.Fatalf("statuses: %v", r.statuses)
		}
		if len(r.typing) != 1 || r.typing[0] != "bob" {
			t.Fatalf("own typing must be filtered: %v", r.typing)
		}
		if len(r.messages) != 0 {
			t.Fatalf("stray or malformed frames delivered: %+v", r.messages)
		}
	})
	if got := h.m.TypingSummary(1); got != "bob is typing" {
		t.Fatalf("summary: %q", got)
	}
}

func TestPendingSendReportedOnDrop(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Backoff = connection.FixedBackoff(time.Hour) })
	l := h.connect(t)
	if err := h.m.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := h.m.Send(1, "acked"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := h.m.Send(1, "lost"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sends := l.frames(stomp.CmdSend)
	acked := sends[len(sends)-2]
	l.in <- stomp.New(stomp.CmdReceipt, stomp.HdrReceiptID, acked.Header(stomp.HdrReceipt))
	waitFor(t, "receipt", func() bool { return len(h.m.queue.Pending()) == 1 })

	l.fail <- errors.New("reset")
	waitFor(t, "failed send report", func() bool {
		var n int
		h.rec.read(func(r *recorder) { n = len(r.failed) })
		return n == 1
	})
	h.rec.read(func(r *recorder) {
		if r.failed[0].Content != "lost" {
			t.Fatalf("unexpected failed send: %+v", r.failed[0])
		}
	})
	if _, err := h.m.Send(1, "later"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while reconnecting, got %v", err)
	}
}

func TestDuplicateSendSuppressed(t *testing.T) {
	h := newHarness(t, nil)
	l := h.connect(t)
	if err := h.m.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}
	if out, err := h.m.Send(1, "hi"); err != nil || out != model.OutcomeSent {
		t.Fatalf("first send: %v %v", out, err)
	}
	if out, err := h.m.Send(1, "hi"); err != nil || out != model.OutcomeDuplicateSuppressed {
		t.Fatalf("second send: %v %v", out, err)
	}
	// join notification plus one message
	if n := len(l.frames(stomp.CmdSend)); n != 2 {
		t.Fatalf("expected 2 SEND frames, got %d", n)
	}
}

func TestDisconnectFiresOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	h.m.Disconnect()
	h.m.Disconnect()
	waitFor(t, "disconnected callback", func() bool {
		var n int
		h.rec.read(func(r *recorder) { n = r.disconn })
		return n == 1
	})
	time.Sleep(20 * time.Millisecond)
	h.rec.read(func(r *recorder) {
		if r.disconn != 1 || r.connected != 1 {
			t.Fatalf("connected=%d disconnected=%d", r.connected, r.disconn)
		}
		want := []model.ConnectionState{
			model.StateConnecting, model.StateAuthenticating, model.StateReady, model.StateClosed,
		}
		if len(r.transitions) != len(want) {
			t.Fatalf("transitions: %v", r.transitions)
		}
		for i := range want {
			if r.transitions[i] != want[i] {
				t.Fatalf("transition %d: got %v want %v", i, r.transitions[i], want[i])
			}
		}
	})
}

func TestListenerMayReenterManager(t *testing.T) {
	h := newHarness(t, nil)
	joined := make(chan error, 1)
	h.m.SetListener(ListenerFuncs{
		Connected: func() { joined <- h.m.Join(4) },
	})
	l := h.connect(t)

	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("join from callback: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback deadlocked")
	}
	if n := len(l.frames(stomp.CmdSubscribe)); n != 4 {
		t.Fatalf("expected 4 subscriptions, got %d", n)
	}
}

func TestKeystrokeSendsTypingOnce(t *testing.T) {
	h := newHarness(t, nil)
	l := h.connect(t)
	if err := h.m.Join(1); err != nil {
		t.Fatalf("join: %v", err)
	}
	for _, text := range []string{"h", "he", "hel"} {
		h.m.Keystroke(1, text)
	}
	h.m.Keystroke(1, "")

	var typing []stomp.Frame
	for _, f := range l.frames(stomp.CmdSend) {
		if f.Header(stomp.HdrDestination) == "/app/rooms/1/typing" {
			typing = append(typing, f)
		}
	}
	if len(typing) != 2 {
		t.Fatalf("expected start and stop frames, got %d", len(typing))
	}
}

func TestClosedManagerRejectsConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Close()
	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseFromListener(t *testing.T) {
	h := newHarness(t, nil)
	closed := make(chan struct{})
	h.m.SetListener(ListenerFuncs{
		Connected: func() {
			h.m.Close()
			close(closed)
		},
	})
	h.connect(t)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close from a callback did not return")
	}
	waitFor(t, "closed state", func() bool { return h.m.State() == model.StateClosed })
	if err := h.m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
