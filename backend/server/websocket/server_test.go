package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/chat-session/backend/model"
	"github.com/adwski/chat-session/backend/service"
	"github.com/adwski/chat-session/backend/storage/memory"
	sw "github.com/adwski/chat-session/backend/switch"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: memory.NewMemStore(0),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
		Tokens:    map[string]model.Member{"tok": {ID: 1, Username: "ann"}},
	})
	srv := NewServer(Config{Logger: &logger, BrokerService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{subprotocolStomp}, HandshakeTimeout: time.Second}
	conn, _, err := d.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, f stomp.Frame) {
	t.Helper()
	b, err := stomp.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) stomp.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := stomp.Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return f
}

func connect(t *testing.T, conn *websocket.Conn, token string) stomp.Frame {
	t.Helper()
	write(t, conn, stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, stomp.Version,
		stomp.HdrAuthorization, "Bearer "+token,
	))
	return read(t, conn)
}

func TestUpgradeRejectsBadBearer(t *testing.T) {
	url := newTestServer(t)
	d := websocket.Dialer{Subprotocols: []string{subprotocolStomp}}
	_, resp, err := d.Dial(url, http.Header{"Authorization": []string{"Bearer wrong"}})
	if err == nil {
		t.Fatalf("expected upgrade failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestConnectHandshake(t *testing.T) {
	url := newTestServer(t)

	conn := dial(t, url, nil)
	if conn.Subprotocol() != subprotocolStomp {
		t.Fatalf("unexpected subprotocol %q", conn.Subprotocol())
	}
	f := connect(t, conn, "tok")
	if f.Command != stomp.CmdConnected || f.Header(stomp.HdrUserName) != "ann" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	rejected := dial(t, url, nil)
	if f = connect(t, rejected, "wrong"); f.Command != stomp.CmdError {
		t.Fatalf("expected ERROR, got %+v", f)
	}

	early := dial(t, url, nil)
	write(t, early, stomp.New(stomp.CmdSubscribe, stomp.HdrID, "0", stomp.HdrDestination, "/topic/x"))
	if f = read(t, early); f.Command != stomp.CmdError {
		t.Fatalf("expected ERROR for a non-CONNECT first frame, got %+v", f)
	}
}

func TestBadDestinationEndsSession(t *testing.T) {
	conn := dial(t, newTestServer(t), nil)
	connect(t, conn, "tok")

	send := stomp.New(stomp.CmdSend, stomp.HdrDestination, "/app/nowhere", stomp.HdrReceipt, "r-7")
	send.Body = []byte(`{}`)
	write(t, conn, send)

	f := read(t, conn)
	if f.Command != stomp.CmdError || f.Header(stomp.HdrReceiptID) != "r-7" {
		t.Fatalf("expected ERROR with receipt id, got %+v", f)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
}

func TestJoinPublishesPresence(t *testing.T) {
	url := newTestServer(t)
	conn := dial(t, url, nil)
	connect(t, conn, "tok")

	write(t, conn, stomp.New(stomp.CmdSubscribe, stomp.HdrID, "s", stomp.HdrDestination, "/topic/rooms/3/status"))
	join := stomp.New(stomp.CmdSend, stomp.HdrDestination, "/app/rooms/3/join", stomp.HdrReceipt, "j")
	join.Body = []byte(`{"type":"join","roomId":3}`)
	write(t, conn, join)

	f := read(t, conn)
	if f.Command != stomp.CmdMessage || !strings.Contains(string(f.Body), `"isOnline":true`) {
		t.Fatalf("expected presence event, got %+v %s", f, f.Body)
	}
	if f = read(t, conn); f.Command != stomp.CmdReceipt || f.Header(stomp.HdrReceiptID) != "j" {
		t.Fatalf("expected receipt, got %+v", f)
	}
}

func TestSendToUnknownRoomIsRejected(t *testing.T) {
	conn := dial(t, newTestServer(t), nil)
	connect(t, conn, "tok")

	send := stomp.New(stomp.CmdSend, stomp.HdrDestination, "/app/rooms/42/send", stomp.HdrReceipt, "r-42")
	send.Body = []byte(`{"content":"anyone?"}`)
	write(t, conn, send)

	f := read(t, conn)
	if f.Command != stomp.CmdError || f.Header(stomp.HdrReceiptID) != "r-42" {
		t.Fatalf("expected ERROR with receipt id, got %+v", f)
	}
	if !strings.Contains(string(f.Body), memory.ErrRoomNotFound.Error()) {
		t.Fatalf("unexpected error body %q", f.Body)
	}
}
