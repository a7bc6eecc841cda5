package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/chat-session/backend/model"
	wsServer "github.com/adwski/chat-session/backend/server/websocket"
	"github.com/adwski/chat-session/backend/service"
	"github.com/adwski/chat-session/backend/storage/memory"
	sw "github.com/adwski/chat-session/backend/switch"
	chat "github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/rs/zerolog"
)

func startBroker(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore(0)
	store.CreateRoom("general")
	svc := service.NewService(service.Config{
		RoomStore: store,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
		Tokens:    map[string]model.Member{"tok-ann": {ID: 1, Username: "ann"}},
	})
	srv := wsServer.NewServer(wsServer.Config{Logger: &logger, BrokerService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialAndAuth(t *testing.T, url, token string) *Conn {
	t.Helper()
	tr := New(Config{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := tr.Dial(ctx, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err = c.Authenticate(ctx, "ann", token); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return c
}

func TestDialRejectsUnknownToken(t *testing.T) {
	url := startBroker(t)
	_, err := New(Config{URL: url}).Dial(context.Background(), "bogus")
	if !errors.Is(err, chat.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	_, err := New(Config{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: time.Second}).Dial(context.Background(), "tok")
	if !errors.Is(err, chat.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestSendAndReceive(t *testing.T) {
	c := dialAndAuth(t, startBroker(t), "tok-ann")

	if err := c.WriteFrame(stomp.New(stomp.CmdSubscribe,
		stomp.HdrID, "sub-0",
		stomp.HdrDestination, "/topic/rooms/1/messages",
	)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	send := stomp.New(stomp.CmdSend,
		stomp.HdrDestination, "/app/rooms/1/send",
		stomp.HdrReceipt, "r-1",
	)
	send.Body = []byte(`{"content":"hello"}`)
	if err := c.WriteFrame(send); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if msg.Command != stomp.CmdMessage || msg.Header(stomp.HdrSubscription) != "sub-0" {
		t.Fatalf("unexpected frame: %+v", msg)
	}
	if !strings.Contains(string(msg.Body), `"senderName":"ann"`) || !strings.Contains(string(msg.Body), `"id":1`) {
		t.Fatalf("unexpected body: %s", msg.Body)
	}

	receipt, err := c.ReadFrame()
	if err != nil {
		t.Fatalf("read receipt: %v", err)
	}
	if receipt.Command != stomp.CmdReceipt || receipt.Header(stomp.HdrReceiptID) != "r-1" {
		t.Fatalf("unexpected frame: %+v", receipt)
	}

	if err = c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestReadAfterClose(t *testing.T) {
	c := dialAndAuth(t, startBroker(t), "tok-ann")
	done := make(chan error, 1)
	go func() {
		_, err := c.ReadFrame()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_ = c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read not interrupted by close")
	}
}
