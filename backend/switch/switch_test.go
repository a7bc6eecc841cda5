package _switch

import (
	"context"
	"errors"
	"testing"

	"github.com/adwski/chat-session/backend/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/rs/zerolog"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func TestPublishFansOutPerSubscription(t *testing.T) {
	sw := newTestSwitch()
	a, b := model.NewWire(), model.NewWire()
	_ = sw.Connect("a", a)
	_ = sw.Connect("b", b)

	if err := sw.Subscribe("a", "sub-1", "/topic/rooms/1/messages"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sw.Subscribe("b", "sub-9", "/topic/rooms/1/messages"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sw.Subscribe("a", "sub-1", "/topic/rooms/2/messages"); !errors.Is(err, ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}
	if err := sw.Subscribe("zzz", "sub-1", "/topic/rooms/1/messages"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}

	if n := sw.Publish(context.Background(), "/topic/rooms/1/messages", []byte(`{"content":"hi"}`)); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	fa, fb := <-a.TX, <-b.TX
	if fa.Command != stomp.CmdMessage || fa.Header(stomp.HdrSubscription) != "sub-1" {
		t.Fatalf("unexpected frame for a: %+v", fa)
	}
	if fb.Header(stomp.HdrSubscription) != "sub-9" || string(fb.Body) != `{"content":"hi"}` {
		t.Fatalf("unexpected frame for b: %+v", fb)
	}
	if fa.Header(stomp.HdrMessageID) == "" || fa.Header(stomp.HdrMessageID) == fb.Header(stomp.HdrMessageID) {
		t.Fatalf("message ids must be unique per delivery")
	}
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire()
	_ = sw.Connect("a", a)
	_ = sw.Subscribe("a", "s1", "/topic/x")
	_ = sw.Subscribe("a", "s2", "/topic/y")

	if err := sw.Unsubscribe("a", "s1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := sw.Unsubscribe("a", "unknown"); err != nil {
		t.Fatalf("unsubscribe unknown: %v", err)
	}
	if sw.Subscribers("/topic/x") != 0 || sw.Subscribers("/topic/y") != 1 {
		t.Fatalf("unexpected subscriber counts")
	}

	_ = sw.Disconnect("a")
	if sw.Subscribers("/topic/y") != 0 {
		t.Fatalf("disconnect must drop subscriptions")
	}
	if sw.Deliver(context.Background(), "a", stomp.New(stomp.CmdReceipt)) {
		t.Fatalf("deliver to a disconnected session must fail")
	}
}

func TestPublishCanceled(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire()
	_ = sw.Connect("a", a)
	_ = sw.Subscribe("a", "s1", "/topic/x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the buffered wire may still accept the frame; a canceled publish never blocks
	if n := sw.Publish(ctx, "/topic/x", nil); n > 1 {
		t.Fatalf("unexpected deliveries: %d", n)
	}
}
