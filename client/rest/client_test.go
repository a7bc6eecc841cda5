package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	httpServer "github.com/adwski/chat-session/backend/server/http"
	"github.com/adwski/chat-session/backend/service"
	"github.com/adwski/chat-session/backend/storage/memory"
	sw "github.com/adwski/chat-session/backend/switch"
	"github.com/adwski/chat-session/client/model"
	"github.com/rs/zerolog"
)

type bearer string

func (b bearer) AccessToken() (string, bool) { return string(b), b != "" }

func newTestClient(t *testing.T, maxMembers int) *Client {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: memory.NewMemStore(maxMembers),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	ts := httptest.NewServer(httpServer.NewServer(httpServer.Config{Logger: &logger, RoomService: svc}).Handler)
	t.Cleanup(ts.Close)

	c, err := New(Config{BaseURL: ts.URL + "/", Credentials: bearer("tok")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ws://127.0.0.1:8080"}); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestRoomsAndHistory(t *testing.T) {
	c := newTestClient(t, 1)
	ctx := context.Background()

	rooms, err := c.ListRooms(ctx)
	if err != nil || len(rooms) != 0 {
		t.Fatalf("empty list: %v %v", rooms, err)
	}
	created, err := c.CreateRoom(ctx, "general")
	if err != nil || created.ID != 1 || created.Name != "general" {
		t.Fatalf("create: %+v %v", created, err)
	}

	room, err := c.JoinRoom(ctx, created.ID, Member{ID: 7, Username: "ann"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if room.Members[7].Username != "ann" {
		t.Fatalf("member missing: %+v", room)
	}
	if _, err = c.JoinRoom(ctx, created.ID, Member{ID: 8, Username: "bob"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	msgs, err := c.Messages(ctx, created.ID, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("history: %v %v", msgs, err)
	}
	if _, err = c.Messages(ctx, 42, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUnauthorizedMapsToSessionError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":3,"name":"ops"}]}`))
	}))
	t.Cleanup(ts.Close)

	c, err := New(Config{BaseURL: ts.URL, Credentials: bearer("wrong")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err = c.ListRooms(context.Background()); !errors.Is(err, model.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	c.creds = bearer("secret")
	rooms, err := c.ListRooms(context.Background())
	if err != nil || len(rooms) != 1 || rooms[0].Name != "ops" {
		t.Fatalf("list: %+v %v", rooms, err)
	}
}
