// Package rest talks to the room and history API of the chat server.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/chat-session/client/connection"
	"github.com/adwski/chat-session/client/model"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrRequest  = errors.New("request failed")
)

type Room struct {
	ID      int64            `json:"id"`
	Name    string           `json:"name"`
	Members map[int64]Member `json:"members"`
}

type Member struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Client struct {
	base   *url.URL
	http   *http.Client
	creds  connection.CredentialProvider
	logger zerolog.Logger
}

type Config struct {
	BaseURL     string
	Credentials connection.CredentialProvider
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
}

type envelope struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme %q", base.Scheme)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		base:   base,
		http:   hc,
		creds:  cfg.Credentials,
		logger: logger.With().Str("component", "rest").Logger(),
	}, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var rooms []Room
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string) (Room, error) {
	var room Room
	err := c.do(ctx, http.MethodPost, "/api/rooms", map[string]string{"name": name}, &room)
	return room, err
}

// JoinRoom registers the member with the room. The room is created when it
// does not exist yet.
func (c *Client) JoinRoom(ctx context.Context, roomID int64, member Member) (Room, error) {
	var room Room
	req := struct {
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
	}{member.ID, member.Username}
	err := c.do(ctx, http.MethodPost, roomPath(roomID)+"/join", req, &room)
	return room, err
}

// Messages returns up to limit most recent messages of the room, oldest first.
func (c *Client) Messages(ctx context.Context, roomID int64, limit int) ([]model.ChatMessage, error) {
	path := roomPath(roomID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []model.ChatMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	target := c.base.JoinPath(ref.Path)
	target.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if token, ok := c.creds.AccessToken(); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var env envelope
	if err = json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	c.logger.Trace().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("api call")

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp.StatusCode, env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err = json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func statusError(code int, msg string) error {
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", model.ErrUnauthenticated, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return fmt.Errorf("%w: status %d: %s", ErrRequest, code, msg)
}

func roomPath(roomID int64) string {
	return "/api/rooms/" + strconv.FormatInt(roomID, 10)
}
