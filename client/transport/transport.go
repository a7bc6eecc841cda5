package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultPongWait                    = 15 * time.Second

	subprotocolStomp = "v12.stomp"
)

var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrUnexpectedFrame   = errors.New("unexpected frame during handshake")
	ErrClosed            = errors.New("connection closed")
)

type (
	Config struct {
		Logger           *zerolog.Logger
		URL              string
		HandshakeTimeout time.Duration
		WriteTimeout     time.Duration
		PongWait         time.Duration
		MaxMessageSize   int64
	}

	// Transport dials websocket connections to the messaging server.
	Transport struct {
		url    string
		dialer *websocket.Dialer
		cfg    Config
		logger zerolog.Logger
	}

	// Conn is one live websocket connection carrying STOMP frames.
	// ReadFrame must be called from a single goroutine; WriteFrame, Ping and Close
	// are safe for concurrent use.
	Conn struct {
		ws     *websocket.Conn
		wmx    sync.Mutex
		pongs  chan struct{}
		closed chan struct{}
		once   sync.Once
		cfg    Config
		logger zerolog.Logger
	}
)

func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultWebSocketHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWebSocketWriteDeadline
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWebSocketMaxMessageSize
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "transport").Logger()
	}
	return &Transport{
		url: cfg.URL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			Subprotocols:     []string{subprotocolStomp},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Dial performs the websocket upgrade. The token is attached as a bearer header so
// servers that authenticate at upgrade time can reject early.
func (t *Transport) Dial(ctx context.Context, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Join(model.ErrUnauthenticated, err)
		}
		return nil, errors.Join(model.ErrTransport, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Conn{
		ws:     ws,
		pongs:  make(chan struct{}, 1),
		closed: make(chan struct{}),
		cfg:    t.cfg,
		logger: t.logger.With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}
	ws.SetReadLimit(t.cfg.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return c.extendReadDeadline()
	})
	c.logger.Debug().Msg("websocket connected")
	return c, nil
}

// Authenticate runs the STOMP CONNECT exchange. It must complete before ReadFrame
// is called by anyone else.
func (c *Conn) Authenticate(ctx context.Context, login, token string) error {
	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, stomp.Version,
		stomp.HdrHost, c.ws.RemoteAddr().String(),
		stomp.HdrHeartBeat, "0,0",
	)
	if login != "" {
		connect.Set(stomp.HdrLogin, login)
	}
	connect.Set(stomp.HdrAuthorization, "Bearer "+token)
	if err := c.WriteFrame(connect); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return errors.Join(model.ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := c.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	switch f.Command {
	case stomp.CmdConnected:
		c.logger.Debug().Str("version", f.Header(stomp.HdrVersion)).Msg("session authenticated")
		return c.extendReadDeadline()
	case stomp.CmdError:
		return errors.Join(model.ErrUnauthenticated,
			fmt.Errorf("%w: %s", ErrHandshakeRejected, f.Header(stomp.HdrMessage)))
	default:
		return errors.Join(model.ErrTransport, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Command))
	}
}

// ReadFrame blocks until the next non-heartbeat frame arrives.
func (c *Conn) ReadFrame() (stomp.Frame, error) {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return stomp.Frame{}, ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection closed by server")
			}
			return stomp.Frame{}, errors.Join(model.ErrTransport, err)
		}
		f, err := stomp.Decode(msg)
		if errors.Is(err, stomp.ErrEmptyFrame) {
			continue
		}
		if err != nil {
			return stomp.Frame{}, errors.Join(model.ErrDecode, err)
		}
		c.logger.Trace().Str("command", f.Command).Msg("frame received")
		return f, nil
	}
}

func (c *Conn) WriteFrame(f stomp.Frame) error {
	b, err := stomp.Encode(f)
	if err != nil {
		return err
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()

	if err = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return errors.Join(model.ErrTransport, err)
	}
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return errors.Join(model.ErrTransport, err)
	}
	if _, err = w.Write(b); err != nil {
		return errors.Join(model.ErrTransport, err)
	}
	if err = w.Close(); err != nil {
		return errors.Join(model.ErrTransport, err)
	}
	c.logger.Trace().Str("command", f.Command).Msg("frame sent")
	return nil
}

func (c *Conn) Ping() error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return errors.Join(model.ErrTransport, err)
	}
	c.logger.Trace().Msg("ping sent")
	return nil
}

// Pongs signals each pong received. Delivery is lossy; only the latest matters.
func (c *Conn) Pongs() <-chan struct{} {
	return c.pongs
}

// Close sends a close message and releases the socket. Any blocked ReadFrame
// returns ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)

		c.wmx.Lock()
		wsErr := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWebSocketCloseWriteDeadline))
		c.wmx.Unlock()
		if wsErr != nil {
			c.logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
		err = c.ws.Close()
		if err != nil {
			c.logger.Error().Err(err).Msg("failed to close websocket connection")
		}
	})
	return err
}

func (c *Conn) extendReadDeadline() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
}
