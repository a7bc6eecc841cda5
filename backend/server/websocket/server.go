package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chat-session/backend/model"
	"github.com/adwski/chat-session/backend/service"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultConnectFrameTimeout         = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	subprotocolStomp = "v12.stomp"
	bearerPrefix     = "Bearer "
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrNoConnect  = errors.New("first frame is not CONNECT")
)

type (
	BrokerService interface {
		Authenticate(token, login string) (model.Member, error)
		CreateSession(sessionID string, member model.Member, wire model.Wire) error
		DeleteSession(ctx context.Context, sessionID string) error
		HandleFrame(ctx context.Context, sessionID string, f stomp.Frame) error
	}

	Config struct {
		Logger        *zerolog.Logger
		BrokerService BrokerService
		ListenAddr    string
		PingInterval  time.Duration
		PongWait      time.Duration
	}

	Server struct {
		svc BrokerService
		ws  *websocket.Upgrader
		*http.Server

		pingInterval time.Duration
		pongWait     time.Duration

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:          cfg.BrokerService,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			Subprotocols:     []string{subprotocolStomp},
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.pingInterval <= 0 {
		srv.pingInterval = defaultPingInterval
	}
	if srv.pongWait <= srv.pingInterval {
		srv.pongWait = srv.pingInterval + defaultPongWait - defaultPingInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serveStomp)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) serveStomp(w http.ResponseWriter, r *http.Request) {
	// a bearer header on the upgrade request is checked early
	if token := bearerToken(r.Header.Get(stomp.HdrAuthorization)); token != "" {
		if _, err := srv.svc.Authenticate(token, ""); err != nil {
			srv.logger.Debug().Err(err).Msg("upgrade rejected")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	member, err := srv.handshake(conn)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("stomp handshake failed")
		webSocketCloser(conn, &srv.logger)
		return
	}

	sessionID := uuid.NewString()
	wire := model.NewWire()
	if err = srv.svc.CreateSession(sessionID, member, wire); err != nil {
		srv.logger.Error().Err(err).Msg("failed to create session")
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("session", sessionID).
		Str("username", member.Username).
		Msg("stomp session created")

	ctx, cancel := context.WithCancel(context.TODO()) // long-living session context
	go srv.handleWSConn(ctx, cancel, conn, sessionID, wire)
}

// handshake waits for CONNECT and answers with CONNECTED or ERROR.
func (srv *Server) handshake(conn *websocket.Conn) (model.Member, error) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(defaultConnectFrameTimeout)); err != nil {
		return model.Member{}, err
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return model.Member{}, err
	}
	f, err := stomp.Decode(msg)
	if err != nil {
		return model.Member{}, err
	}
	if f.Command != stomp.CmdConnect && f.Command != "STOMP" {
		_ = writeFrame(conn, errorFrame(ErrNoConnect))
		return model.Member{}, ErrNoConnect
	}

	member, err := srv.svc.Authenticate(bearerToken(f.Header(stomp.HdrAuthorization)), f.Header(stomp.HdrLogin))
	if err != nil {
		_ = writeFrame(conn, errorFrame(err))
		return model.Member{}, err
	}
	err = writeFrame(conn, stomp.New(stomp.CmdConnected,
		stomp.HdrVersion, stomp.Version,
		stomp.HdrUserName, member.Username,
		stomp.HdrHeartBeat, "0,0",
	))
	return member, err
}

func (srv *Server) destroySession(sessionID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSession(ctx, sessionID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to delete session")
		return
	}
	logger.Debug().Msg("stomp session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sessionID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("session", sessionID).
		Logger()

	wg.Add(3)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, wire.RX, &logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()
	go func() {
		srv.frameProcessor(ctx, wg, sessionID, wire, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(sessionID, &logger)
}

// frameProcessor applies client frames in arrival order. A failed frame is answered
// with ERROR, after which the sender ends the connection.
func (srv *Server) frameProcessor(
	ctx context.Context,
	wg *sync.WaitGroup,
	sessionID string,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	defer wg.Done()
ProcLoop:
	for {
		select {
		case <-ctx.Done():
			break ProcLoop
		case f := <-wire.RX:
			err := srv.svc.HandleFrame(ctx, sessionID, f)
			if err == nil {
				continue
			}
			if errors.Is(err, service.ErrSessionEnded) {
				logger.Debug().Msg("client disconnected")
				break ProcLoop
			}
			logger.Warn().Err(err).Str("command", f.Command).Msg("frame rejected")
			ef := errorFrame(err)
			if r := f.Header(stomp.HdrReceipt); r != "" {
				ef.Set(stomp.HdrReceiptID, r)
			}
			select {
			case wire.TX <- ef:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan stomp.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case f, ok := <-tx:
			if !ok {
				break SendLoop
			}
			if wsErr := writeFrame(conn, f); wsErr != nil {
				logger.Error().Err(wsErr).Str("command", f.Command).Msg("failed to write outgoing frame")
				break SendLoop
			}
			if f.Command == stomp.CmdError {
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- stomp.Frame,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			f, wsErr := stomp.Decode(msg)
			if errors.Is(wsErr, stomp.ErrEmptyFrame) {
				continue
			}
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to decode incoming frame")
				continue
			}
			select {
			case rx <- f:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f stomp.Frame) error {
	b, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func errorFrame(err error) stomp.Frame {
	f := stomp.New(stomp.CmdError, stomp.HdrMessage, strings.SplitN(err.Error(), "\n", 2)[0])
	f.Body = []byte(err.Error())
	return f
}

func bearerToken(header string) string {
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
