package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chat-session/backend/model"
	"github.com/adwski/chat-session/backend/storage/memory"
	chat "github.com/adwski/chat-session/client/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultHistoryLimit     = 50
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	CreateRoom(name string) model.Room
	ListRooms() []model.Room
	JoinRoom(roomID int64, member model.Member) (model.Room, error)
	Messages(roomID int64, limit int) ([]model.Message, error)
	PostMessage(ctx context.Context, roomID int64, from model.Member, content string, kind chat.MessageKind) (model.Message, error)
	EditMessage(ctx context.Context, roomID, messageID int64, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, roomID, messageID int64) error
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type JoinRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

type MessageRequest struct {
	SenderID   int64            `json:"sender_id"`
	SenderName string           `json:"sender_name"`
	Content    string           `json:"content"`
	Kind       chat.MessageKind `json:"messageType,omitempty"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("POST /api/rooms", srv.createRoom)
	r.HandleFunc("POST /api/rooms/{roomID}/join", srv.joinRoom)
	r.HandleFunc("GET /api/rooms/{roomID}/messages", srv.messages)
	r.HandleFunc("POST /api/rooms/{roomID}/messages", srv.postMessage)
	r.HandleFunc("PATCH /api/rooms/{roomID}/messages/{messageID}", srv.editMessage)
	r.HandleFunc("DELETE /api/rooms/{roomID}/messages/{messageID}", srv.deleteMessage)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.respond(w, http.StatusOK, &GenericResponse{Data: srv.svc.ListRooms()})
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !srv.decode(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		srv.respond(w, http.StatusBadRequest, &GenericResponse{Error: "name is required"})
		return
	}
	srv.respond(w, http.StatusCreated, &GenericResponse{Message: "OK", Data: srv.svc.CreateRoom(name)})
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}
	var req JoinRequest
	if !srv.decode(w, r, &req) {
		return
	}
	srv.logger.Trace().Any("request", req).Msg("got join request")

	room, err := srv.svc.JoinRoom(roomID, model.Member{ID: req.UserID, Username: req.Username})
	if err != nil {
		srv.respond(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Message: "OK", Data: room})
}

func (srv *Server) messages(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			srv.respond(w, http.StatusBadRequest, &GenericResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}
	msgs, err := srv.svc.Messages(roomID, limit)
	if err != nil {
		srv.respond(w, statusFor(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Data: msgs})
}

func (srv *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}
	var req MessageRequest
	if !srv.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		srv.respond(w, http.StatusBadRequest, &GenericResponse{Error: "content is required"})
		return
	}
	from := model.Member{ID: req.SenderID, Username: req.SenderName}
	msg, err := srv.svc.PostMessage(r.Context(), roomID, from, req.Content, req.Kind)
	if err != nil {
		srv.respond(w, statusFor(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusCreated, &GenericResponse{Message: "OK", Data: msg})
}

func (srv *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	var req MessageRequest
	if !srv.decode(w, r, &req) {
		return
	}
	msg, err := srv.svc.EditMessage(r.Context(), roomID, messageID, req.Content)
	if err != nil {
		srv.respond(w, statusFor(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Message: "OK", Data: msg})
}

func (srv *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageID")
	if !ok {
		return
	}
	if err := srv.svc.DeleteMessage(r.Context(), roomID, messageID); err != nil {
		srv.respond(w, statusFor(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.respond(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil || json.Unmarshal(body, v) != nil {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func (srv *Server) respond(w http.ResponseWriter, code int, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrRoomNotFound), errors.Is(err, memory.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrRoomIsFull):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
