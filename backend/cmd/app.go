package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/adwski/chat-session/backend/model"
	httpServer "github.com/adwski/chat-session/backend/server/http"
	websocketServer "github.com/adwski/chat-session/backend/server/websocket"
	"github.com/adwski/chat-session/backend/service"
	store "github.com/adwski/chat-session/backend/storage/memory"
	sw "github.com/adwski/chat-session/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket stomp listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		maxMembers    = fs.IntP("max-members", "m", 0, "room member limit, 0 for unlimited")
		open          = fs.Bool("open", true, "accept any token and take the username from the CONNECT login")
		tokens        = fs.StringSliceP("token", "t", nil, "static token as token=userID:username, repeatable")
		rooms         = fs.StringSliceP("room", "r", []string{"general", "random"}, "rooms to create on startup")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	members, err := parseTokens(*tokens)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse tokens")
	}

	roomStore := store.NewMemStore(*maxMembers)
	for _, name := range *rooms {
		room := roomStore.CreateRoom(name)
		logger.Debug().Int64("roomID", room.ID).Str("name", name).Msg("room created")
	}

	svc := service.NewService(service.Config{
		RoomStore: roomStore,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
		Tokens:    members,
		Open:      *open,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:        &logger,
		BrokerService: svc,
		ListenAddr:    *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func parseTokens(entries []string) (map[string]model.Member, error) {
	members := make(map[string]model.Member, len(entries))
	for _, entry := range entries {
		token, user, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("token %q: expected token=userID:username", entry)
		}
		idPart, name, ok := strings.Cut(user, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("token %q: expected token=userID:username", entry)
		}
		id, err := strconv.ParseInt(idPart, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", entry, err)
		}
		members[token] = model.Member{ID: id, Username: name}
	}
	return members, nil
}
