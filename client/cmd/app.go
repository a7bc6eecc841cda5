package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adwski/chat-session/client/config"
	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/rest"
	"github.com/adwski/chat-session/client/session"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const historyTimeout = 5 * time.Second

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("chatcli", pflag.ContinueOnError)

	var (
		cfgPath  = fs.StringP("config", "c", "", "path to toml config")
		url      = fs.StringP("url", "u", "", "websocket stomp endpoint")
		apiURL   = fs.String("api-url", "", "room api base url")
		username = fs.StringP("username", "n", "", "username sent as CONNECT login")
		userID   = fs.Int64("user-id", 0, "own user id")
		token    = fs.StringP("token", "t", os.Getenv("CHAT_TOKEN"), "access token, defaults to $CHAT_TOKEN")
		rooms    = fs.StringSliceP("room", "r", nil, "room ids to join, repeatable")
		history  = fs.Int("history", 20, "messages of history to print per room, 0 to skip")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		if cfg, err = config.Load(*cfgPath); err != nil {
			logger.Fatal().Err(err).Msg("failed to load config")
		}
	}
	if fs.Changed("url") {
		cfg.URL = *url
	}
	if fs.Changed("api-url") {
		cfg.APIURL = *apiURL
	}
	if fs.Changed("username") {
		cfg.Username = *username
	}
	if fs.Changed("user-id") {
		cfg.UserID = *userID
	}
	if fs.Changed("room") {
		if cfg.Rooms, err = parseRooms(*rooms); err != nil {
			logger.Fatal().Err(err).Msg("failed to parse rooms")
		}
	}
	if *token != "" {
		cfg.Token = *token
	}
	if err = cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	creds := config.StaticToken(cfg.Token)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.APIURL != "" && len(cfg.Rooms) > 0 {
		preload(ctx, &logger, cfg, creds, *history)
	}

	c := &chat{
		out:     os.Stdout,
		logger:  logger.With().Str("component", "cli").Logger(),
		pending: slices.Clone(cfg.Rooms),
	}
	if len(cfg.Rooms) > 0 {
		c.current = cfg.Rooms[0]
	}
	c.mgr = session.New(cfg.Session(&logger, creds))
	c.mgr.SetListener(c.listener())
	defer c.mgr.Close()

	if err = c.mgr.Connect(ctx); err != nil {
		if errors.Is(err, model.ErrUnauthenticated) {
			logger.Fatal().Err(err).Msg("server rejected credentials")
		}
		logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			return
		case line, ok := <-lines:
			if !ok || !c.handle(line) {
				return
			}
		}
	}
}

// preload registers the member with configured rooms over the api and prints
// recent history. Failures are logged; the session still starts.
func preload(ctx context.Context, logger *zerolog.Logger, cfg config.Config, creds config.StaticToken, history int) {
	api, err := rest.New(rest.Config{BaseURL: cfg.APIURL, Credentials: creds, Logger: logger})
	if err != nil {
		logger.Error().Err(err).Msg("api client disabled")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, historyTimeout)
	defer cancel()

	for _, roomID := range cfg.Rooms {
		room, err := api.JoinRoom(ctx, roomID, rest.Member{ID: cfg.UserID, Username: cfg.Username})
		if err != nil {
			logger.Warn().Err(err).Int64("roomID", roomID).Msg("api join failed")
			continue
		}
		fmt.Printf("== %s (#%d, %d members)\n", room.Name, room.ID, len(room.Members))
		if history <= 0 {
			continue
		}
		msgs, err := api.Messages(ctx, roomID, history)
		if err != nil {
			logger.Warn().Err(err).Int64("roomID", roomID).Msg("history unavailable")
			continue
		}
		for _, msg := range msgs {
			printMessage(os.Stdout, msg)
		}
	}
}

func parseRooms(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid room id %q", v)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

type chat struct {
	mgr     *session.Manager
	out     io.Writer
	logger  zerolog.Logger
	current int64
	// rooms still to be joined once the session is ready
	pending []int64
}

func (c *chat) listener() session.ListenerFuncs {
	return session.ListenerFuncs{
		Connected: func() {
			fmt.Fprintln(c.out, "* connected")
			c.joinPending()
		},
		Disconnected: func() {
			fmt.Fprintln(c.out, "* disconnected")
		},
		Error: func(reason error) {
			fmt.Fprintf(c.out, "* connection problem: %v\n", reason)
		},
		MessageReceived: func(msg model.ChatMessage) {
			c.logger.Trace().Msg(spew.Sdump(msg))
			printMessage(c.out, msg)
		},
		MessageEdited: func(roomID, messageID int64, content string) {
			fmt.Fprintf(c.out, "[#%d] message %d edited: %s\n", roomID, messageID, content)
		},
		MessageDeleted: func(roomID, messageID int64) {
			fmt.Fprintf(c.out, "[#%d] message %d deleted\n", roomID, messageID)
		},
		TypingChanged: func(roomID int64, _ string, _ bool) {
			if s := c.mgr.TypingSummary(roomID); s != "" {
				fmt.Fprintf(c.out, "[#%d] %s\n", roomID, s)
			}
		},
		UserStatusChanged: func(roomID, userID int64, online bool) {
			state := "offline"
			if online {
				state = "online"
			}
			fmt.Fprintf(c.out, "[#%d] user %d is %s\n", roomID, userID, state)
		},
		StateChanged: func(from, to model.ConnectionState) {
			c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
		},
		SendFailed: func(a model.PendingAction) {
			c.logger.Trace().Msg(spew.Sdump(a))
			fmt.Fprintf(c.out, "* not delivered to #%d: %s\n", a.RoomID, a.Content)
		},
	}
}

// joinPending runs on the listener executor, so pending is never touched
// concurrently with another callback.
func (c *chat) joinPending() {
	left := c.pending[:0]
	for _, roomID := range c.pending {
		if err := c.mgr.Join(roomID); err != nil {
			c.logger.Warn().Err(err).Int64("roomID", roomID).Msg("join failed")
			left = append(left, roomID)
			continue
		}
		fmt.Fprintf(c.out, "* joined #%d\n", roomID)
	}
	c.pending = left
}

// handle applies one input line and reports whether to keep reading.
func (c *chat) handle(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line)
		return true
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "quit", "q":
		return false
	case "join":
		roomID, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || roomID <= 0 {
			fmt.Fprintln(c.out, "usage: /join <room id>")
			return true
		}
		if err = c.mgr.Join(roomID); err != nil {
			fmt.Fprintf(c.out, "* join #%d: %v\n", roomID, err)
			return true
		}
		c.current = roomID
		fmt.Fprintf(c.out, "* joined #%d\n", roomID)
	case "leave":
		roomID := c.current
		if arg != "" {
			id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if err != nil {
				fmt.Fprintln(c.out, "usage: /leave [room id]")
				return true
			}
			roomID = id
		}
		if err := c.mgr.Leave(roomID); err != nil {
			fmt.Fprintf(c.out, "* leave #%d: %v\n", roomID, err)
			return true
		}
		fmt.Fprintf(c.out, "* left #%d\n", roomID)
		if roomID == c.current {
			c.current = 0
			if joined := c.mgr.JoinedRooms(); len(joined) > 0 {
				c.current = joined[0]
			}
		}
	case "rooms":
		fmt.Fprintf(c.out, "* joined %v, talking in #%d, state %s\n", c.mgr.JoinedRooms(), c.current, c.mgr.State())
	default:
		fmt.Fprintf(c.out, "unknown command %q\n", cmd)
	}
	return true
}

func (c *chat) send(content string) {
	if c.current == 0 {
		fmt.Fprintln(c.out, "* no room, use /join <room id>")
		return
	}
	out, err := c.mgr.Send(c.current, content)
	switch {
	case err != nil:
		fmt.Fprintf(c.out, "* send: %v\n", err)
	case out == model.OutcomeDuplicateSuppressed:
		c.logger.Debug().Int64("roomID", c.current).Msg("duplicate send suppressed")
	}
}

func printMessage(w io.Writer, msg model.ChatMessage) {
	ts := msg.SentAt().Format(time.TimeOnly)
	edited := ""
	if msg.Edited {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "[#%d %s] %s: %s%s\n", msg.RoomID, ts, msg.SenderName, msg.Content, edited)
}
