// Package config loads client settings from a TOML file on top of defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adwski/chat-session/client/connection"
	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/session"
	"github.com/rs/zerolog"
)

type Config struct {
	URL      string
	APIURL   string
	Token    string
	Username string
	UserID   int64
	Rooms    []int64

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration
	DegradedAfter    time.Duration
	Backoff          connection.BackoffConfig
	DuplicateWindow  time.Duration
	TypingTimeout    time.Duration

	Destinations model.Destinations
}

type fileConfig struct {
	URL              string             `toml:"url"`
	APIURL           string             `toml:"api_url"`
	Token            string             `toml:"token"`
	Username         string             `toml:"username"`
	UserID           int64              `toml:"user_id"`
	Rooms            []int64            `toml:"rooms"`
	HandshakeTimeout string             `toml:"handshake_timeout"`
	WriteTimeout     string             `toml:"write_timeout"`
	PongWait         string             `toml:"pong_wait"`
	PingInterval     string             `toml:"ping_interval"`
	DegradedAfter    string             `toml:"degraded_after"`
	DuplicateWindow  string             `toml:"duplicate_window"`
	TypingTimeout    string             `toml:"typing_timeout"`
	Reconnect        reconnectConfig    `toml:"reconnect"`
	Destinations     model.Destinations `toml:"destinations"`
}

type reconnectConfig struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://127.0.0.1:8888/ws",
		APIURL:           "http://127.0.0.1:8080",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PongWait:         15 * time.Second,
		PingInterval:     5 * time.Second,
		DegradedAfter:    10 * time.Second,
		Backoff:          connection.FixedBackoff(5 * time.Second),
		DuplicateWindow:  2 * time.Second,
		TypingTimeout:    3 * time.Second,
		Destinations:     model.DefaultDestinations(),
	}
}

// Load decodes path onto DefaultConfig. Keys absent from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("api_url") {
		cfg.APIURL = strings.TrimSpace(raw.APIURL)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("user_id") {
		cfg.UserID = raw.UserID
	}
	if meta.IsDefined("rooms") {
		cfg.Rooms = raw.Rooms
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"pong_wait", raw.PongWait, &cfg.PongWait},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
		{"degraded_after", raw.DegradedAfter, &cfg.DegradedAfter},
		{"duplicate_window", raw.DuplicateWindow, &cfg.DuplicateWindow},
		{"typing_timeout", raw.TypingTimeout, &cfg.TypingTimeout},
		{"reconnect.initial_delay", raw.Reconnect.InitialDelay, &cfg.Backoff.InitialDelay},
		{"reconnect.max_delay", raw.Reconnect.MaxDelay, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("reconnect", "multiplier") {
		cfg.Backoff.Multiplier = raw.Reconnect.Multiplier
	}
	if meta.IsDefined("reconnect", "jitter") {
		cfg.Backoff.Jitter = raw.Reconnect.Jitter
	}

	dest := []struct {
		key string
		raw string
		dst *string
	}{
		{"messages_topic", raw.Destinations.MessagesTopic, &cfg.Destinations.MessagesTopic},
		{"status_topic", raw.Destinations.StatusTopic, &cfg.Destinations.StatusTopic},
		{"edit_topic", raw.Destinations.EditTopic, &cfg.Destinations.EditTopic},
		{"delete_topic", raw.Destinations.DeleteTopic, &cfg.Destinations.DeleteTopic},
		{"send_action", raw.Destinations.SendAction, &cfg.Destinations.SendAction},
		{"typing_action", raw.Destinations.TypingAction, &cfg.Destinations.TypingAction},
		{"join_action", raw.Destinations.JoinAction, &cfg.Destinations.JoinAction},
		{"leave_action", raw.Destinations.LeaveAction, &cfg.Destinations.LeaveAction},
	}
	for _, d := range dest {
		if !meta.IsDefined("destinations", d.key) {
			continue
		}
		v := strings.TrimSpace(d.raw)
		if !strings.Contains(v, model.RoomPlaceholder) {
			return Config{}, fmt.Errorf("destinations.%s: missing %s placeholder", d.key, model.RoomPlaceholder)
		}
		*d.dst = v
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("reconnect.initial_delay must be positive")
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("reconnect.max_delay is below initial_delay")
	}
	if c.PongWait > 0 && c.PongWait <= c.PingInterval {
		return fmt.Errorf("pong_wait must exceed ping_interval")
	}
	if c.DegradedAfter > 0 && c.PongWait > 0 && c.DegradedAfter >= c.PongWait {
		return fmt.Errorf("degraded_after must be below pong_wait")
	}
	return nil
}

// Session builds the session manager configuration. Credentials come from the
// caller so tokens need not live in the file.
func (c Config) Session(logger *zerolog.Logger, creds connection.CredentialProvider) session.Config {
	return session.Config{
		Logger:           logger,
		URL:              c.URL,
		Username:         c.Username,
		UserID:           c.UserID,
		Credentials:      creds,
		Destinations:     c.Destinations,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		PongWait:         c.PongWait,
		PingInterval:     c.PingInterval,
		DegradedAfter:    c.DegradedAfter,
		Backoff:          c.Backoff,
		DuplicateWindow:  c.DuplicateWindow,
		TypingTimeout:    c.TypingTimeout,
	}
}

// StaticToken is a CredentialProvider backed by a fixed token.
type StaticToken string

func (t StaticToken) AccessToken() (string, bool) {
	v := strings.TrimSpace(string(t))
	return v, v != ""
}
