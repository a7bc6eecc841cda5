// Package connection owns the lifecycle of the single server connection: dial,
// authenticate, serve frames, detect heartbeat loss and reconnect with backoff.
package connection

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/adwski/chat-session/client/model"
	"github.com/adwski/chat-session/client/stomp"
	"github.com/rs/zerolog"
)

const (
	defaultPingInterval  = 5 * time.Second
	defaultDegradedAfter = 10 * time.Second
	defaultDialTimeout   = 10 * time.Second
)

var ErrDegraded = errors.New("heartbeat overdue")

type (
	// Link is one authenticated-or-authenticating connection.
	Link interface {
		Authenticate(ctx context.Context, login, token string) error
		ReadFrame() (stomp.Frame, error)
		WriteFrame(stomp.Frame) error
		Ping() error
		Pongs() <-chan struct{}
		Close() error
	}

	DialFunc func(ctx context.Context, token string) (Link, error)

	CredentialProvider interface {
		// AccessToken returns the current token, or false when none is available.
		AccessToken() (string, bool)
	}

	// Handler receives connection effects. Calls are serialized and never made
	// for a connection that has since been superseded by Disconnect or Connect.
	Handler interface {
		// Attached runs after the state becomes Ready and before it is announced.
		Attached(link Link)
		Frame(f stomp.Frame)
		// Detached runs when the connection is gone, before the next state is announced.
		Detached()
		StateChanged(from, to model.ConnectionState, err error)
	}

	Config struct {
		Logger        *zerolog.Logger
		Dial          DialFunc
		Credentials   CredentialProvider
		Handler       Handler
		Login         string
		DialTimeout   time.Duration
		PingInterval  time.Duration
		DegradedAfter time.Duration
		Backoff       BackoffConfig
	}

	// Machine is the connection state machine. The goroutine started by Connect owns
	// the read loop and every transition except the one into Closed, which
	// Disconnect applies directly.
	Machine struct {
		logger  zerolog.Logger
		cfg     Config
		rng     *rand.Rand
		handler Handler

		mx     *sync.Mutex
		state  model.ConnectionState
		gen    uint64
		cancel context.CancelFunc
		link   Link
		done   chan struct{}

		// hmx serializes handler calls.
		hmx *sync.Mutex
	}
)

func New(cfg Config) *Machine {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "connection").Logger()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = defaultDegradedAfter
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = FixedBackoff(5 * time.Second)
	}
	return &Machine{
		logger:  logger,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		handler: cfg.Handler,
		mx:      &sync.Mutex{},
		hmx:     &sync.Mutex{},
		state:   model.StateDisconnected,
	}
}

func (m *Machine) State() model.ConnectionState {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.state
}

// Connect starts the connection worker and blocks until the first attempt is
// Ready or has failed. Calling it while a worker is active is a no-op.
// A failed first attempt keeps retrying in the background unless it was an
// authentication failure.
func (m *Machine) Connect(ctx context.Context) error {
	m.mx.Lock()
	switch m.state {
	case model.StateConnecting, model.StateAuthenticating, model.StateReady,
		model.StateDegraded, model.StateReconnecting:
		m.mx.Unlock()
		return nil
	}
	prevDone := m.done
	m.mx.Unlock()

	// a worker superseded by Disconnect may still be unwinding
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var token string
	if m.cfg.Credentials != nil {
		token, _ = m.cfg.Credentials.AccessToken()
	}
	if token == "" {
		m.logger.Warn().Msg("connect refused, no access token")
		return model.ErrUnauthenticated
	}

	runCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	done := make(chan struct{})

	m.mx.Lock()
	if m.state != model.StateDisconnected && m.state != model.StateClosed {
		// lost a race with a concurrent Connect
		m.mx.Unlock()
		cancel()
		return nil
	}
	m.gen++
	gen := m.gen
	from := m.state
	m.state = model.StateConnecting
	m.cancel = cancel
	m.done = done
	m.mx.Unlock()

	m.emit(gen, func() { m.handler.StateChanged(from, model.StateConnecting, nil) })

	go m.run(runCtx, gen, token, first, done)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect moves to Closed, stops reconnection and releases the transport.
// It is idempotent and never waits for the worker.
func (m *Machine) Disconnect() {
	m.mx.Lock()
	if m.state == model.StateClosed {
		m.mx.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	from := m.state
	m.state = model.StateClosed
	cancel, link := m.cancel, m.link
	m.cancel, m.link = nil, nil
	m.mx.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		_ = link.Close()
	}
	m.logger.Debug().Str("from", from.String()).Msg("disconnected by caller")

	m.emit(gen, func() {
		m.handler.Detached()
		m.handler.StateChanged(from, model.StateClosed, nil)
	})
}

func (m *Machine) run(ctx context.Context, gen uint64, token string, first chan<- error, done chan struct{}) {
	defer close(done)

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	var attempt int
	for {
		attempt++
		ready, err := m.serve(ctx, gen, token, report)
		if ready {
			attempt = 1
		}
		if ctx.Err() != nil {
			report(ctx.Err())
			return
		}

		if errors.Is(err, model.ErrUnauthenticated) {
			m.logger.Error().Err(err).Msg("authentication rejected, giving up")
			m.emit(gen, m.handler.Detached)
			m.transition(gen, model.StateDisconnected, err)
			m.finish(gen)
			return
		}

		m.emit(gen, m.handler.Detached)
		if !m.transition(gen, model.StateReconnecting, err) {
			return
		}

		delay := m.cfg.Backoff.Delay(attempt, m.rng.Float64)
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connection lost, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !m.transition(gen, model.StateConnecting, nil) {
			return
		}
	}
}

// serve runs one connection from dial to loss. ready reports whether it reached Ready.
func (m *Machine) serve(ctx context.Context, gen uint64, token string, report func(error)) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	link, err := m.cfg.Dial(dialCtx, token)
	cancel()
	if err != nil {
		err = asTransport(err)
		report(err)
		return false, err
	}
	if !m.setLink(gen, link) {
		_ = link.Close()
		return false, ctx.Err()
	}
	defer func() {
		m.setLink(gen, nil)
		_ = link.Close()
	}()

	if !m.transition(gen, model.StateAuthenticating, nil) {
		return false, ctx.Err()
	}

	authCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	err = link.Authenticate(authCtx, m.cfg.Login, token)
	cancel()
	if err != nil {
		err = asTransport(err)
		report(err)
		return false, err
	}

	from, ok := m.set(gen, model.StateReady)
	if !ok {
		return false, ctx.Err()
	}
	m.emit(gen, func() {
		m.handler.Attached(link)
		m.handler.StateChanged(from, model.StateReady, nil)
	})
	m.logger.Info().Msg("session ready")
	report(nil)

	return true, m.pump(ctx, gen, link)
}

// pump drives the read loop and heartbeat until the link fails or ctx ends.
func (m *Machine) pump(ctx context.Context, gen uint64, link Link) error {
	var (
		frames = make(chan stomp.Frame)
		errc   = make(chan error, 1)
	)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for {
			f, err := link.ReadFrame()
			if errors.Is(err, model.ErrDecode) {
				m.logger.Warn().Err(err).Msg("malformed frame dropped")
				continue
			}
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- f:
			case <-readCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	lastPong := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errc:
			return asTransport(err)

		case f := <-frames:
			m.emit(gen, func() { m.handler.Frame(f) })

		case <-link.Pongs():
			lastPong = time.Now()
			if m.State() == model.StateDegraded {
				m.transition(gen, model.StateReady, nil)
			}

		case <-ticker.C:
			if err := link.Ping(); err != nil {
				return asTransport(err)
			}
			if time.Since(lastPong) > m.cfg.DegradedAfter && m.State() == model.StateReady {
				m.transition(gen, model.StateDegraded, ErrDegraded)
			}
		}
	}
}

// set changes state if gen is still current.
func (m *Machine) set(gen uint64, to model.ConnectionState) (model.ConnectionState, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.gen != gen {
		return m.state, false
	}
	from := m.state
	m.state = to
	return from, true
}

func (m *Machine) transition(gen uint64, to model.ConnectionState, err error) bool {
	from, ok := m.set(gen, to)
	if !ok {
		return false
	}
	m.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	m.emit(gen, func() { m.handler.StateChanged(from, to, err) })
	return true
}

func (m *Machine) setLink(gen uint64, link Link) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.gen != gen {
		return false
	}
	m.link = link
	return true
}

// finish releases the worker's cancel func once it stops on its own.
func (m *Machine) finish(gen uint64) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.gen == gen && m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Machine) emit(gen uint64, fn func()) {
	if m.handler == nil {
		return
	}
	m.hmx.Lock()
	defer m.hmx.Unlock()

	m.mx.Lock()
	current := m.gen == gen
	m.mx.Unlock()
	if !current {
		return
	}
	fn()
}

func asTransport(err error) error {
	if err == nil || errors.Is(err, model.ErrTransport) || errors.Is(err, model.ErrUnauthenticated) {
		return err
	}
	return errors.Join(model.ErrTransport, err)
}
