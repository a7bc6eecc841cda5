// Package typing coordinates typing indicators: a local debouncer that limits
// outbound typing frames and a per-room roster of remote typists.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 3 * time.Second

type (
	// Timer is the subset of *time.Timer the debouncer needs.
	Timer interface {
		Stop() bool
	}

	AfterFunc func(d time.Duration, f func()) Timer

	DebouncerConfig struct {
		Logger  *zerolog.Logger
		Timeout time.Duration
		// Send transmits the local typing flag.
		Send      func(isTyping bool) error
		AfterFunc AfterFunc
	}

	// Debouncer sends isTyping=true on the first keystroke and isTyping=false after
	// Timeout without keystrokes or as soon as the input is cleared.
	Debouncer struct {
		logger    zerolog.Logger
		timeout   time.Duration
		send      func(bool) error
		afterFunc AfterFunc

		mx     sync.Mutex
		typing bool
		timer  Timer
		gen    uint64
	}
)

func NewDebouncer(cfg DebouncerConfig) *Debouncer {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "typing").Logger()
	}
	d := &Debouncer{
		logger:    logger,
		timeout:   cfg.Timeout,
		send:      cfg.Send,
		afterFunc: cfg.AfterFunc,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.afterFunc == nil {
		d.afterFunc = func(dur time.Duration, f func()) Timer {
			return time.AfterFunc(dur, f)
		}
	}
	return d
}

// Keystroke reports the current input text after a local edit.
func (d *Debouncer) Keystroke(text string) {
	if text == "" {
		d.Stop()
		return
	}

	d.mx.Lock()
	defer d.mx.Unlock()

	if !d.typing {
		if err := d.send(true); err != nil {
			d.logger.Debug().Err(err).Msg("typing start not sent")
			return
		}
		d.typing = true
	}
	d.arm()
}

// Stop sends isTyping=false if currently typing and disarms the timer.
func (d *Debouncer) Stop() {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.stop()
}

func (d *Debouncer) IsTyping() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.typing
}

// arm must be called with mx held.
func (d *Debouncer) arm() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.afterFunc(d.timeout, func() {
		d.mx.Lock()
		defer d.mx.Unlock()
		if gen != d.gen {
			return
		}
		d.stop()
	})
}

// stop must be called with mx held.
func (d *Debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	if !d.typing {
		return
	}
	d.typing = false
	if err := d.send(false); err != nil {
		d.logger.Debug().Err(err).Msg("typing stop not sent")
	}
}
