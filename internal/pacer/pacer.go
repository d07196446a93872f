// Package pacer throttles outbound sends with a burst-based adaptive pause.
//
// A fixed per-message delay cannot react to relay load. Instead the pacer
// lets a burst of sends through, pauses, and tunes the pause from what the
// burst observed: a transient rate-limit response lengthens the next pause,
// a clean burst shortens it. Over time the pause converges toward the
// relay's true tolerance without it being known in advance.
package pacer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Config bounds the adaptive pause. All fields must be positive and
// Multiplier must be greater than one; see config validation.
type Config struct {
	Burst        int
	InitialPause time.Duration
	MinPause     time.Duration
	MaxPause     time.Duration
	Decrease     time.Duration
	Multiplier   float64
}

// Pacer is owned by the single dispatch goroutine; it is not safe for
// concurrent use and does not need to be.
type Pacer struct {
	cfg Config
	log zerolog.Logger

	pause        time.Duration
	sent         int
	sawTransient bool
}

func New(cfg Config, log zerolog.Logger) *Pacer {
	return &Pacer{cfg: cfg, log: log, pause: cfg.InitialPause}
}

// Wait gates the next task's first attempt. Once a full burst has gone
// out it sleeps for the current pause, then adjusts the pause for the
// next burst and resets the counters. The sleep is interruptible: a
// cancelled context returns its error immediately without adjusting.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.sent < p.cfg.Burst {
		return nil
	}

	p.log.Info().
		Int("burst", p.sent).
		Dur("pause", p.pause).
		Bool("transient_seen", p.sawTransient).
		Msg("burst complete, pausing")

	if err := sleepCtx(ctx, p.pause); err != nil {
		return err
	}

	if p.sawTransient {
		next := time.Duration(float64(p.pause) * p.cfg.Multiplier)
		if next > p.cfg.MaxPause {
			next = p.cfg.MaxPause
		}
		p.pause = next
	} else {
		next := p.pause - p.cfg.Decrease
		if next < p.cfg.MinPause {
			next = p.cfg.MinPause
		}
		p.pause = next
	}

	p.sent = 0
	p.sawTransient = false
	return nil
}

// Observe records one resolved task: it advances the burst counter and
// remembers whether the task saw a transient failure at any point, even
// when a retry ultimately succeeded.
func (p *Pacer) Observe(transient bool) {
	p.sent++
	if transient {
		p.sawTransient = true
	}
}

// RecordTransient flags the current burst from inside a retry loop,
// before the task has resolved.
func (p *Pacer) RecordTransient() { p.sawTransient = true }

// Pause exposes the current pause duration for logging and tests.
func (p *Pacer) Pause() time.Duration { return p.pause }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
