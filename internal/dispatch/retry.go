package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"mailout/internal/mailer"
	"mailout/internal/pacer"
)

type attemptOutcome int

const (
	outcomeSent attemptOutcome = iota
	// outcomeFailed: a permanent rejection or retries exhausted; the
	// task's files move to the failure location.
	outcomeFailed
	// outcomeNoConnection: the session could not be established; the
	// task counts as failed but its files stay in place.
	outcomeNoConnection
	// outcomeCancelled: cancellation hit before the task resolved.
	outcomeCancelled
)

type sendResult struct {
	outcome   attemptOutcome
	transient bool // a transient classification occurred, regardless of outcome
	abort     bool // breaker tripped, stop the run
	err       error
}

// sendWithRetry performs the attempts for one task. Transient failures
// back off exponentially with jitter and retry up to the attempt ceiling;
// any other failure short-circuits. Every send failure invalidates the
// session so the next attempt (or the next task) dials fresh.
func (e *Engine) sendWithRetry(ctx context.Context, out mailer.Outbound, pc *pacer.Pacer, log zerolog.Logger) sendResult {
	var sr sendResult

	maxAttempts := e.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := e.cfg.Retry.BaseDelay.Std()
	maxDelay := e.cfg.Retry.MaxDelay.Std()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.transport.Acquire(ctx); err != nil {
			if errIsCancel(ctx, err) {
				sr.outcome = outcomeCancelled
				sr.err = err
				return sr
			}
			var ce *mailer.ConnectError
			sr.abort = errors.Is(err, mailer.ErrFailedClosed) ||
				(errors.As(err, &ce) && ce.FailedClosed)
			sr.outcome = outcomeNoConnection
			sr.err = err
			return sr
		}

		err := e.transport.Send(ctx, out)
		if err == nil {
			sr.outcome = outcomeSent
			return sr
		}
		sr.err = err
		e.transport.Invalidate()

		if mailer.Classify(err) != mailer.ClassTransient {
			log.Warn().Err(err).Int("attempt", attempt).Msg("permanent send failure")
			sr.outcome = outcomeFailed
			return sr
		}

		sr.transient = true
		pc.RecordTransient()
		if attempt == maxAttempts {
			break
		}

		wait := jitter(delay, e.cfg.Retry.Jitter)
		log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("wait", wait).
			Msg("transient send failure, retrying")
		if err := sleepCtx(ctx, wait); err != nil {
			sr.outcome = outcomeCancelled
			return sr
		}
		delay *= 2
		if maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}

	sr.outcome = outcomeFailed
	return sr
}

// jitter scales d by a uniform factor in [1-band, 1+band] so retries from
// separate runs do not synchronize against the relay's cooldown window.
func jitter(d time.Duration, band float64) time.Duration {
	if band <= 0 {
		return d
	}
	f := 1 + (rand.Float64()*2-1)*band
	return time.Duration(float64(d) * f)
}

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
