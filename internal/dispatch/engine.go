// Package dispatch runs the sequential delivery loop.
//
// One goroutine owns the whole run: it builds the task list, gates each
// task through the pacer, sends with retries over a reused SMTP session,
// moves files to their outcome location and reports progress. Callers
// that need cancellation or live progress run the loop in a goroutine of
// their own; internally there is no concurrency and no locking.
package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"

	"mailout/internal/addressbook"
	"mailout/internal/config"
	"mailout/internal/mailer"
	"mailout/internal/pacer"
	"mailout/internal/task"
)

// Result is the sole externally observed summary of a run.
type Result struct {
	Success   int
	Failed    int
	Cancelled bool
}

// Transport is the injected "send one message" capability plus explicit
// session ownership. The loop never holds a raw session handle; it goes
// through Acquire/Invalidate on every attempt.
type Transport interface {
	Acquire(ctx context.Context) error
	Send(ctx context.Context, out mailer.Outbound) error
	Invalidate()
	FailedClosed() bool
	Reset()
	Close() error
}

// Options selects what a run processes and who observes it.
type Options struct {
	// Origins restricts the run to these origin folders; empty means all.
	Origins []string
	// Observer receives a progress sample after every resolved task.
	// It is best-effort: panics are recovered and logged.
	Observer Observer
}

// Engine wires the components for one or more runs over a fixed root.
type Engine struct {
	cfg       config.Config
	fsys      billy.Filesystem
	transport Transport
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg config.Config, fsys billy.Filesystem, transport Transport, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, fsys: fsys, transport: transport, log: log, now: time.Now}
}

// Preview counts the tasks a run would dispatch, using the identical
// construction path, without side effects.
func (e *Engine) Preview(opts Options) int {
	book := e.loadBook()
	return len(task.Build(e.fsys, book, e.cfg.Folders, opts.Origins, e.log))
}

// Run executes one dispatch pass. It never panics or returns an error
// past its boundary: configuration problems yield an empty result and a
// log entry, per-task failures are counted and their files routed to the
// failure location.
func (e *Engine) Run(ctx context.Context, opts Options) Result {
	var res Result

	if strings.TrimSpace(e.cfg.SMTP.Host) == "" || strings.TrimSpace(e.cfg.SMTP.Username) == "" {
		e.log.Error().Msg("smtp host or username missing, nothing dispatched")
		return res
	}

	book := e.loadBook()
	composer, err := mailer.NewComposer(e.cfg.Mail, e.cfg.SMTP.Username, e.loadSignature())
	if err != nil {
		e.log.Error().Err(err).Msg("invalid mail templates, nothing dispatched")
		return res
	}

	tasks := task.Build(e.fsys, book, e.cfg.Folders, opts.Origins, e.log)
	total := len(tasks)
	if total == 0 {
		e.log.Info().Msg("no tasks to dispatch")
		return res
	}
	e.log.Info().Int("total", total).Msg("dispatch run starting")

	// The breaker latches only within one run. A recurring run (cron,
	// watch) starts fresh against a relay that may have recovered.
	e.transport.Reset()

	defer func() {
		if err := e.transport.Close(); err != nil {
			e.log.Debug().Err(err).Msg("closing smtp session")
		}
	}()

	pc := pacer.New(pacer.Config{
		Burst:        e.cfg.Pacing.Burst,
		InitialPause: e.cfg.Pacing.InitialPause.Std(),
		MinPause:     e.cfg.Pacing.MinPause.Std(),
		MaxPause:     e.cfg.Pacing.MaxPause.Std(),
		Decrease:     e.cfg.Pacing.Decrease.Std(),
		Multiplier:   e.cfg.Pacing.Multiplier,
	}, e.log)
	rep := newReporter(total, opts.Observer, e.now, e.log)

	for _, t := range tasks {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		if err := pc.Wait(ctx); err != nil {
			res.Cancelled = true
			break
		}

		tlog := e.log.With().Str("origin", t.Origin).Str("code", t.Code).Logger()
		to := book.Lookup(t.Code)

		out, err := composer.Compose(e.fsys, t, to, tlog)
		if err != nil {
			// No send attempt was made, so the burst counter does not
			// advance; only transmitted messages pace the relay.
			tlog.Error().Err(err).Msg("compose failed")
			res.Failed++
			e.routeFailed(t, tlog)
			rep.taskDone(res.Success + res.Failed)
			continue
		}

		tlog.Info().
			Str("to", strings.Join(to, ";")).
			Int("attachments", len(out.Attachments)).
			Msg("sending")

		sr := e.sendWithRetry(ctx, out, pc, tlog)

		if sr.outcome == outcomeCancelled {
			// The task never resolved; its files stay in pending so the
			// next run picks them up.
			res.Cancelled = true
			break
		}
		if sr.outcome == outcomeNoConnection {
			res.Failed++
			tlog.Error().Err(sr.err).Msg("session unavailable, files left in place")
			rep.taskDone(res.Success + res.Failed)
			if sr.abort {
				e.log.Error().Msg("repeated connect failures, aborting run")
				break
			}
			continue
		}

		pc.Observe(sr.transient)

		if sr.outcome == outcomeSent {
			res.Success++
			tlog.Info().Msg("sent")
			e.routeDelivered(t, tlog)
		} else {
			res.Failed++
			tlog.Error().Err(sr.err).Msg("delivery failed")
			e.routeFailed(t, tlog)
		}
		rep.taskDone(res.Success + res.Failed)

		// Cancellation observed mid-iteration still finishes the current
		// task's routing and report above, then stops.
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
	}

	e.log.Info().
		Int("success", res.Success).
		Int("failed", res.Failed).
		Bool("cancelled", res.Cancelled).
		Msg("dispatch run finished")
	return res
}

func (e *Engine) loadBook() *addressbook.Book {
	book, err := addressbook.Load(e.fsys, e.cfg.Addresses.File, e.log)
	if err != nil {
		e.log.Error().Err(err).Msg("address book unavailable, all codes will be unresolvable")
		return addressbook.Empty()
	}
	return book
}

func (e *Engine) loadSignature() string {
	path := e.cfg.Mail.SignatureFile
	if strings.TrimSpace(path) == "" {
		return ""
	}
	f, err := e.fsys.Open(path)
	if err != nil {
		e.log.Warn().Err(err).Str("file", path).Msg("signature unavailable")
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		e.log.Warn().Err(err).Str("file", path).Msg("signature unreadable")
		return ""
	}
	return string(data)
}

// errIsCancel reports whether err stems from context cancellation.
func errIsCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
