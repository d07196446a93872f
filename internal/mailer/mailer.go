// Package mailer owns the SMTP session and message transmission.
//
// A Manager lazily dials one session and reuses it across tasks to
// amortize the handshake; any send failure must be followed by
// Invalidate so the next Acquire dials fresh. Repeated whole-task
// connect failures trip a circuit breaker (see ErrFailedClosed).
//
// The Manager is used by a single dispatch goroutine; it is not safe
// for concurrent use.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"

	"mailout/internal/config"
)

// Outbound is one fully composed message ready for transmission.
type Outbound struct {
	From        string
	To          []string
	Cc          []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// Attachment carries file content in memory so the transport has no
// filesystem dependency of its own.
type Attachment struct {
	Filename string
	Content  []byte
}

// Manager maintains at most one live SMTP session.
type Manager struct {
	client *mail.Client
	dial   config.Connection
	log    zerolog.Logger

	connected bool
	fails     int // consecutive whole-task connect failures
	open      bool
}

// New builds a Manager for the given account. It validates the client
// options but does not dial; the first Acquire does.
func New(smtpCfg config.SMTP, dialCfg config.Connection, log zerolog.Logger) (*Manager, error) {
	opts := []mail.Option{
		mail.WithPort(smtpCfg.Port),
		mail.WithTimeout(dialCfg.Timeout.Std()),
	}
	switch {
	case smtpCfg.SSL:
		opts = append(opts, mail.WithSSL())
	case smtpCfg.StartTLS:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if smtpCfg.Username != "" || smtpCfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(smtpCfg.Username),
			mail.WithPassword(smtpCfg.Password),
		)
	}

	client, err := mail.NewClient(smtpCfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}
	return &Manager{client: client, dial: dialCfg, log: log}, nil
}

// Acquire ensures a live session, dialing with backoff when needed.
// A live session is reused as-is. When every dial attempt fails the
// whole call counts as one connect failure toward the breaker; once
// the breaker is open, Acquire returns ErrFailedClosed without dialing.
func (m *Manager) Acquire(ctx context.Context) error {
	if m.open {
		return ErrFailedClosed
	}
	if m.connected {
		return nil
	}

	attempts := m.dial.DialAttempts
	delay := m.dial.DialDelay.Std()
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.client.DialWithContext(ctx)
		if err == nil {
			m.connected = true
			m.fails = 0
			m.log.Debug().Int("attempt", attempt).Msg("smtp session established")
			return nil
		}
		last = err
		m.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("smtp dial failed")
		if attempt < attempts {
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay *= 2
			if maxD := m.dial.DialMaxDelay.Std(); maxD > 0 && delay > maxD {
				delay = maxD
			}
		}
	}

	m.fails++
	ce := &ConnectError{Attempts: attempts, Err: last}
	if m.fails >= m.dial.FailClosedAfter {
		m.open = true
		ce.FailedClosed = true
		m.log.Error().Int("consecutive_failures", m.fails).Msg("smtp session failed-closed")
	}
	return ce
}

// Send transmits one message on the live session. The caller must have
// Acquired first and must Invalidate after any error: the session state
// is unknown once a send fails.
func (m *Manager) Send(_ context.Context, out Outbound) error {
	msg, err := buildMsg(out)
	if err != nil {
		return err
	}
	if err := m.client.Send(msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Invalidate discards the live session so the next Acquire dials fresh.
func (m *Manager) Invalidate() {
	if !m.connected {
		return
	}
	m.connected = false
	if err := m.client.Close(); err != nil {
		m.log.Debug().Err(err).Msg("closing invalidated smtp session")
	}
}

// FailedClosed reports whether the breaker has tripped.
func (m *Manager) FailedClosed() bool { return m.open }

// Reset clears the breaker state at the start of a run. The relay may
// have recovered since the last run; tripping latches only within one
// run, never across runs.
func (m *Manager) Reset() {
	if m.open {
		m.log.Info().Msg("smtp breaker reset for new run")
	}
	m.fails = 0
	m.open = false
}

// Close releases the session at the end of a run.
func (m *Manager) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	return m.client.Close()
}

func buildMsg(out Outbound) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(out.From); err != nil {
		return nil, fmt.Errorf("mailer: from %q: %w", out.From, err)
	}
	if err := msg.To(out.To...); err != nil {
		return nil, fmt.Errorf("mailer: to %v: %w", out.To, err)
	}
	if len(out.Cc) > 0 {
		if err := msg.Cc(out.Cc...); err != nil {
			return nil, fmt.Errorf("mailer: cc %v: %w", out.Cc, err)
		}
	}
	msg.Subject(out.Subject)
	msg.SetBodyString(mail.TypeTextHTML, out.HTMLBody)
	for _, a := range out.Attachments {
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Content)); err != nil {
			return nil, fmt.Errorf("mailer: attach %q: %w", a.Filename, err)
		}
	}
	return msg, nil
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
