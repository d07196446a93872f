package mailer

import (
	"errors"
	"fmt"
)

// ErrFailedClosed is returned by Acquire once the circuit breaker has
// tripped: the relay could not be reached repeatedly and further task
// processing would degrade into a silent no-op. Callers must abort the run.
var ErrFailedClosed = errors.New("smtp session failed-closed")

// ConnectError reports that a session could not be established after all
// dial attempts. FailedClosed marks the failure that tripped the breaker.
type ConnectError struct {
	Attempts     int
	FailedClosed bool
	Err          error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("smtp connect failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	if e.FailedClosed {
		return ErrFailedClosed
	}
	return e.Err
}

// Class is the failure classification a send attempt resolves to.
// Branching happens on this value, never on control-flow unwinding.
type Class int

const (
	// ClassTerminal covers permanent rejections and anything unclassified.
	ClassTerminal Class = iota
	// ClassTransient covers "try again later" responses such as SMTP 421.
	ClassTransient
)

// Classify maps a send error to its class. go-mail surfaces temporary
// (4xx) SMTP responses through SendError.IsTemp; any error in the chain
// exposing that shape is honored, which also keeps test doubles simple.
func Classify(err error) Class {
	var tmp interface{ IsTemp() bool }
	if errors.As(err, &tmp) && tmp.IsTemp() {
		return ClassTransient
	}
	return ClassTerminal
}
