package tunnel

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock is returned by TryWrite while the budget for the
	// previous write is still being paid off.
	ErrWouldBlock = errors.New("tunnel: write throttled")
	// ErrRelayPanic wraps a panic recovered from a copy loop.
	ErrRelayPanic = errors.New("tunnel: relay panic")

	errStreamEnded = errors.New("tunnel: stream ended")
)

// ConnectError reports a failed outbound connection. The session never
// started relaying.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Outcome labels how a session ended.
func Outcome(err error) string {
	var connectErr *ConnectError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &connectErr):
		return "connect_error"
	case errors.Is(err, ErrRelayPanic):
		return "panic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "transport_error"
}
