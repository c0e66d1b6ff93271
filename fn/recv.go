package fn

import (
	"errors"
	"time"
)

// ErrRecvTimeout is returned by RecvOrTimeout if nothing was received before
// the timeout passed.
var ErrRecvTimeout = errors.New("timeout hit")

// RecvOrTimeout attempts to recv over chan c, returning the value. If the
// timeout passes before the recv succeeds, ErrRecvTimeout is returned.
func RecvOrTimeout[T any](c <-chan T, timeout time.Duration) (*T, error) {
	select {
	case m := <-c:
		return &m, nil

	case <-time.After(timeout):
		return nil, ErrRecvTimeout
	}
}
