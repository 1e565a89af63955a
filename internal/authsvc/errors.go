package authsvc

import (
	"errors"
	"fmt"
)

// ErrServiceUnavailable is returned when the auth service is not ready to
// accept calls. No network request is made.
var ErrServiceUnavailable = errors.New("auth service unavailable")

// RPCError reports a failed call to the auth service.
// Status is the HTTP status, or 0 for transport failures and timeouts.
type RPCError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *RPCError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("auth %s: status %d: %s", e.Op, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("auth %s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("auth %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("auth %s failed", e.Op)
	}
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// ClientSide reports a 4xx response, which never counts against the breaker.
func (e *RPCError) ClientSide() bool {
	return e.Status >= 400 && e.Status < 500
}
