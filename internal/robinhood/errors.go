package robinhood

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the brokerage rejects the session
// token or the supplied credentials with a 401.
var ErrUnauthorized = errors.New("robinhood: unauthorized")

// APIError is a structured error the brokerage returned as {"detail": ...}.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("robinhood: api error (status %d): %s", e.Status, e.Detail)
}

// TransportError covers everything the client cannot interpret: non-JSON
// bodies, unexpected error envelopes, and success bodies that fail to
// match the expected model.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("robinhood: unexpected response (status %d): %s", e.Status, e.Body)
}
