package exchange

import "fmt"

// APIError is a non-zero application-level retCode returned by the
// exchange body itself (insufficient margin, unknown symbol, bad
// qty precision, ...). It is never retried — the request reached the
// venue and was rejected on its merits, so repeating it verbatim would
// just be rejected again.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: code %d: %s", e.Op, e.Code, e.Msg)
}

// TransportError covers everything that keeps the request from reaching
// a parseable application response: connection failures, timeouts, and
// non-2xx HTTP statuses with no retCode to inspect. resty's own retry
// policy (§5) already re-attempts connection failures, timeouts, 429s and
// 5xx statuses (other 4xx statuses are not retried); TransportError is
// what callers see once that budget is exhausted, so they can still tell it apart
// from an APIError when deciding whether to panic-close or keep retrying.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
