// errors.go defines the typed errors the rest of the bot branches on.
//
// The venue reports failures as a JSON envelope {"code": int, "msg": str}.
// Two codes are load-bearing for the grid: -2010 (duplicate client order
// id on create) and -2013 (unknown order on cancel). Both are benign
// consequences of idempotent retries and are recognized here so callers
// can absorb them.
package exchange

import (
	"errors"
	"fmt"
)

// Venue error codes with special handling.
const (
	codeDuplicateOrder = -2010
	codeUnknownOrder   = -2013
)

// APIError is a venue-rejected request: the HTTP layer worked but the
// venue returned its error envelope.
type APIError struct {
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d (http %d): %s", e.Code, e.HTTPStatus, e.Msg)
}

// IsDuplicateOrder reports whether err is the venue rejecting a create
// because the client order id already exists. Treated as success by the
// executor.
func IsDuplicateOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeDuplicateOrder
}

// IsUnknownOrder reports whether err is the venue rejecting a cancel for
// an order it no longer knows. Absorbed by the executor and the closer.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder
}

// DecodeError is a malformed venue response: unexpected shape, an
// unparsable number, or an error body that is not the documented envelope.
// Callers treat it like a transient failure.
type DecodeError struct {
	Op    string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode venue response: %v", e.Op, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }
