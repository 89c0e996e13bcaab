// Package handlers defines the stable error code taxonomy shared by every
// endpoint. Codes are lowercase snake_case; generic codes mirror HTTP status
// semantics, domain codes cover failures a status alone cannot convey.
// Handlers pick the most specific code and pass it to fail() with the
// matching status.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeInvalidTarget    = "invalid_target"
	ErrCodePublishFailed    = "publish_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
