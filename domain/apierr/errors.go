// Package apierr provides the error value types returned to proxy clients.
// All types are immutable values; construction is side-effect free.
package apierr

import "fmt"

// Error represents a client-visible proxy error (value type).
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface so apierr.Error can be wrapped and
// inspected with errors.As at call sites.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Body wraps an Error in the `{"error": {...}}` envelope the router writes.
type Body struct {
	Error Error `json:"error"`
}

// Known error values, one per code in spec section 6.1.
var (
	MissingSecret = Error{Status: 401, Code: "MISSING_SECRET", Message: "service secret is required"}
	InvalidSecret = Error{Status: 401, Code: "INVALID_SECRET", Message: "service secret is invalid"}

	SignatureInvalid = Error{Status: 401, Code: "SIGNATURE_INVALID", Message: "capability signature is invalid"}
	SignatureExpired = Error{Status: 401, Code: "SIGNATURE_EXPIRED", Message: "capability signature has expired"}

	MissingUpstreamURL    = Error{Status: 400, Code: "MISSING_UPSTREAM_URL", Message: "Upstream-URL header is required"}
	MissingUpstreamMethod = Error{Status: 400, Code: "MISSING_UPSTREAM_METHOD", Message: "Upstream-Method header is required"}
	InvalidUpstreamMethod = Error{Status: 400, Code: "INVALID_UPSTREAM_METHOD", Message: "Upstream-Method is not a supported HTTP method"}

	UpstreamNotAllowed = Error{Status: 403, Code: "UPSTREAM_NOT_ALLOWED", Message: "upstream URL is not permitted by the allowlist"}
	RedirectNotAllowed = Error{Status: 400, Code: "REDIRECT_NOT_ALLOWED", Message: "upstream returned a redirect, which is not followed"}

	UpstreamTimeout = Error{Status: 504, Code: "UPSTREAM_TIMEOUT", Message: "timed out waiting for upstream response headers"}
	UpstreamError   = Error{Status: 502, Code: "UPSTREAM_ERROR", Message: "failed to reach upstream"}

	StorageError = Error{Status: 502, Code: "STORAGE_ERROR", Message: "the stream store rejected the request"}

	StreamNotFound = Error{Status: 404, Code: "STREAM_NOT_FOUND", Message: "stream does not exist"}
	StreamClosed   = Error{Status: 409, Code: "STREAM_CLOSED", Message: "stream is closed"}

	MalformedStreamURL = Error{Status: 400, Code: "MALFORMED_STREAM_URL", Message: "Use-Stream-URL could not be parsed"}
	RenewalRejected     = Error{Status: 401, Code: "RENEWAL_REJECTED", Message: "upstream rejected the renewal auth hop"}
	InvalidAction        = Error{Status: 400, Code: "INVALID_ACTION", Message: "action query parameter is not recognized"}

	Internal = Error{Status: 500, Code: "INTERNAL", Message: "internal error"}
)

// WithMessage returns a copy of e with Message replaced, used when an error
// needs to embed dynamic context (e.g. the offending header value) without
// mutating the shared package-level value.
func (e Error) WithMessage(msg string) Error {
	e.Message = msg
	return e
}
