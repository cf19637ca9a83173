// Package capability provides HMAC-signed URL minting/verification and
// service-secret authentication. All functions are pure (no I/O); callers
// supply the current time so the package stays deterministic under test.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// VerifyKind classifies why a signed URL failed verification.
type VerifyKind int

const (
	// OK means the capability verified.
	OK VerifyKind = iota
	// Expired means the signature is valid but now > expires.
	Expired
	// Invalid means the signature itself does not match, or expires is malformed.
	Invalid
)

// SecretKind classifies why service-secret authentication failed.
type SecretKind int

const (
	SecretOK SecretKind = iota
	SecretMissing
	SecretInvalid
)

// Result is the outcome of VerifySignedURL.
type Result struct {
	Kind VerifyKind
}

// MintSignedURL builds the capability URL described in spec section 6.3:
// {origin}/v1/proxy/{streamId}?expires={unixSecs}&signature={base64url(HMAC)}.
func MintSignedURL(origin, secret, streamID string, expiresAt int64) string {
	sig := sign(secret, streamID, expiresAt)
	v := url.Values{}
	v.Set("expires", strconv.FormatInt(expiresAt, 10))
	v.Set("signature", sig)
	return fmt.Sprintf("%s/v1/proxy/%s?%s", strings.TrimRight(origin, "/"), url.PathEscape(streamID), v.Encode())
}

// sign computes base64url(HMAC_SHA256(secret, streamId + ":" + expires)).
func sign(secret, streamID string, expiresAt int64) string {
	payload := streamID + ":" + strconv.FormatInt(expiresAt, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignedURL checks a streamId/expires/signature tuple against secret.
// now is the caller-supplied current Unix time in seconds. The signature is
// checked before expiry is even parsed into the result, as required by the
// testable property that a numerically invalid expires yields Invalid, not
// Expired.
func VerifySignedURL(secret, streamID, expiresRaw, signature string, now int64) Result {
	expiresAt, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return Result{Kind: Invalid}
	}

	expected := sign(secret, streamID, expiresAt)
	if !constantTimeEqual(expected, signature) {
		return Result{Kind: Invalid}
	}

	if now > expiresAt {
		return Result{Kind: Expired}
	}
	return Result{Kind: OK}
}

// VerifySignedURLIgnoringExpiry checks only the HMAC, used by write paths
// (stream reuse, renew) that accept an expired-but-authentic capability.
func VerifySignedURLIgnoringExpiry(secret, streamID, expiresRaw, signature string) bool {
	expiresAt, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return false
	}
	expected := sign(secret, streamID, expiresAt)
	return constantTimeEqual(expected, signature)
}

// constantTimeEqual reports whether a and b are equal using a constant-time
// comparison of their bytes.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ExtractServiceSecret pulls the presented secret from a request: the
// `secret` query parameter takes precedence, then `Authorization: Bearer …`.
func ExtractServiceSecret(r *http.Request) string {
	if s := r.URL.Query().Get("secret"); s != "" {
		return s
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// VerifyServiceSecret authenticates a write-side request in constant time.
func VerifyServiceSecret(presented, expected string) SecretKind {
	if presented == "" {
		return SecretMissing
	}
	if expected == "" || !constantTimeEqual(presented, expected) {
		return SecretInvalid
	}
	return SecretOK
}

// Parsed holds the three fields extracted from a capability URL.
type Parsed struct {
	StreamID  string
	Expires   string
	Signature string
}

// ParseSignedURL extracts {streamId, expires, signature} from a capability
// URL of the form produced by MintSignedURL. It is used by the Use-Stream-URL
// reuse path and by the renew flow, both of which receive the capability as
// a full URL rather than as separate query parameters.
func ParseSignedURL(rawURL string) (Parsed, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Parsed{}, fmt.Errorf("parse stream url: %w", err)
	}

	const prefix = "/v1/proxy/"
	idx := strings.Index(u.Path, prefix)
	if idx < 0 {
		return Parsed{}, fmt.Errorf("stream url missing %s path", prefix)
	}
	streamID, err := url.PathUnescape(strings.TrimPrefix(u.Path[idx:], prefix))
	if err != nil {
		return Parsed{}, fmt.Errorf("decode stream id: %w", err)
	}
	streamID = strings.TrimSuffix(streamID, "/")
	if streamID == "" {
		return Parsed{}, fmt.Errorf("stream url missing stream id")
	}

	q := u.Query()
	expires := q.Get("expires")
	signature := q.Get("signature")
	if expires == "" || signature == "" {
		return Parsed{}, fmt.Errorf("stream url missing expires or signature")
	}

	return Parsed{StreamID: streamID, Expires: expires, Signature: signature}, nil
}
