package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/duraproxy/duraproxy/adapters/metrics"
	"github.com/duraproxy/duraproxy/app/pipe"
	"github.com/duraproxy/duraproxy/app/registry"
	"github.com/duraproxy/duraproxy/domain/allowlist"
	"github.com/duraproxy/duraproxy/domain/apierr"
	"github.com/duraproxy/duraproxy/domain/capability"
	"github.com/duraproxy/duraproxy/domain/frame"
	"github.com/duraproxy/duraproxy/ports"
)

// allowedUpstreamMethods are the HTTP methods a client may ask the proxy
// to issue against the upstream, per spec section 4.E's create decision
// table.
var allowedUpstreamMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// controlHeaders are the proxy's own request headers: they configure the
// create/connect/renew call itself and are never forwarded upstream.
var controlHeaders = []string{
	"Upstream-URL",
	"Upstream-Method",
	"Upstream-Authorization",
	"Use-Stream-URL",
	"Stream-Signed-URL-TTL",
	"Authorization",
}

// AllowlistChecker is satisfied by both allowlist.List and
// allowlist.Dynamic, so ProxyHandler can be wired against a static or
// hot-reloadable allowlist interchangeably.
type AllowlistChecker interface {
	Allowed(rawURL string) (bool, error)
}

// Deps bundles the collaborators ProxyHandler dispatches to, one per
// spec component: capability/auth and allowlist are pure domain packages
// called directly, the upstream pipe and registry are concrete types, and
// the store, ID generator and clock are injected as ports so tests can
// substitute fakes.
type Deps struct {
	Store     ports.StoreClient
	Pipe      *pipe.Pipe
	Registry  *registry.Table
	Allowlist AllowlistChecker
	IDs       ports.IDGenerator
	Clock     ports.Clock
	Secret    string
	StreamTTL time.Duration
	URLTTL    time.Duration
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

// ProxyHandler is the HTTP entry point described in spec section 4.E: it
// authenticates and validates each request, then dispatches to the
// capability, allowlist, pipe, and registry packages.
type ProxyHandler struct {
	deps Deps
}

// NewProxyHandler builds a ProxyHandler.
func NewProxyHandler(deps Deps) *ProxyHandler {
	return &ProxyHandler{deps: deps}
}

// Health reports liveness for load balancers and orchestrators.
func (h *ProxyHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Create handles POST /v1/proxy, spec section 4.E/6.1.
func (h *ProxyHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateSecret(w, r) {
		return
	}

	upstreamURL := r.Header.Get("Upstream-URL")
	if upstreamURL == "" {
		writeError(w, apierr.MissingUpstreamURL)
		return
	}
	method := strings.ToUpper(r.Header.Get("Upstream-Method"))
	if method == "" {
		writeError(w, apierr.MissingUpstreamMethod)
		return
	}
	if !allowedUpstreamMethods[method] {
		writeError(w, apierr.InvalidUpstreamMethod)
		return
	}
	if ok, apiErr := h.checkAllowlist(upstreamURL); !ok {
		writeError(w, apiErr)
		return
	}

	reuse, streamID, apiErr := h.resolveStreamReuse(r)
	if apiErr != nil {
		writeError(w, *apiErr)
		return
	}
	if streamID == "" {
		streamID = h.deps.IDs.New()
	}

	h.runUpstream(w, r, upstreamRequest{
		streamID:    streamID,
		reuse:       reuse,
		method:      method,
		upstreamURL: upstreamURL,
	})
}

// Connect handles POST /v1/proxy/{id}?action=connect, spec section
// 4.E/6.1: it mints a fresh signed URL for an existing (or newly created)
// stream without producing data, optionally running a session-auth hop
// against Upstream-URL first.
func (h *ProxyHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateSecret(w, r) {
		return
	}

	streamID := chi.URLParam(r, "id")

	_, err := h.deps.Store.HeadStream(r.Context(), streamID)
	exists := true
	if err != nil {
		if errors.Is(err, ports.ErrStreamNotFound) {
			exists = false
		} else {
			writeError(w, apierr.StorageError.WithMessage(err.Error()))
			return
		}
	}

	if upstreamURL := r.Header.Get("Upstream-URL"); upstreamURL != "" {
		if ok, apiErr := h.checkAllowlist(upstreamURL); !ok {
			writeError(w, apiErr)
			return
		}
		start, startErr := h.deps.Pipe.Start(r.Context(), http.MethodGet, upstreamURL, outboundHeaders(r.Header), nil)
		if startErr != nil {
			h.writeUpstreamTransportError(w, startErr)
			return
		}
		defer start.Cancel()
		if start.Outcome != pipe.StartOK {
			h.writeUpstreamOutcomeError(w, start)
			return
		}
	}

	if !exists {
		if err := h.deps.Store.CreateStream(r.Context(), streamID, "", h.deps.StreamTTL); err != nil {
			writeError(w, apierr.StorageError.WithMessage(err.Error()))
			return
		}
	}

	url := h.mintURL(r, streamID)
	w.Header().Set("Location", url)
	if exists {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

// Renew handles POST /v1/proxy/renew, spec section 4.E/6.1: it forwards to
// an upstream auth URL and, on success, mints a fresh signed URL for the
// stream named by Use-Stream-URL without touching the stream's contents.
func (h *ProxyHandler) Renew(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateSecret(w, r) {
		return
	}

	useStreamURL := r.Header.Get("Use-Stream-URL")
	if useStreamURL == "" {
		writeError(w, apierr.MalformedStreamURL)
		return
	}
	parsed, err := capability.ParseSignedURL(useStreamURL)
	if err != nil {
		writeError(w, apierr.MalformedStreamURL.WithMessage(err.Error()))
		return
	}
	if !capability.VerifySignedURLIgnoringExpiry(h.deps.Secret, parsed.StreamID, parsed.Expires, parsed.Signature) {
		writeError(w, apierr.SignatureInvalid)
		return
	}

	upstreamURL := r.Header.Get("Upstream-URL")
	if upstreamURL == "" {
		writeError(w, apierr.MissingUpstreamURL)
		return
	}
	if ok, apiErr := h.checkAllowlist(upstreamURL); !ok {
		writeError(w, apiErr)
		return
	}

	start, err := h.deps.Pipe.Start(r.Context(), http.MethodGet, upstreamURL, outboundHeaders(r.Header), nil)
	if err != nil {
		writeError(w, apierr.RenewalRejected.WithMessage(err.Error()))
		return
	}
	defer start.Cancel()
	if start.Outcome != pipe.StartOK {
		writeError(w, apierr.RenewalRejected)
		return
	}

	url := h.mintURL(r, parsed.StreamID)
	w.Header().Set("Location", url)
	w.WriteHeader(http.StatusOK)
}

// Read handles GET /v1/proxy/{id}, spec section 4.E/6.1.
func (h *ProxyHandler) Read(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	q := r.URL.Query()

	result := capability.VerifySignedURL(h.deps.Secret, streamID, q.Get("expires"), q.Get("signature"), h.deps.Clock.Now().Unix())
	switch result.Kind {
	case capability.Expired:
		writeError(w, apierr.SignatureExpired)
		return
	case capability.Invalid:
		writeError(w, apierr.SignatureInvalid)
		return
	}

	offset := q.Get("offset")
	if offset == "" {
		offset = "-1"
	}

	body, meta, err := h.deps.Store.ReadStream(r.Context(), streamID, offset, q.Get("live"))
	if err != nil {
		if errors.Is(err, ports.ErrStreamNotFound) {
			writeError(w, apierr.StreamNotFound)
			return
		}
		writeError(w, apierr.StorageError.WithMessage(err.Error()))
		return
	}
	defer body.Close()

	w.Header().Set("Stream-Next-Offset", meta.NextOffset)
	if meta.Closed {
		w.Header().Set("Stream-Closed", "true")
	}
	if ct, ok := h.deps.Registry.ContentType(streamID); ok {
		w.Header().Set("Upstream-Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// Abort handles PATCH /v1/proxy/{id}?action=abort, spec section 4.E/6.1.
func (h *ProxyHandler) Abort(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	q := r.URL.Query()

	result := capability.VerifySignedURL(h.deps.Secret, streamID, q.Get("expires"), q.Get("signature"), h.deps.Clock.Now().Unix())
	switch result.Kind {
	case capability.Expired:
		writeError(w, apierr.SignatureExpired)
		return
	case capability.Invalid:
		writeError(w, apierr.SignatureInvalid)
		return
	}

	status := h.deps.Registry.AbortStream(streamID)

	var label string
	switch status {
	case registry.AbortNewly:
		label = "aborted"
	case registry.AbortAlready:
		label = "already_aborted"
	default:
		label = "already_completed"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": label})
}

// Meta handles HEAD /v1/proxy/{id}, spec section 4.E/6.1.
func (h *ProxyHandler) Meta(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateSecret(w, r) {
		return
	}
	streamID := chi.URLParam(r, "id")

	meta, err := h.deps.Store.HeadStream(r.Context(), streamID)
	if err != nil {
		if errors.Is(err, ports.ErrStreamNotFound) {
			writeError(w, apierr.StreamNotFound)
			return
		}
		writeError(w, apierr.StorageError.WithMessage(err.Error()))
		return
	}

	w.Header().Set("Stream-Next-Offset", meta.NextOffset)
	w.Header().Set("Stream-Total-Size", strconv.FormatInt(meta.TotalSize, 10))
	w.Header().Set("Stream-Closed", strconv.FormatBool(meta.Closed))
	if !meta.ExpiresAt.IsZero() {
		w.Header().Set("Stream-Expires-At", strconv.FormatInt(meta.ExpiresAt.Unix(), 10))
	}
	if ct, ok := h.deps.Registry.ContentType(streamID); ok {
		w.Header().Set("Upstream-Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
}

// Delete handles DELETE /v1/proxy/{id}, spec section 4.E/6.1. Idempotent:
// a 404 from the store is treated as success by storeclient.Client
// already, so a repeated delete returns 204; any other store failure
// returns STORAGE_ERROR.
func (h *ProxyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateSecret(w, r) {
		return
	}
	streamID := chi.URLParam(r, "id")

	if err := h.deps.Store.DeleteStream(r.Context(), streamID); err != nil {
		writeError(w, apierr.StorageError.WithMessage(err.Error()))
		return
	}

	h.deps.Registry.ClearContentType(streamID)
	h.deps.Registry.ClearCounter(streamID)
	w.WriteHeader(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// shared helpers
// -----------------------------------------------------------------------------

// authenticateSecret verifies the service secret on a write-side request,
// writing the appropriate error response and returning false on failure.
func (h *ProxyHandler) authenticateSecret(w http.ResponseWriter, r *http.Request) bool {
	presented := capability.ExtractServiceSecret(r)
	switch capability.VerifyServiceSecret(presented, h.deps.Secret) {
	case capability.SecretMissing:
		if h.deps.Metrics != nil {
			h.deps.Metrics.AuthFailures.WithLabelValues("missing_secret").Inc()
		}
		writeError(w, apierr.MissingSecret)
		return false
	case capability.SecretInvalid:
		if h.deps.Metrics != nil {
			h.deps.Metrics.AuthFailures.WithLabelValues("invalid_secret").Inc()
		}
		writeError(w, apierr.InvalidSecret)
		return false
	default:
		return true
	}
}

// checkAllowlist validates rawURL against the configured allowlist,
// returning the UPSTREAM_NOT_ALLOWED error value (not yet written) on
// rejection so the caller can decide whether to also log context.
func (h *ProxyHandler) checkAllowlist(rawURL string) (bool, apierr.Error) {
	ok, err := h.deps.Allowlist.Allowed(rawURL)
	if err != nil || !ok {
		return false, apierr.UpstreamNotAllowed
	}
	return true, apierr.Error{}
}

// resolveStreamReuse implements the Use-Stream-URL reuse path from spec
// section 4.E: if the header is present, the referenced stream is HMAC
// verified (ignoring expiry) and looked up; otherwise no reuse occurs and
// the caller allocates a fresh stream id.
func (h *ProxyHandler) resolveStreamReuse(r *http.Request) (reuse bool, streamID string, apiErr *apierr.Error) {
	raw := r.Header.Get("Use-Stream-URL")
	if raw == "" {
		return false, "", nil
	}

	parsed, err := capability.ParseSignedURL(raw)
	if err != nil {
		e := apierr.MalformedStreamURL.WithMessage(err.Error())
		return false, "", &e
	}
	if !capability.VerifySignedURLIgnoringExpiry(h.deps.Secret, parsed.StreamID, parsed.Expires, parsed.Signature) {
		e := apierr.SignatureInvalid
		return false, "", &e
	}

	meta, err := h.deps.Store.HeadStream(r.Context(), parsed.StreamID)
	if err != nil {
		if errors.Is(err, ports.ErrStreamNotFound) {
			e := apierr.StreamNotFound
			return false, "", &e
		}
		e := apierr.StorageError.WithMessage(err.Error())
		return false, "", &e
	}
	if meta.Closed {
		e := apierr.StreamClosed
		return false, "", &e
	}

	return true, parsed.StreamID, nil
}

// upstreamRequest bundles the parameters runUpstream needs to drive the
// synchronous fetch phase and, on success, hand the response to the pipe.
type upstreamRequest struct {
	streamID    string
	reuse       bool
	method      string
	upstreamURL string
}

// runUpstream performs the spec section 4.D Start phase for a create
// request and, on a 2xx response, registers a background pipe and writes
// the 201/200 success response. All other outcomes are mapped to the
// decision table in spec section 4.E.
func (h *ProxyHandler) runUpstream(w http.ResponseWriter, r *http.Request, req upstreamRequest) {
	start, err := h.deps.Pipe.Start(r.Context(), req.method, req.upstreamURL, outboundHeaders(r.Header), r.Body)
	if err != nil {
		h.writeUpstreamTransportError(w, err)
		return
	}

	switch start.Outcome {
	case pipe.StartRedirect:
		start.Cancel()
		writeError(w, apierr.RedirectNotAllowed)
		return
	case pipe.StartUpstreamError:
		start.Cancel()
		h.writeRawUpstreamError(w, start.Status, start.ErrorBody)
		return
	}

	contentType := headerValue(start.Headers, "Content-Type")

	if !req.reuse {
		if err := h.deps.Store.CreateStream(r.Context(), req.streamID, contentType, h.deps.StreamTTL); err != nil {
			start.Cancel()
			h.deps.Registry.ClearContentType(req.streamID)
			writeError(w, apierr.StorageError.WithMessage(err.Error()))
			return
		}
	}

	responseID, err := h.deps.Registry.NextResponseID(r.Context(), req.streamID, h.deps.Store)
	if err != nil {
		start.Cancel()
		h.deps.Registry.ClearContentType(req.streamID)
		writeError(w, apierr.StorageError.WithMessage(err.Error()))
		return
	}

	h.deps.Registry.SetContentType(req.streamID, contentType)

	connectionID := h.deps.IDs.New()
	pipeCtx := h.deps.Registry.Register(context.Background(), req.streamID, connectionID, responseID)

	if h.deps.Metrics != nil {
		h.deps.Metrics.PipesInFlight.Inc()
		h.deps.Metrics.ActiveConnections.Set(float64(h.deps.Registry.Count()))
	}
	go func() {
		defer func() {
			h.deps.Registry.Unregister(req.streamID, connectionID)
			if h.deps.Metrics != nil {
				h.deps.Metrics.ActiveConnections.Set(float64(h.deps.Registry.Count()))
			}
		}()
		if h.deps.Metrics != nil {
			defer h.deps.Metrics.PipesInFlight.Dec()
		}
		result := h.deps.Pipe.Stream(pipeCtx, req.streamID, responseID, start)
		if h.deps.Metrics != nil && result.Terminal == frame.Err {
			h.deps.Metrics.UpstreamErrors.WithLabelValues("mid_stream").Inc()
		}
	}()

	url := h.mintURL(r, req.streamID)
	w.Header().Set("Location", url)
	if contentType != "" {
		w.Header().Set("Upstream-Content-Type", contentType)
	}
	w.Header().Set("Stream-Id", req.streamID)
	w.Header().Set("Stream-Response-Id", strconv.FormatUint(uint64(responseID), 10))

	if req.reuse {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
}

// writeUpstreamTransportError classifies a Start error (as opposed to a
// classified non-2xx response) into UPSTREAM_TIMEOUT or UPSTREAM_ERROR.
func (h *ProxyHandler) writeUpstreamTransportError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipe.ErrStartupTimeout) {
		if h.deps.Metrics != nil {
			h.deps.Metrics.UpstreamErrors.WithLabelValues("startup_timeout").Inc()
		}
		writeError(w, apierr.UpstreamTimeout)
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.UpstreamErrors.WithLabelValues("transport").Inc()
	}
	writeError(w, apierr.UpstreamError.WithMessage(err.Error()))
}

// writeUpstreamOutcomeError maps a classified non-OK StartResult (used by
// Connect's auth hop, which never creates a stream) to a client error.
func (h *ProxyHandler) writeUpstreamOutcomeError(w http.ResponseWriter, start pipe.StartResult) {
	switch start.Outcome {
	case pipe.StartRedirect:
		writeError(w, apierr.RedirectNotAllowed)
	default:
		h.writeRawUpstreamError(w, start.Status, start.ErrorBody)
	}
}

// writeRawUpstreamError surfaces an upstream 4xx/5xx response untouched,
// per spec section 4.D step 3: the proxy-visible status is always 502,
// with Upstream-Status carrying the real upstream code.
func (h *ProxyHandler) writeRawUpstreamError(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Upstream-Status", strconv.Itoa(status))
	w.WriteHeader(http.StatusBadGateway)
	w.Write(body)
}

// mintURL builds a fresh capability for streamID, reading the optional
// Stream-Signed-URL-TTL override (spec section 9's resolved Open Question).
func (h *ProxyHandler) mintURL(r *http.Request, streamID string) string {
	ttl := h.deps.URLTTL
	if raw := r.Header.Get("Stream-Signed-URL-TTL"); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			ttl = time.Duration(secs) * time.Second
		}
	}
	expiresAt := h.deps.Clock.Now().Add(ttl).Unix()
	return capability.MintSignedURL(requestOrigin(r), h.deps.Secret, streamID, expiresAt)
}

// requestOrigin derives scheme://host from the incoming request, honoring
// a TLS-terminating reverse proxy's X-Forwarded-Proto.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// outboundHeaders builds the header set to send upstream: it strips the
// proxy's own control headers (never meant for the origin) before
// applying the spec section 4.B hop-by-hop filter and the
// Upstream-Authorization translation.
func outboundHeaders(inbound http.Header) map[string][]string {
	clone := inbound.Clone()
	for _, name := range controlHeaders {
		if name == "Upstream-Authorization" {
			continue // filtered (and translated) by allowlist.FilterOutboundHeaders
		}
		clone.Del(name)
	}
	return allowlist.FilterOutboundHeaders(clone)
}

// headerValue looks up a header in a map[string][]string case-sensitively
// by canonical form, falling back to a case-insensitive scan since
// upstream responses are not guaranteed to canonicalize names.
func headerValue(headers map[string][]string, name string) string {
	if vs, ok := headers[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	canon := http.CanonicalHeaderKey(name)
	for k, vs := range headers {
		if http.CanonicalHeaderKey(k) == canon && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, apiErr apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(apierr.Body{Error: apiErr})
}

func invalidAction() apierr.Error {
	return apierr.InvalidAction
}
