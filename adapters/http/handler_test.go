package http_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apihttp "github.com/duraproxy/duraproxy/adapters/http"
	"github.com/duraproxy/duraproxy/adapters/clock"
	"github.com/duraproxy/duraproxy/adapters/idgen"
	"github.com/duraproxy/duraproxy/app/pipe"
	"github.com/duraproxy/duraproxy/app/registry"
	"github.com/duraproxy/duraproxy/domain/capability"
	"github.com/duraproxy/duraproxy/domain/frame"
	"github.com/duraproxy/duraproxy/ports"
)

const testSecret = "topsecret"

type fakeFetcher struct {
	resp ports.UpstreamResponse
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, method, url string, headers map[string][]string, body io.Reader) (ports.UpstreamResponse, error) {
	return f.resp, f.err
}

type memStore struct {
	mu      sync.Mutex
	frames  map[string][][]byte
	meta    map[string]ports.StreamMeta
	created map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		frames:  make(map[string][][]byte),
		meta:    make(map[string]ports.StreamMeta),
		created: make(map[string]bool),
	}
}

func (m *memStore) CreateStream(ctx context.Context, streamID, contentType string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[streamID] = true
	m.frames[streamID] = nil
	return nil
}

func (m *memStore) HeadStream(ctx context.Context, streamID string) (ports.StreamMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created[streamID] {
		return ports.StreamMeta{}, ports.ErrStreamNotFound
	}
	return m.meta[streamID], nil
}

func (m *memStore) AppendFrame(ctx context.Context, streamID string, encodedFrame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames[streamID] = append(m.frames[streamID], encodedFrame)
	return nil
}

func (m *memStore) ReadStream(ctx context.Context, streamID, offset, live string) (io.ReadCloser, ports.StreamMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created[streamID] {
		return nil, ports.StreamMeta{}, ports.ErrStreamNotFound
	}
	var buf []byte
	for _, f := range m.frames[streamID] {
		buf = append(buf, f...)
	}
	return io.NopCloser(strings.NewReader(string(buf))), m.meta[streamID], nil
}

func (m *memStore) DeleteStream(ctx context.Context, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frames, streamID)
	delete(m.created, streamID)
	return nil
}

type allowAll struct{}

func (allowAll) Allowed(rawURL string) (bool, error) { return true, nil }

type denyAll struct{}

func (denyAll) Allowed(rawURL string) (bool, error) { return false, nil }

func newTestHandler(t *testing.T, store ports.StoreClient, fetcher ports.UpstreamFetcher, allow apihttp.AllowlistChecker, clk ports.Clock) *apihttp.ProxyHandler {
	t.Helper()
	p := pipe.New(store, fetcher, nil, zerolog.Nop(), pipe.DefaultConfig())
	return apihttp.NewProxyHandler(apihttp.Deps{
		Store:     store,
		Pipe:      p,
		Registry:  registry.New(),
		Allowlist: allow,
		IDs:       idgen.NewSequential("s"),
		Clock:     clk,
		Secret:    testSecret,
		StreamTTL: 24 * time.Hour,
		URLTTL:    time.Hour,
	})
}

func TestCreate_MissingSecretRejected(t *testing.T) {
	h := newTestHandler(t, newMemStore(), &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Upstream-URL", "https://api.example.com/data")
	req.Header.Set("Upstream-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreate_MissingUpstreamURLRejected(t *testing.T) {
	h := newTestHandler(t, newMemStore(), &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreate_DisallowedUpstreamRejected(t *testing.T) {
	h := newTestHandler(t, newMemStore(), &fakeFetcher{}, denyAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://blocked.example.com/data")
	req.Header.Set("Upstream-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreate_SuccessMintsReadableStream(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{resp: ports.UpstreamResponse{
		Status:  200,
		Headers: map[string][]string{"Content-Type": {"text/plain"}},
		Body:    io.NopCloser(strings.NewReader("hello world")),
	}}
	h := newTestHandler(t, store, fetcher, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://api.example.com/data")
	req.Header.Set("Upstream-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if location == "" {
		t.Fatal("expected Location header with signed read URL")
	}
	if rec.Header().Get("Stream-Id") == "" {
		t.Fatal("expected Stream-Id header")
	}

	// Give the background pipe goroutine a chance to finish writing frames.
	deadline := time.Now().Add(2 * time.Second)
	var body []byte
	for time.Now().Before(deadline) {
		readReq := httptest.NewRequest(http.MethodGet, location, nil)
		readRec := httptest.NewRecorder()
		router.ServeHTTP(readRec, readReq)
		if readRec.Code != http.StatusOK {
			t.Fatalf("expected 200 reading stream, got %d: %s", readRec.Code, readRec.Body.String())
		}
		body = readRec.Body.Bytes()
		if len(body) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(body) == 0 {
		t.Fatal("expected frame bytes to appear in the stream within the deadline")
	}
}

func TestRead_ExpiredSignatureRejected(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	fake := clock.NewFake(time.Unix(1000, 0))
	h := newTestHandler(t, store, &fakeFetcher{}, allowAll{}, fake)
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	url := capability.MintSignedURL("http://proxy.local", testSecret, "s1", 1000-1)
	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(url, "http://proxy.local"), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired signature, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRead_TamperedSignatureRejected(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	h := newTestHandler(t, store, &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/proxy/s1?expires=9999999999&signature=not-a-real-signature", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered signature, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAbort_IsIdempotent(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	h := newTestHandler(t, store, &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	url := capability.MintSignedURL("http://proxy.local", testSecret, "s1", time.Now().Unix()+3600)
	path := strings.TrimPrefix(url, "http://proxy.local")

	req := httptest.NewRequest(http.MethodPatch, path+"&action=abort", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var first map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if first["status"] != "already_completed" {
		t.Fatalf("expected already_completed for a stream with no live connection, got %q", first["status"])
	}

	req = httptest.NewRequest(http.MethodPatch, path+"&action=abort", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeated abort, got %d: %s", rec.Code, rec.Body.String())
	}
	var second map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if second["status"] != "already_completed" {
		t.Fatalf("expected already_completed on repeated abort, got %q", second["status"])
	}
}

func TestMeta_UnknownStreamNotFound(t *testing.T) {
	h := newTestHandler(t, newMemStore(), &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodHead, "/v1/proxy/nope", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDelete_RequiresSecret(t *testing.T) {
	h := newTestHandler(t, newMemStore(), &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodDelete, "/v1/proxy/s1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDispatchPost_InvalidActionRejected(t *testing.T) {
	h := newTestHandler(t, newMemStore(), &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/s1?action=bogus", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unrecognized action, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreate_RedirectRejectedNoStreamCreated(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{resp: ports.UpstreamResponse{
		Status:  302,
		Headers: map[string][]string{"Location": {"https://api.example.com/elsewhere"}},
		Body:    io.NopCloser(strings.NewReader("")),
	}}
	h := newTestHandler(t, store, fetcher, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://api.example.com/data")
	req.Header.Set("Upstream-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 REDIRECT_NOT_ALLOWED, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.created) != 0 {
		t.Fatalf("expected no stream created on redirect, got %v", store.created)
	}
}

func TestCreate_UpstreamErrorPassesBodyThroughNoStreamCreated(t *testing.T) {
	store := newMemStore()
	fetcher := &fakeFetcher{resp: ports.UpstreamResponse{
		Status: 429,
		Body:   io.NopCloser(strings.NewReader("slow down")),
	}}
	h := newTestHandler(t, store, fetcher, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://api.example.com/data")
	req.Header.Set("Upstream-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Upstream-Status") != "429" {
		t.Fatalf("expected Upstream-Status: 429, got %q", rec.Header().Get("Upstream-Status"))
	}
	if rec.Body.String() != "slow down" {
		t.Fatalf("expected upstream body passed through untouched, got %q", rec.Body.String())
	}
	if len(store.created) != 0 {
		t.Fatalf("expected no stream created on upstream 4xx, got %v", store.created)
	}
}

func TestConnect_ExistingStreamReturns200WithFreshURL(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	h := newTestHandler(t, store, &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/s1?action=connect", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for connect to an existing stream, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Fatal("expected Location header with a fresh signed URL")
	}
}

func TestConnect_NewStreamReturns201(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(t, store, &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/new-stream?action=connect", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for connect minting a brand new stream, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRenew_SuccessMintsFreshURLForExistingStream(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	fetcher := &fakeFetcher{resp: ports.UpstreamResponse{
		Status: 200,
		Body:   io.NopCloser(strings.NewReader("")),
	}}
	h := newTestHandler(t, store, fetcher, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	staleURL := capability.MintSignedURL("http://proxy.local", testSecret, "s1", time.Now().Unix()-100)

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/renew", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Use-Stream-URL", staleURL)
	req.Header.Set("Upstream-URL", "https://auth.example.com/session")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from renew, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Fatal("expected Location header with a fresh signed URL")
	}
}

func TestRenew_RejectedWhenAuthHopFails(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	fetcher := &fakeFetcher{resp: ports.UpstreamResponse{
		Status: 401,
		Body:   io.NopCloser(strings.NewReader("nope")),
	}}
	h := newTestHandler(t, store, fetcher, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	staleURL := capability.MintSignedURL("http://proxy.local", testSecret, "s1", time.Now().Unix()-100)

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/renew", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Use-Stream-URL", staleURL)
	req.Header.Set("Upstream-URL", "https://auth.example.com/session")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 RENEWAL_REJECTED, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreate_UseStreamURLReuseReturns200AndSameStream(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	fetcher := &fakeFetcher{resp: ports.UpstreamResponse{
		Status: 200,
		Body:   io.NopCloser(strings.NewReader("more data")),
	}}
	h := newTestHandler(t, store, fetcher, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	reuseURL := capability.MintSignedURL("http://proxy.local", testSecret, "s1", time.Now().Unix()+3600)

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://api.example.com/more")
	req.Header.Set("Upstream-Method", "GET")
	req.Header.Set("Use-Stream-URL", reuseURL)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on stream reuse, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Stream-Id") != "s1" {
		t.Fatalf("expected reused stream id s1, got %q", rec.Header().Get("Stream-Id"))
	}
	if rec.Header().Get("Stream-Response-Id") != "1" {
		t.Fatalf("expected response id 1 for the first response on a freshly created stream, got %q", rec.Header().Get("Stream-Response-Id"))
	}
}

func TestCreate_UseStreamURLReuseRejectsClosedStream(t *testing.T) {
	store := newMemStore()
	store.CreateStream(context.Background(), "s1", "", time.Hour)
	store.mu.Lock()
	store.meta["s1"] = ports.StreamMeta{Closed: true}
	store.mu.Unlock()
	h := newTestHandler(t, store, &fakeFetcher{}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	reuseURL := capability.MintSignedURL("http://proxy.local", testSecret, "s1", time.Now().Unix()+3600)

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://api.example.com/more")
	req.Header.Set("Upstream-Method", "GET")
	req.Header.Set("Use-Stream-URL", reuseURL)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 STREAM_CLOSED, got %d: %s", rec.Code, rec.Body.String())
	}
}

// ctxGatedReader mimics what the real upstream transport does: Read blocks
// until either a chunk arrives on ch or the context the fetch was issued
// under is canceled, in which case it surfaces ctx.Err() the way an
// in-flight net/http body read does when its request's Context ends.
type ctxGatedReader struct {
	ctx context.Context
	ch  <-chan []byte
}

func (r *ctxGatedReader) Read(p []byte) (int, error) {
	select {
	case b, ok := <-r.ch:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
}

func (r *ctxGatedReader) Close() error { return nil }

// ctxAwareFetcher returns a 200 response immediately, handing back a body
// whose continued reads are gated on the ctx the pipe fetched under.
type ctxAwareFetcher struct {
	ch chan []byte
}

func (f *ctxAwareFetcher) Fetch(ctx context.Context, method, url string, headers map[string][]string, body io.Reader) (ports.UpstreamResponse, error) {
	return ports.UpstreamResponse{
		Status:  200,
		Headers: map[string][]string{"Content-Type": {"text/plain"}},
		Body:    &ctxGatedReader{ctx: ctx, ch: f.ch},
	}, nil
}

// TestCreate_BackgroundPipeSurvivesHandlerReturn runs Create behind a real
// http.Server (httptest.NewServer), whose request Context is documented to
// be canceled the moment the handler's ServeHTTP call returns. It proves
// that the backgrounded upstream read app/pipe.Pipe.Stream continues to
// consume (app/pipe/pipe.go's Start no longer ties its fetch context to
// the request that created the stream) rather than being torn down by
// that cancellation, per spec section 5's "the pipe task continues
// independently".
func TestCreate_BackgroundPipeSurvivesHandlerReturn(t *testing.T) {
	store := newMemStore()
	ch := make(chan []byte, 4)
	h := newTestHandler(t, store, &ctxAwareFetcher{ch: ch}, allowAll{}, clock.Real{})
	router := apihttp.NewRouter(h, nil, zerolog.Nop())

	srv := httptest.NewServer(router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/proxy", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Upstream-URL", "https://api.example.com/data")
	req.Header.Set("Upstream-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	streamID := resp.Header.Get("Stream-Id")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if streamID == "" {
		t.Fatal("expected Stream-Id header")
	}

	// ServeHTTP for the create request has now returned, so the real
	// http.Server has canceled that request's Context. Pushing more bytes
	// here only succeeds if the backgrounded pipe's upstream read is still
	// alive to consume them.
	time.Sleep(50 * time.Millisecond)
	ch <- []byte("hello world")
	close(ch)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		raw := append([]byte(nil), flatten(store.frames[streamID])...)
		store.mu.Unlock()

		decoded, err := frame.DecodeAll(raw)
		if err != nil {
			t.Fatalf("decode frames: %v", err)
		}
		for _, f := range decoded {
			if f.Type == frame.Complete {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected background pipe to write a completion frame despite the request context being canceled when the handler returned")
}

func flatten(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
