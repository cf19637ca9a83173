// Package pipe implements the upstream fetch and frame-batching pipeline
// described in spec section 4.D: a synchronous header-fetch phase the
// router uses to classify the upstream response, and an asynchronous
// streaming phase that batches the body into D frames and writes exactly
// one terminal frame (C, A, or E) per response id.
package pipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/duraproxy/duraproxy/adapters/metrics"
	"github.com/duraproxy/duraproxy/domain/frame"
	"github.com/duraproxy/duraproxy/ports"
)

// Config holds the pipe's timing and sizing policy (spec section 4.D /
// 6.5), hot-reloadable via config.Holder.OnChange, which passes reloaded
// values to Pipe.UpdateConfig.
type Config struct {
	StartupTimeout    time.Duration
	InactivityTimeout time.Duration
	BatchSizeBytes    int
	BatchInterval     time.Duration
	MaxErrorBodyBytes int64
	// MaxResponseBytes caps the total size of one upstream response body
	// the pipe will persist (spec section 6.5's maxResponseBytes). Zero
	// means unbounded.
	MaxResponseBytes int64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:    60 * time.Second,
		InactivityTimeout: 10 * time.Minute,
		BatchSizeBytes:    4096,
		BatchInterval:     50 * time.Millisecond,
		MaxErrorBodyBytes: 64 * 1024,
		MaxResponseBytes:  100 * 1024 * 1024,
	}
}

// Pipe fetches one upstream response and, on success, streams it into the
// store as a sequence of frames.
type Pipe struct {
	store   ports.StoreClient
	fetcher ports.UpstreamFetcher
	metrics *metrics.Collector
	logger  zerolog.Logger
	cfg     atomic.Pointer[Config]
}

// New builds a Pipe.
func New(store ports.StoreClient, fetcher ports.UpstreamFetcher, m *metrics.Collector, logger zerolog.Logger, cfg Config) *Pipe {
	p := &Pipe{store: store, fetcher: fetcher, metrics: m, logger: logger}
	p.cfg.Store(&cfg)
	return p
}

// config returns a snapshot of the pipe's current timing/sizing policy.
// Taking a snapshot once per Start/Stream call means an UpdateConfig that
// lands mid-stream never observes a torn read and never changes the
// policy applied to an already-running response.
func (p *Pipe) config() Config {
	return *p.cfg.Load()
}

// UpdateConfig atomically replaces the policy new Start/Stream calls will
// use, per spec section 9's hot-reloadable knobs (config.Holder.OnChange).
// Responses already in flight keep the config snapshot they started
// with.
func (p *Pipe) UpdateConfig(cfg Config) {
	p.cfg.Store(&cfg)
}

// StartOutcome classifies the synchronous result of fetching upstream
// response headers.
type StartOutcome int

const (
	// StartOK means the upstream replied 2xx; Body and Cancel are set and
	// the caller must eventually invoke Stream (or Cancel, on abandon).
	StartOK StartOutcome = iota
	// StartRedirect means the upstream replied 3xx: REDIRECT_NOT_ALLOWED.
	StartRedirect
	// StartUpstreamError means the upstream replied >=400: the caller
	// surfaces ErrorBody and Status to the client with no stream created.
	StartUpstreamError
)

// StartResult is the outcome of the synchronous fetch phase.
type StartResult struct {
	Outcome   StartOutcome
	Status    int
	Headers   map[string][]string
	Body      io.ReadCloser
	ErrorBody []byte

	cancel context.CancelFunc
}

// Cancel releases the resources held by a StartResult that the caller will
// not pass to Stream (e.g. because it decided to reject the request for
// an unrelated reason after Start returned).
func (r StartResult) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.Body != nil {
		r.Body.Close()
	}
}

// Start performs the upstream fetch under a startup timeout (spec section
// 4.D step 1) and classifies the response (steps 2-4). On StartOK the
// returned Body is read by a Stream call that the caller backgrounds past
// the lifetime of the HTTP handler that invoked Start (spec section 5:
// "the pipe task continues independently"). For that reason fetchCtx
// strips parent's cancellation via context.WithoutCancel before it is
// used for the fetch: net/http cancels a request's Context the moment its
// handler returns, and if fetchCtx stayed a child of parent that would
// tear down the in-flight upstream body read out from under the
// backgrounded Stream call a moment after Create responds. Request-scoped
// values (request id, etc.) are still carried through for logging;
// cancellation is purely cooperative from here on, via the startup timer
// below and the cancel handle registry.Table wires into abort/shutdown.
func (p *Pipe) Start(parent context.Context, method, url string, headers map[string][]string, body io.Reader) (StartResult, error) {
	cfg := p.config()
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	timer := time.AfterFunc(cfg.StartupTimeout, cancel)

	resp, err := p.fetcher.Fetch(fetchCtx, method, url, headers, body)
	headersArrived := timer.Stop()
	if err != nil {
		cancel()
		if !headersArrived {
			return StartResult{}, ErrStartupTimeout
		}
		return StartResult{}, fmt.Errorf("pipe: upstream fetch: %w", err)
	}

	switch {
	case resp.Status >= 300 && resp.Status < 400:
		resp.Body.Close()
		cancel()
		return StartResult{Outcome: StartRedirect, Status: resp.Status, Headers: resp.Headers}, nil

	case resp.Status >= 400:
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxErrorBodyBytes))
		resp.Body.Close()
		cancel()
		return StartResult{Outcome: StartUpstreamError, Status: resp.Status, Headers: resp.Headers, ErrorBody: errBody}, nil

	default:
		return StartResult{Outcome: StartOK, Status: resp.Status, Headers: resp.Headers, Body: resp.Body, cancel: cancel}, nil
	}
}

// ErrStartupTimeout is returned by Start when upstream headers did not
// arrive within the configured startup timeout.
var ErrStartupTimeout = fmt.Errorf("pipe: startup timeout waiting for upstream headers")

// TerminalKind is the frame type that ended a response.
type TerminalKind = frame.Type

// StreamResult summarizes how a streaming response ended.
type StreamResult struct {
	Terminal     TerminalKind
	BytesWritten int64
}

type readChunk struct {
	data []byte
	err  error
}

// Stream runs the batching loop over an already-accepted 2xx upstream
// response (spec section 4.D steps 4-6): it writes the S frame, batches
// the body into D frames on a size-or-time threshold, and writes exactly
// one terminal frame. ctx governs cooperative cancellation (abort);
// canceling it also cancels the upstream fetch so the in-flight read
// unblocks. Stream always closes start.Body and invokes start.cancel.
func (p *Pipe) Stream(ctx context.Context, streamID string, responseID uint32, start StartResult) StreamResult {
	cfg := p.config()
	begin := time.Now()
	defer func() {
		if start.cancel != nil {
			start.cancel()
		}
		start.Body.Close()
	}()

	logger := p.logger.With().Str("stream_id", streamID).Uint32("response_id", responseID).Logger()

	startFrame, err := frame.EncodeStart(responseID, start.Status, start.Headers)
	if err != nil {
		logger.Error().Err(err).Msg("encode start frame")
		return p.finalize(streamID, responseID, frame.Err, "INTERNAL", "failed to encode start frame", begin, logger)
	}
	if err := p.appendFrame(context.Background(), streamID, startFrame, frame.Start); err != nil {
		logger.Error().Err(err).Msg("append start frame")
	}

	chunks := make(chan readChunk, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := start.Body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case chunks <- readChunk{data: data}:
				case <-readerDone:
					return
				}
			}
			if err != nil {
				select {
				case chunks <- readChunk{err: err}:
				case <-readerDone:
				}
				return
			}
		}
	}()

	var buf bytes.Buffer
	var bytesWritten int64
	var batchTimer *time.Timer
	defer func() {
		if batchTimer != nil {
			batchTimer.Stop()
		}
	}()

	inactivity := time.NewTimer(cfg.InactivityTimeout)
	defer inactivity.Stop()

	batchTimerC := func() <-chan time.Time {
		if batchTimer == nil {
			return nil
		}
		return batchTimer.C
	}

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		data := append([]byte(nil), buf.Bytes()...)
		if err := p.appendFrame(context.Background(), streamID, frame.EncodeData(responseID, data), frame.Data); err != nil {
			logger.Error().Err(err).Msg("append data frame")
		}
		bytesWritten += int64(len(data))
		buf.Reset()
		if batchTimer != nil {
			batchTimer.Stop()
			batchTimer = nil
		}
	}

	resetInactivity := func() {
		if !inactivity.Stop() {
			select {
			case <-inactivity.C:
			default:
			}
		}
		inactivity.Reset(cfg.InactivityTimeout)
	}

	for {
		select {
		case c := <-chunks:
			if len(c.data) > 0 {
				buf.Write(c.data)
				resetInactivity()
				if batchTimer == nil {
					batchTimer = time.NewTimer(cfg.BatchInterval)
				}
				if buf.Len() >= cfg.BatchSizeBytes {
					flush()
				}
				if cfg.MaxResponseBytes > 0 && bytesWritten >= cfg.MaxResponseBytes {
					result := p.finalize(streamID, responseID, frame.Err, "RESPONSE_TOO_LARGE",
						fmt.Sprintf("response exceeded %d bytes", cfg.MaxResponseBytes), begin, logger)
					result.BytesWritten = bytesWritten
					return result
				}
			}
			if c.err != nil {
				flush()
				if c.err == io.EOF {
					result := p.finalize(streamID, responseID, frame.Complete, "", "", begin, logger)
					result.BytesWritten = bytesWritten
					return result
				}
				result := p.finalize(streamID, responseID, frame.Err, "UPSTREAM_READ_ERROR", c.err.Error(), begin, logger)
				result.BytesWritten = bytesWritten
				return result
			}

		case <-batchTimerC():
			flush()

		case <-inactivity.C:
			flush()
			result := p.finalize(streamID, responseID, frame.Err, "INACTIVITY_TIMEOUT",
				fmt.Sprintf("no data for %s", cfg.InactivityTimeout), begin, logger)
			result.BytesWritten = bytesWritten
			return result

		case <-ctx.Done():
			flush()
			result := p.finalize(streamID, responseID, frame.Abort, "", "", begin, logger)
			result.BytesWritten = bytesWritten
			return result
		}
	}
}

func (p *Pipe) finalize(streamID string, responseID uint32, kind frame.Type, code, message string, begin time.Time, logger zerolog.Logger) StreamResult {
	var encoded []byte
	var err error

	switch kind {
	case frame.Complete:
		encoded = frame.EncodeComplete(responseID)
	case frame.Abort:
		encoded = frame.EncodeAbort(responseID)
	default:
		encoded, err = frame.EncodeError(responseID, code, message)
		if err != nil {
			logger.Error().Err(err).Msg("encode terminal error frame")
			encoded = frame.EncodeAbort(responseID)
			kind = frame.Abort
		}
	}

	// Best-effort: the client-visible HTTP response has already been
	// sent by this point, so a store failure here is logged, not
	// propagated.
	bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if appendErr := p.appendFrame(bgCtx, streamID, encoded, kind); appendErr != nil {
		logger.Error().Err(appendErr).Msg("append terminal frame")
	}

	if p.metrics != nil {
		p.metrics.UpstreamDuration.WithLabelValues(outcomeLabel(kind)).Observe(time.Since(begin).Seconds())
	}

	return StreamResult{Terminal: kind}
}

func (p *Pipe) appendFrame(ctx context.Context, streamID string, encoded []byte, kind frame.Type) error {
	err := p.store.AppendFrame(ctx, streamID, encoded)
	if p.metrics != nil {
		if err != nil {
			p.metrics.StoreErrors.WithLabelValues("append").Inc()
		} else {
			p.metrics.FramesWritten.WithLabelValues(kind.String()).Inc()
			p.metrics.BytesWritten.Add(float64(len(encoded)))
		}
	}
	return err
}

func outcomeLabel(kind frame.Type) string {
	switch kind {
	case frame.Complete:
		return "complete"
	case frame.Abort:
		return "aborted"
	default:
		return "error"
	}
}
