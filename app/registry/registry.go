// Package registry tracks live upstream connections and the content-type
// cache described in spec section 3 and 5: one table guarded by a single
// RWMutex, with per-stream response-id counters guarded by their own
// mutex so a busy stream's counter does not contend on the whole-table
// lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/duraproxy/duraproxy/domain/frame"
	"github.com/duraproxy/duraproxy/ports"
)

// Connection is a per-live-upstream-fetch record, per spec section 3.
type Connection struct {
	ConnectionID string
	StreamID     string
	ResponseID   uint32
	StartedAt    time.Time

	cancel context.CancelFunc
}

// Table holds every live connection, the content-type cache, and the
// per-stream response-id counters.
type Table struct {
	mu          sync.RWMutex
	connections map[string]map[string]*Connection // streamID -> connectionID -> *Connection
	aborted     map[string]map[string]bool         // streamID -> connectionID -> abort already requested
	contentType map[string]string                 // streamID -> upstreamContentType

	counterMu sync.Mutex
	counters  map[string]*responseIDCounter
}

type responseIDCounter struct {
	mu          sync.Mutex
	next        uint32
	bootstrapped bool
}

// New creates an empty registry.
func New() *Table {
	return &Table{
		connections: make(map[string]map[string]*Connection),
		aborted:     make(map[string]map[string]bool),
		contentType: make(map[string]string),
		counters:    make(map[string]*responseIDCounter),
	}
}

// Register records a new connection and returns a child context that the
// registry's Abort, AbortStream and AbortAll cancel. Unregister only
// removes the record and does not cancel the context.
func (t *Table) Register(ctx context.Context, streamID, connectionID string, responseID uint32) context.Context {
	childCtx, cancel := context.WithCancel(ctx)

	conn := &Connection{
		ConnectionID: connectionID,
		StreamID:     streamID,
		ResponseID:   responseID,
		StartedAt:    time.Now(),
		cancel:       cancel,
	}

	t.mu.Lock()
	if t.connections[streamID] == nil {
		t.connections[streamID] = make(map[string]*Connection)
	}
	t.connections[streamID][connectionID] = conn
	t.mu.Unlock()

	return childCtx
}

// Unregister removes a connection record, e.g. once its terminal frame has
// been written.
func (t *Table) Unregister(streamID, connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conns, ok := t.connections[streamID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(t.connections, streamID)
			delete(t.aborted, streamID)
		}
	}
}

// Abort signals cooperative cancellation to a connection's pipe. It
// returns false if no such connection is registered (caller should treat
// that as "already completed").
func (t *Table) Abort(streamID, connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns, ok := t.connections[streamID]
	if !ok {
		return false
	}
	conn, ok := conns[connectionID]
	if !ok {
		return false
	}
	conn.cancel()
	return true
}

// AbortStatus classifies the outcome of an idempotent stream-level abort
// request, per spec section 4.E's abort handler decision table.
type AbortStatus int

const (
	// AbortNotFound means no live connection exists for the stream: it is
	// either unknown or has already reached a terminal frame.
	AbortNotFound AbortStatus = iota
	// AbortAlready means every live connection for the stream had already
	// been sent a cancel signal by an earlier abort request.
	AbortAlready
	// AbortNewly means at least one live connection was cancelled by this
	// call.
	AbortNewly
)

// AbortStream cancels every live connection for streamID and reports
// whether this call is the one that newly aborted them, per spec section
// 4.E: "Abort handler ... look up all live connections for streamId;
// trigger their cancel handles." Idempotent: a repeated call against
// connections that are still registered reports AbortAlready rather than
// cancelling twice.
func (t *Table) AbortStream(streamID string) AbortStatus {
	t.mu.Lock()
	conns := t.connections[streamID]
	if len(conns) == 0 {
		t.mu.Unlock()
		return AbortNotFound
	}

	seen := t.aborted[streamID]
	if seen == nil {
		seen = make(map[string]bool, len(conns))
		t.aborted[streamID] = seen
	}

	var toCancel []context.CancelFunc
	for connectionID, conn := range conns {
		if seen[connectionID] {
			continue
		}
		seen[connectionID] = true
		toCancel = append(toCancel, conn.cancel)
	}
	t.mu.Unlock()

	if len(toCancel) == 0 {
		return AbortAlready
	}
	for _, cancel := range toCancel {
		cancel()
	}
	return AbortNewly
}

// AbortAll cancels every live connection. Used on graceful shutdown.
func (t *Table) AbortAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, conns := range t.connections {
		for _, conn := range conns {
			conn.cancel()
		}
	}
}

// Connections returns a snapshot of the live connections for a stream.
func (t *Table) Connections(streamID string) []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := t.connections[streamID]
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, *c)
	}
	return out
}

// Count returns the total number of live connections across all streams,
// for the ActiveConnections gauge.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0
	for _, conns := range t.connections {
		total += len(conns)
	}
	return total
}

// SetContentType populates the content-type cache entry for streamID,
// called on successful create.
func (t *Table) SetContentType(streamID, contentType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.contentType[streamID] = contentType
}

// ContentType returns the cached upstream content type, if any.
func (t *Table) ContentType(streamID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ct, ok := t.contentType[streamID]
	return ct, ok
}

// ClearContentType evicts a stream's cached content type, called on
// delete and on create failure per spec section 3.
func (t *Table) ClearContentType(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.contentType, streamID)
}

// ClearCounter evicts a stream's response-id counter, mirroring
// ClearContentType. Called alongside cache eviction on delete.
func (t *Table) ClearCounter(streamID string) {
	t.counterMu.Lock()
	defer t.counterMu.Unlock()
	delete(t.counters, streamID)
}

// NextResponseID allocates the next response id for streamID. On first use
// for a given streamID it bootstraps the counter by scanning the stream's
// existing frames for the maximum response id already present, so the
// counter survives process restarts (spec section 3).
func (t *Table) NextResponseID(ctx context.Context, streamID string, store ports.StoreClient) (uint32, error) {
	t.counterMu.Lock()
	counter, ok := t.counters[streamID]
	if !ok {
		counter = &responseIDCounter{}
		t.counters[streamID] = counter
	}
	t.counterMu.Unlock()

	counter.mu.Lock()
	defer counter.mu.Unlock()

	if !counter.bootstrapped {
		max, err := scanMaxResponseID(ctx, store, streamID)
		if err != nil {
			return 0, fmt.Errorf("registry: bootstrap response id counter: %w", err)
		}
		counter.next = max + 1
		counter.bootstrapped = true
	}

	id := counter.next
	counter.next++
	return id, nil
}

func scanMaxResponseID(ctx context.Context, store ports.StoreClient, streamID string) (uint32, error) {
	body, _, err := store.ReadStream(ctx, streamID, "-1", "")
	if err != nil {
		if errors.Is(err, ports.ErrStreamNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return 0, fmt.Errorf("read existing frames: %w", err)
	}

	frames, err := frame.DecodeAll(data)
	if err != nil {
		return 0, fmt.Errorf("decode existing frames: %w", err)
	}

	var max uint32
	for _, f := range frames {
		if f.ResponseID > max {
			max = f.ResponseID
		}
	}
	return max, nil
}
