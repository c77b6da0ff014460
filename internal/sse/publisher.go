package sse

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/g6io/g6collector/internal/metrics"
)

const (
	// clientQueueCap bounds each connection's outbound queue; beyond it the
	// oldest non-heartbeat events drop.
	clientQueueCap = 64
	// writeStallTimeout disconnects consumers that stop reading.
	writeStallTimeout = 10 * time.Second
)

// SnapshotSource supplies the current full snapshot and panel hashes for
// hello/full_snapshot/resync.
type SnapshotSource interface {
	Snapshot() (data any, hashes map[string]string, cycle int64)
}

// Publisher fans panel events out to connected SSE clients with bounded
// per-connection queues.
type Publisher struct {
	source            SnapshotSource
	heartbeatInterval time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	reg          *metrics.Registry
	mActive      *metrics.Handle
	mConnections *metrics.Handle
	mEventSize   *metrics.Handle
	mPanelLat    *metrics.Handle
	mConnDur     *metrics.Handle
	mDropped     *metrics.Handle
	mStructured  *metrics.Handle
}

// NewPublisher wires a publisher; heartbeatSec <= 0 defaults to 15.
func NewPublisher(source SnapshotSource, heartbeatSec int, reg *metrics.Registry) *Publisher {
	if heartbeatSec <= 0 {
		heartbeatSec = 15
	}
	p := &Publisher{
		source:            source,
		heartbeatInterval: time.Duration(heartbeatSec) * time.Second,
		clients:           make(map[*client]struct{}),
	}
	if reg != nil {
		p.reg = reg
		p.mActive = reg.MustHandle("g6_sse_http_active_connections")
		p.mConnections = reg.MustHandle("g6_sse_http_connections_total")
		p.mEventSize = reg.MustHandle("g6_sse_event_size_bytes")
		p.mPanelLat = reg.MustHandle("g6_sse_panel_update_latency_sec")
		p.mConnDur = reg.MustHandle("g6_sse_connection_duration_sec")
		p.mDropped = reg.MustHandle("g6_sse_dropped_events_total")
		p.mStructured = reg.MustHandle("g6_sse_structured_updates_total")
	}
	return p
}

// client is one connected consumer. The queue is a mutex-guarded deque so
// the drop policy can discard the oldest non-heartbeat entry.
type client struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
}

func (c *client) enqueue(evt Event) (dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= clientQueueCap {
		for i, q := range c.queue {
			if q.Type != TypeHeartbeat {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// queue is all heartbeats; drop the head
			c.queue = c.queue[1:]
			dropped = true
		}
	}
	c.queue = append(c.queue, evt)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (c *client) drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// Broadcast enqueues an event for every connected client.
func (p *Publisher) Broadcast(evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.clients {
		if c.enqueue(evt) && p.reg != nil {
			p.reg.Inc(p.mDropped, nil, 1)
		}
	}
}

// PublishPanel emits a panel_update (or structured variant prepared by the
// caller) and records the commit-to-publish latency.
func (p *Publisher) PublishPanel(evt Event, committedAt time.Time) {
	if p.reg != nil && evt.Panel != "" {
		p.reg.Observe(p.mPanelLat, map[string]string{"panel": evt.Panel}, time.Since(committedAt).Seconds())
	}
	if evt.Type == TypeStructuredUpdate && p.reg != nil {
		p.reg.Inc(p.mStructured, nil, 1)
	}
	p.Broadcast(evt)
}

// Shutdown emits bye to every client and closes their connections.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	p.closed = true
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()
	for _, c := range clients {
		c.enqueue(Event{Type: TypeBye, Data: mustJSON(map[string]string{"reason": "shutdown"})})
		close(c.done)
	}
}

func (p *Publisher) register(c *client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.clients[c] = struct{}{}
	if p.reg != nil {
		p.reg.Set(p.mActive, nil, float64(len(p.clients)))
	}
	return true
}

func (p *Publisher) unregister(c *client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, c)
	if p.reg != nil {
		p.reg.Set(p.mActive, nil, float64(len(p.clients)))
	}
}

// ServeEvents is the /summary/events handler body, invoked after the auth
// middleware has admitted the request.
func (p *Publisher) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"code":"sse_unsupported","message":"streaming unsupported"}`, http.StatusInternalServerError)
		p.countConn("unsupported")
		return
	}
	c := &client{notify: make(chan struct{}, 1), done: make(chan struct{})}
	if !p.register(c) {
		http.Error(w, `{"code":"shutting_down","message":"server stopping"}`, http.StatusServiceUnavailable)
		p.countConn("rejected")
		return
	}
	defer p.unregister(c)
	p.countConn("accepted")
	started := time.Now()
	defer func() {
		if p.reg != nil {
			p.reg.Observe(p.mConnDur, nil, time.Since(started).Seconds())
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	data, hashes, cycle := p.source.Snapshot()
	hello := Event{Type: TypeHello, Data: mustJSON(HelloPayload{SchemaVersion: SchemaVersion, PanelHashes: hashes})}
	snap := Event{Type: TypeFullSnapshot, Cycle: cycle, Data: mustJSON(data)}
	rc := http.NewResponseController(w)
	if !p.write(rc, w, flusher, hello) || !p.write(rc, w, flusher, snap) {
		return
	}

	idle := time.NewTimer(p.heartbeatInterval)
	defer idle.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			for _, evt := range c.drain() {
				if !p.write(rc, w, flusher, evt) {
					return
				}
			}
			return
		case <-c.notify:
			for _, evt := range c.drain() {
				if !p.write(rc, w, flusher, evt) {
					return
				}
			}
			resetTimer(idle, p.heartbeatInterval)
		case <-idle.C:
			hb := Event{Type: TypeHeartbeat, Data: mustJSON(map[string]int64{"ts": time.Now().Unix()})}
			if !p.write(rc, w, flusher, hb) {
				return
			}
			idle.Reset(p.heartbeatInterval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// write encodes and flushes one frame under the stall deadline. A failed or
// stalled write kills the connection; the broadcast loop is unaffected.
func (p *Publisher) write(rc *http.ResponseController, w http.ResponseWriter, flusher http.Flusher, evt Event) bool {
	frame := evt.Encode()
	if p.reg != nil {
		p.reg.Observe(p.mEventSize, map[string]string{"type": evt.Type}, float64(len(frame)))
	}
	_ = rc.SetWriteDeadline(time.Now().Add(writeStallTimeout))
	if _, err := w.Write(frame); err != nil {
		log.Debug().Err(err).Str("type", evt.Type).Msg("sse write failed, dropping client")
		return false
	}
	flusher.Flush()
	return true
}

func (p *Publisher) countConn(result string) {
	if p.reg != nil {
		p.reg.Inc(p.mConnections, map[string]string{"result": result}, 1)
	}
}

// ServeResync is the /summary/resync handler body.
func (p *Publisher) ServeResync(w http.ResponseWriter, _ *http.Request) {
	if p.reg != nil {
		p.reg.IncNamed("g6_sse_resync_requests_total", nil, 1)
	}
	data, hashes, cycle := p.source.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cycle":        cycle,
		"snapshot":     data,
		"panel_hashes": hashes,
	})
}
