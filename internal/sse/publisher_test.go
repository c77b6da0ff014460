package sse

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6io/g6collector/internal/metrics"
)

type stubSource struct {
	cycle int64
}

func (s stubSource) Snapshot() (any, map[string]string, int64) {
	return map[string]any{"indices": []string{"NIFTY"}}, map[string]string{"indices": "abc123"}, s.cycle
}

func newReg(t *testing.T) *metrics.Registry {
	t.Helper()
	r, err := metrics.NewRegistry(metrics.Options{})
	require.NoError(t, err)
	return r
}

func TestClientQueueDropPolicy(t *testing.T) {
	t.Run("oldest non-heartbeat drops first", func(t *testing.T) {
		c := &client{notify: make(chan struct{}, 1), done: make(chan struct{})}
		c.enqueue(Event{Type: TypeHeartbeat})
		for i := 1; i < clientQueueCap; i++ {
			c.enqueue(Event{Type: TypePanelUpdate, Cycle: int64(i)})
		}
		dropped := c.enqueue(Event{Type: TypePanelUpdate, Cycle: 999})
		assert.True(t, dropped)

		q := c.drain()
		assert.Len(t, q, clientQueueCap)
		assert.Equal(t, TypeHeartbeat, q[0].Type, "heartbeats survive the drop")
		assert.EqualValues(t, 2, q[1].Cycle, "the oldest update was discarded")
		assert.EqualValues(t, 999, q[len(q)-1].Cycle)
	})
	t.Run("all-heartbeat queue drops the head", func(t *testing.T) {
		c := &client{notify: make(chan struct{}, 1), done: make(chan struct{})}
		for i := 0; i < clientQueueCap; i++ {
			c.enqueue(Event{Type: TypeHeartbeat})
		}
		assert.True(t, c.enqueue(Event{Type: TypeHeartbeat}))
		assert.Len(t, c.drain(), clientQueueCap)
	})
	t.Run("no drop below cap", func(t *testing.T) {
		c := &client{notify: make(chan struct{}, 1), done: make(chan struct{})}
		assert.False(t, c.enqueue(Event{Type: TypePanelUpdate}))
	})
}

func TestBroadcastCountsDrops(t *testing.T) {
	reg := newReg(t)
	p := NewPublisher(stubSource{}, 15, reg)
	c := &client{notify: make(chan struct{}, 1), done: make(chan struct{})}
	require.True(t, p.register(c))

	for i := 0; i < clientQueueCap; i++ {
		p.Broadcast(Event{Type: TypePanelUpdate})
	}
	assert.Equal(t, 0.0, reg.CounterValue("g6_sse_dropped_events_total", nil))

	p.Broadcast(Event{Type: TypePanelUpdate})
	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_dropped_events_total", nil))
}

func TestPublishPanelCountsStructured(t *testing.T) {
	reg := newReg(t)
	p := NewPublisher(stubSource{}, 15, reg)

	p.PublishPanel(Event{Type: TypeStructuredUpdate, Panel: "indices"}, time.Now())
	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_structured_updates_total", nil))

	p.PublishPanel(Event{Type: TypePanelUpdate, Panel: "indices"}, time.Now())
	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_structured_updates_total", nil))
}

func TestServeEventsOpensWithHelloAndSnapshot(t *testing.T) {
	reg := newReg(t)
	p := NewPublisher(stubSource{cycle: 42}, 15, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // handler writes the opening frames then exits
	req := httptest.NewRequest("GET", "/summary/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	p.ServeEvents(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: hello\n")
	assert.Contains(t, body, `"schema_version":2`)
	assert.Contains(t, body, `"indices":"abc123"`)
	assert.Contains(t, body, "event: full_snapshot\n")

	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_http_connections_total", map[string]string{"result": "accepted"}))
	assert.Equal(t, 0.0, reg.GaugeValue("g6_sse_http_active_connections", nil), "connection unregistered on exit")
}

func TestServeEventsRejectedAfterShutdown(t *testing.T) {
	reg := newReg(t)
	p := NewPublisher(stubSource{}, 15, reg)
	p.Shutdown()

	req := httptest.NewRequest("GET", "/summary/events", nil)
	rec := httptest.NewRecorder()
	p.ServeEvents(rec, req)

	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_http_connections_total", map[string]string{"result": "rejected"}))
}

func TestShutdownSaysBye(t *testing.T) {
	p := NewPublisher(stubSource{}, 15, nil)
	c := &client{notify: make(chan struct{}, 1), done: make(chan struct{})}
	require.True(t, p.register(c))

	p.Shutdown()

	select {
	case <-c.done:
	default:
		t.Fatal("done channel not closed")
	}
	q := c.drain()
	require.NotEmpty(t, q)
	assert.Equal(t, TypeBye, q[len(q)-1].Type)
}

func TestServeResync(t *testing.T) {
	reg := newReg(t)
	p := NewPublisher(stubSource{cycle: 7}, 15, reg)

	rec := httptest.NewRecorder()
	p.ServeResync(rec, httptest.NewRequest("GET", "/summary/resync", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var doc struct {
		Cycle       int64             `json:"cycle"`
		PanelHashes map[string]string `json:"panel_hashes"`
		Snapshot    any               `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.EqualValues(t, 7, doc.Cycle)
	assert.Equal(t, "abc123", doc.PanelHashes["indices"])
	assert.NotNil(t, doc.Snapshot)
	assert.Equal(t, 1.0, reg.CounterValue("g6_sse_resync_requests_total", nil))
}
