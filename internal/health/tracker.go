// Package health aggregates connection and storage lifecycle events into a
// process-wide health snapshot consumed by external monitoring.
package health

import (
	"sync"
	"time"
)

// Status is a coarse health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// EventType identifies a pipeline lifecycle event.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventMessageReceived
	EventSubscribeFailed
	EventFlushOK
	EventFlushError
	EventStorageFatal
	EventRecordsDropped
	EventDuplicateDropped
)

// Event is a single lifecycle notification. Count carries how many records
// an event covers (flushed, dropped); zero means one.
type Event struct {
	Type  EventType
	Err   error
	Count int
	At    time.Time
}

// Config holds the degradation thresholds.
type Config struct {
	// StalenessThreshold marks the feed unhealthy when last_message_at
	// exceeds it.
	StalenessThreshold time.Duration

	// ErrorRateCeiling is the errors-per-minute ceiling.
	ErrorRateCeiling float64
}

// errorRateWindow is the sliding window over which error_rate is computed.
const errorRateWindow = time.Minute

// Tracker is a pure aggregator: Record updates counters, Snapshot is a
// point-in-time copy taken under a short-lived lock and safe from any
// number of concurrent callers. It performs no I/O and takes no action on
// degradation; thresholds are surfaced for external alerting only.
type Tracker struct {
	cfg     Config
	metrics *Metrics

	mu             sync.Mutex
	started        time.Time
	connected      bool
	everConnected  bool
	lastMessageAt  time.Time
	reconnectCount int
	storageFatal   bool
	errorTimes     []time.Time

	depthFn func() (depth, capacity int)
}

// Snapshot is the externally visible health state.
type Snapshot struct {
	Status         Status     `json:"status"`
	Connected      bool       `json:"connected"`
	LastMessageAt  *time.Time `json:"last_message_at"`
	ReconnectCount int        `json:"reconnect_count"`
	UptimeSeconds  float64    `json:"uptime_seconds"`
	QueueDepth     int        `json:"queue_depth"`
	ErrorRate      float64    `json:"error_rate"`
}

// NewTracker creates a Tracker. metrics may be nil.
func NewTracker(cfg Config, metrics *Metrics) *Tracker {
	return &Tracker{
		cfg:     cfg,
		metrics: metrics,
		started: time.Now(),
	}
}

// SetQueueDepthFunc registers the queue depth probe used by Snapshot.
func (t *Tracker) SetQueueDepthFunc(fn func() (depth, capacity int)) {
	t.mu.Lock()
	t.depthFn = fn
	t.mu.Unlock()
}

// Record updates counters for one lifecycle event.
func (t *Tracker) Record(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	count := e.Count
	if count == 0 {
		count = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Type {
	case EventConnected:
		if t.everConnected {
			// Reconnect counter persists across reconnects; it resets only
			// on process restart.
			t.reconnectCount++
			if t.metrics != nil {
				t.metrics.Reconnects.Inc()
			}
		}
		t.everConnected = true
		t.connected = true

	case EventDisconnected:
		t.connected = false
		t.recordError(e.At)

	case EventMessageReceived:
		t.lastMessageAt = e.At
		if t.metrics != nil {
			t.metrics.MessagesReceived.Inc()
		}

	case EventSubscribeFailed:
		t.recordError(e.At)
		if t.metrics != nil {
			t.metrics.SubscribeFailures.Inc()
		}

	case EventFlushOK:
		if t.metrics != nil {
			t.metrics.RecordsFlushed.Add(float64(count))
			t.metrics.FlushesTotal.Inc()
		}

	case EventFlushError:
		t.recordError(e.At)
		if t.metrics != nil {
			t.metrics.FlushFailures.Inc()
		}

	case EventStorageFatal:
		// The per-attempt FlushError events already counted the failures;
		// this only latches the fatal condition.
		t.storageFatal = true
		t.recordError(e.At)

	case EventRecordsDropped:
		t.recordError(e.At)
		if t.metrics != nil {
			t.metrics.RecordsDropped.Add(float64(count))
		}

	case EventDuplicateDropped:
		if t.metrics != nil {
			t.metrics.DuplicatesDropped.Add(float64(count))
		}
	}
}

// recordError appends to the sliding error window. Caller holds the lock.
func (t *Tracker) recordError(at time.Time) {
	t.errorTimes = append(t.errorTimes, at)
	t.pruneErrors(at)
}

func (t *Tracker) pruneErrors(now time.Time) {
	cutoff := now.Add(-errorRateWindow)
	idx := 0
	for idx < len(t.errorTimes) && t.errorTimes[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		t.errorTimes = append(t.errorTimes[:0], t.errorTimes[idx:]...)
	}
}

// Snapshot returns a point-in-time copy of the health state.
func (t *Tracker) Snapshot() Snapshot {
	now := time.Now()

	t.mu.Lock()
	t.pruneErrors(now)
	snap := Snapshot{
		Connected:      t.connected,
		ReconnectCount: t.reconnectCount,
		UptimeSeconds:  now.Sub(t.started).Seconds(),
		ErrorRate:      float64(len(t.errorTimes)) / errorRateWindow.Minutes(),
	}
	if !t.lastMessageAt.IsZero() {
		at := t.lastMessageAt
		snap.LastMessageAt = &at
	}
	stale := t.lastMessageAt.IsZero() || now.Sub(t.lastMessageAt) > t.cfg.StalenessThreshold
	fatal := t.storageFatal
	depthFn := t.depthFn
	t.mu.Unlock()

	pinned := false
	if depthFn != nil {
		depth, capacity := depthFn()
		snap.QueueDepth = depth
		pinned = capacity > 0 && depth >= capacity
	}

	if t.metrics != nil {
		t.metrics.QueueDepth.Set(float64(snap.QueueDepth))
	}

	// OR'd degradation conditions, surfaced for alerting, never acted on here.
	if stale || fatal || pinned || (t.cfg.ErrorRateCeiling > 0 && snap.ErrorRate > t.cfg.ErrorRateCeiling) {
		snap.Status = StatusUnhealthy
	} else {
		snap.Status = StatusHealthy
	}
	return snap
}
