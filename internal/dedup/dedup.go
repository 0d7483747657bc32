// Package dedup suppresses re-delivered OHLC records within a bounded
// recency window. After a reconnect the exchange replays the snapshot, so
// the same identity key arrives again; this filter drops those replays
// before they reach the queue.
//
// The filter is best-effort and bounded-memory: suppression is guaranteed
// only within the window. The storage layer's upsert-by-identity-key is the
// correctness backstop for anything older.
package dedup

import (
	"github.com/pbsg/kraken-ingest/internal/models"
)

// Filter tracks recently admitted identity keys per (symbol, timeframe,
// source). It is owned by the adapter goroutine and is not safe for
// concurrent use.
type Filter struct {
	capacity int
	seen     map[pair]*window
}

// pair carries every identity-key component except the bucket timestamp,
// so records from a second source can never cross-suppress.
type pair struct {
	symbol    string
	timeframe models.Timeframe
	source    string
}

// window holds the most recent admitted bucket timestamps for one pair.
type window struct {
	times map[int64]struct{}
}

// New creates a Filter keeping up to capacity bucket timestamps per
// (symbol, timeframe, source). Capacity should cover the maximum plausible
// reconnect-replay span; 512 15-minute buckets is over five days.
func New(capacity int) *Filter {
	if capacity <= 0 {
		capacity = 512
	}
	return &Filter{
		capacity: capacity,
		seen:     make(map[pair]*window),
	}
}

// Admit reports whether this record's identity key is seen for the first
// time within the recency window. False means the caller drops the record.
func (f *Filter) Admit(rec *models.OHLC) bool {
	p := pair{symbol: rec.Symbol, timeframe: rec.Timeframe, source: rec.Source}
	w, ok := f.seen[p]
	if !ok {
		w = &window{times: make(map[int64]struct{}, f.capacity)}
		f.seen[p] = w
	}

	ts := rec.OpenTime.Unix()
	if _, dup := w.times[ts]; dup {
		return false
	}

	if len(w.times) >= f.capacity {
		w.evictOldest()
	}
	w.times[ts] = struct{}{}
	return true
}

// Len returns the number of cached keys for one (symbol, timeframe, source).
func (f *Filter) Len(symbol string, tf models.Timeframe, source string) int {
	if w, ok := f.seen[pair{symbol: symbol, timeframe: tf, source: source}]; ok {
		return len(w.times)
	}
	return 0
}

// evictOldest removes the smallest bucket timestamp. Re-delivery is
// overwhelmingly recent data, so the oldest key is the safest to forget.
func (w *window) evictOldest() {
	var oldest int64
	first := true
	for ts := range w.times {
		if first || ts < oldest {
			oldest = ts
			first = false
		}
	}
	if !first {
		delete(w.times, oldest)
	}
}
