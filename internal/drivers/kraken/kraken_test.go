package kraken

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pbsg/kraken-ingest/internal/crawler"
	"github.com/pbsg/kraken-ingest/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestDriver(out func(*models.OHLC), notify func(crawler.Event)) *Driver {
	return New(Config{
		Symbols:    []string{"BTC/USD", "ETH/USD"},
		Timeframes: []models.Timeframe{models.TF15m, models.TF1h},
		Snapshot:   true,
		Logger:     testLogger(),
		Limiter:    rate.NewLimiter(rate.Inf, 1),
		Out:        out,
		Notify:     notify,
	})
}

func TestSubscribePayload(t *testing.T) {
	d := newTestDriver(nil, nil)

	first := d.subscribePayload(models.TF15m)
	second := d.subscribePayload(models.TF1h)

	if first.Method != "subscribe" {
		t.Errorf("Expected method subscribe, got %q", first.Method)
	}
	if first.Params.Channel != "ohlc" {
		t.Errorf("Expected channel ohlc, got %q", first.Params.Channel)
	}
	if len(first.Params.Symbol) != 2 || first.Params.Symbol[0] != "BTC/USD" {
		t.Errorf("Unexpected symbol list: %v", first.Params.Symbol)
	}
	if first.Params.Interval != 15 {
		t.Errorf("Expected interval 15, got %d", first.Params.Interval)
	}
	if first.Params.Snapshot == nil || !*first.Params.Snapshot {
		t.Error("Expected snapshot=true in payload")
	}
	if second.Params.Interval != 60 {
		t.Errorf("Expected interval 60, got %d", second.Params.Interval)
	}
	if first.ReqID == second.ReqID {
		t.Errorf("Expected distinct req_ids, both were %d", first.ReqID)
	}
}

func TestHandleCandleFrames(t *testing.T) {
	const frame = `{
		"channel": "ohlc",
		"type": "%s",
		"data": [
			{"symbol": "BTC/USD", "open": 64000.1, "high": 64100.0, "low": 63900.5,
			 "close": 64050.2, "vwap": 64010.7, "trades": 245, "volume": 12.55,
			 "interval_begin": "2024-05-01T10:15:00.000000000Z", "interval": 15},
			{"symbol": "ETH/USD", "open": 3000.0, "high": 3010.0, "low": 2990.0,
			 "close": 3005.0, "vwap": 3002.1, "trades": 80, "volume": 42.0,
			 "interval_begin": "2024-05-01T10:00:00.000000000Z", "interval": 60}
		]
	}`

	for _, typ := range []string{"snapshot", "update"} {
		t.Run(typ, func(t *testing.T) {
			var got []*models.OHLC
			d := newTestDriver(func(rec *models.OHLC) { got = append(got, rec) }, nil)

			raw := []byte(strings.Replace(frame, "%s", typ, 1))
			if err := d.HandleMessage(raw); err != nil {
				t.Fatalf("HandleMessage returned error: %v", err)
			}

			if len(got) != 2 {
				t.Fatalf("Expected 2 candles, got %d", len(got))
			}

			btc := got[0]
			if btc.Symbol != "BTC/USD" || btc.Timeframe != models.TF15m {
				t.Errorf("Unexpected candle identity: %s %s", btc.Symbol, btc.Timeframe)
			}
			wantOpen := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
			if !btc.OpenTime.Equal(wantOpen) {
				t.Errorf("Expected open time %v, got %v", wantOpen, btc.OpenTime)
			}
			if btc.Open.String() != "64000.1" || btc.Close.String() != "64050.2" {
				t.Errorf("Unexpected prices: open=%s close=%s", btc.Open, btc.Close)
			}
			if btc.Trades != 245 {
				t.Errorf("Expected 245 trades, got %d", btc.Trades)
			}
			if btc.Source != Source {
				t.Errorf("Expected source %q, got %q", Source, btc.Source)
			}

			eth := got[1]
			if eth.Symbol != "ETH/USD" || eth.Timeframe != models.TF1h {
				t.Errorf("Unexpected candle identity: %s %s", eth.Symbol, eth.Timeframe)
			}
		})
	}
}

func TestMalformedCandleDropped(t *testing.T) {
	tests := []struct {
		name string
		bad  string
	}{
		{
			name: "bad interval_begin",
			bad: `{"symbol": "BTC/USD", "open": 1, "high": 2, "low": 0.5, "close": 1.5,
				"volume": 1, "interval_begin": "not-a-time", "interval": 15}`,
		},
		{
			name: "unknown interval",
			bad: `{"symbol": "BTC/USD", "open": 1, "high": 2, "low": 0.5, "close": 1.5,
				"volume": 1, "interval_begin": "2024-05-01T10:15:00Z", "interval": 7}`,
		},
		{
			name: "high below low",
			bad: `{"symbol": "BTC/USD", "open": 1, "high": 0.1, "low": 0.5, "close": 1.5,
				"volume": 1, "interval_begin": "2024-05-01T10:15:00Z", "interval": 15}`,
		},
		{
			name: "missing symbol",
			bad: `{"open": 1, "high": 2, "low": 0.5, "close": 1.5,
				"volume": 1, "interval_begin": "2024-05-01T10:15:00Z", "interval": 15}`,
		},
	}

	const good = `{"symbol": "ETH/USD", "open": 3000, "high": 3010, "low": 2990, "close": 3005,
		"volume": 1, "interval_begin": "2024-05-01T10:00:00Z", "interval": 60}`

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []*models.OHLC
			d := newTestDriver(func(rec *models.OHLC) { got = append(got, rec) }, nil)

			raw := []byte(`{"channel": "ohlc", "type": "update", "data": [` + tt.bad + `,` + good + `]}`)
			if err := d.HandleMessage(raw); err != nil {
				t.Fatalf("HandleMessage returned error: %v", err)
			}

			if len(got) != 1 || got[0].Symbol != "ETH/USD" {
				t.Fatalf("Expected only the well-formed candle to pass, got %d records", len(got))
			}
		})
	}
}

func TestControlFramesIgnored(t *testing.T) {
	frames := map[string]string{
		"heartbeat": `{"channel": "heartbeat"}`,
		"status":    `{"channel": "status", "type": "update", "data": [{"system": "online"}]}`,
		"unknown":   `{"channel": "instrument", "type": "update"}`,
	}

	for name, raw := range frames {
		t.Run(name, func(t *testing.T) {
			emitted := 0
			d := newTestDriver(func(*models.OHLC) { emitted++ }, nil)
			if err := d.HandleMessage([]byte(raw)); err != nil {
				t.Fatalf("HandleMessage returned error: %v", err)
			}
			if emitted != 0 {
				t.Errorf("Expected no candles from %s frame, got %d", name, emitted)
			}
		})
	}
}

func TestRejectedAckNotifies(t *testing.T) {
	var events []crawler.Event
	d := newTestDriver(nil, func(e crawler.Event) { events = append(events, e) })

	raw := []byte(`{"method": "subscribe", "success": false, "error": "Currency pair not supported", "req_id": 1}`)
	if err := d.HandleMessage(raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}

	if len(events) != 1 || events[0].Type != crawler.EventSubscribeFailed {
		t.Fatalf("Expected one SubscribeFailed event, got %v", events)
	}
	if !strings.Contains(events[0].Err.Error(), "Currency pair not supported") {
		t.Errorf("Expected rejection reason in error, got %v", events[0].Err)
	}
}

func TestSuccessfulAckSilent(t *testing.T) {
	var events []crawler.Event
	d := newTestDriver(nil, func(e crawler.Event) { events = append(events, e) })

	raw := []byte(`{"method": "subscribe", "success": true, "req_id": 1, "result": {"channel": "ohlc"}}`)
	if err := d.HandleMessage(raw); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events for a successful ack, got %v", events)
	}
}

func TestUnparseableEnvelope(t *testing.T) {
	d := newTestDriver(nil, nil)
	if err := d.HandleMessage([]byte(`{not json`)); err == nil {
		t.Error("Expected error for unparseable frame")
	}
}

// TestResubscribeAfterReconnect runs the driver under a real session against a
// local websocket server that kills the first connection, and verifies the
// second connection receives the identical subscription set.
func TestResubscribeAfterReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping reconnect test in short mode")
	}

	upgrader := websocket.Upgrader{}
	var connCount atomic.Int32
	subs := make(chan subscribeRequest, 16)
	secondConnReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := connCount.Add(1)
		for i := 0; i < 2; i++ {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req subscribeRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				t.Errorf("Server received invalid subscribe: %v", err)
				return
			}
			subs <- req
		}

		if n == 1 {
			// Abrupt drop, no close frame: the client must reconnect and
			// re-issue every subscription.
			conn.UnderlyingConn().Close()
			return
		}

		close(secondConnReady)
		candle := `{"channel": "ohlc", "type": "update", "data": [
			{"symbol": "BTC/USD", "open": 1, "high": 2, "low": 0.5, "close": 1.5,
			 "volume": 1, "interval_begin": "2024-05-01T10:15:00Z", "interval": 15}]}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(candle)); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	out := make(chan *models.OHLC, 4)
	d := newTestDriver(func(rec *models.OHLC) { out <- rec }, nil)

	cfg := crawler.DefaultWebSocketConfig(wsURL)
	session := crawler.NewSession(cfg, testLogger())
	session.OnConnect = d.SubscribeAll
	session.OnMessage = d.HandleMessage

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessionDone := make(chan struct{})
	go func() {
		defer close(sessionDone)
		session.Run(ctx)
	}()

	var received []subscribeRequest
	deadline := time.After(10 * time.Second)
	for len(received) < 4 {
		select {
		case req := <-subs:
			received = append(received, req)
		case <-deadline:
			t.Fatalf("Timed out waiting for resubscription, got %d subscribes", len(received))
		}
	}

	firstConn := received[:2]
	secondConn := received[2:]
	for i := range firstConn {
		if firstConn[i].Params.Interval != secondConn[i].Params.Interval {
			t.Errorf("Resubscribe interval mismatch at %d: %d vs %d",
				i, firstConn[i].Params.Interval, secondConn[i].Params.Interval)
		}
		if len(firstConn[i].Params.Symbol) != len(secondConn[i].Params.Symbol) {
			t.Errorf("Resubscribe symbol set mismatch at %d", i)
		}
	}

	select {
	case <-secondConnReady:
	case <-time.After(10 * time.Second):
		t.Fatal("Second connection never established")
	}

	select {
	case rec := <-out:
		if rec.Symbol != "BTC/USD" || rec.Timeframe != models.TF15m {
			t.Errorf("Unexpected candle after reconnect: %s %s", rec.Symbol, rec.Timeframe)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Candle from the second connection never arrived")
	}

	cancel()
	select {
	case <-sessionDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not stop after cancellation")
	}
}
