// Package kraken implements the Kraken WS v2 OHLC feed.
// API Doc: https://docs.kraken.com/api/docs/websocket-v2/ohlc
//
// Candle message format:
//
//	{
//	  "channel": "ohlc",
//	  "type": "snapshot" | "update",
//	  "data": [{
//	    "symbol": "BTC/USD", "open": 64000.1, "high": 64100.0,
//	    "low": 63900.5, "close": 64050.2, "vwap": 64010.7,
//	    "trades": 245, "volume": 12.55,
//	    "interval_begin": "2024-05-01T10:15:00.000000000Z", "interval": 15
//	  }]
//	}
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pbsg/kraken-ingest/internal/crawler"
	"github.com/pbsg/kraken-ingest/internal/models"
)

// Source is the exchange identifier stamped on every normalized record.
const Source = "kraken"

// Config holds driver dependencies and the subscription set.
type Config struct {
	// Symbols is the set of trading pairs to subscribe.
	Symbols []string

	// Timeframes is the set of candle intervals to subscribe.
	// Kraken keys OHLC subscriptions by interval, so each timeframe is
	// one subscribe request covering all symbols.
	Timeframes []models.Timeframe

	// Snapshot requests historical candles on subscribe.
	Snapshot bool

	Logger *logrus.Logger

	// Limiter throttles outbound subscribe writes so resubscription after a
	// reconnect cannot burst past the exchange rate limits.
	Limiter *rate.Limiter

	// Out receives each normalized candle.
	Out func(*models.OHLC)

	// Notify receives lifecycle events (subscribe failures). Optional.
	Notify func(crawler.Event)
}

// Driver normalizes Kraken WS v2 messages into OHLC records and manages
// the subscription handshake. All methods run on the session goroutine.
type Driver struct {
	cfg     Config
	reqID   int
	pending map[int]string // req_id -> subscription label, for ack matching
}

// New creates a Kraken OHLC driver.
func New(cfg Config) *Driver {
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Limit(5), 5)
	}
	return &Driver{
		cfg:     cfg,
		pending: make(map[int]string),
	}
}

// subscribeRequest is the WS v2 subscribe/unsubscribe envelope.
type subscribeRequest struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
	ReqID  int             `json:"req_id"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Interval int      `json:"interval"`
	Snapshot *bool    `json:"snapshot,omitempty"`
}

// envelope covers every inbound WS v2 frame shape we care about.
type envelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	ReqID   int             `json:"req_id"`
}

// wsCandle is one candle object inside an ohlc frame.
type wsCandle struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	VWAP          decimal.Decimal `json:"vwap"`
	Trades        int             `json:"trades"`
	Volume        decimal.Decimal `json:"volume"`
	IntervalBegin string          `json:"interval_begin"`
	Interval      int             `json:"interval"`
}

// subscribePayload builds the subscribe request for one timeframe.
func (d *Driver) subscribePayload(tf models.Timeframe) subscribeRequest {
	d.reqID++
	snapshot := d.cfg.Snapshot
	return subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{
			Channel:  "ohlc",
			Symbol:   d.cfg.Symbols,
			Interval: tf.Minutes(),
			Snapshot: &snapshot,
		},
		ReqID: d.reqID,
	}
}

// SubscribeAll issues the full subscription set on conn. It is wired as the
// session's OnConnect hook, so every reconnect re-subscribes everything.
func (d *Driver) SubscribeAll(ctx context.Context, conn *websocket.Conn) error {
	for _, tf := range d.cfg.Timeframes {
		if err := d.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}

		req := d.subscribePayload(tf)
		d.pending[req.ReqID] = fmt.Sprintf("ohlc_%d", tf.Minutes())

		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe ohlc_%d: %w", tf.Minutes(), err)
		}
		d.cfg.Logger.Infof("Subscribed to %s OHLC for %v", tf, d.cfg.Symbols)
	}
	return nil
}

// HandleMessage parses one inbound frame. A malformed candle is dropped and
// logged; the stream continues. Only an unparseable envelope is surfaced.
func (d *Driver) HandleMessage(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	switch {
	case env.Method == "subscribe" || env.Method == "unsubscribe":
		d.handleAck(env)
		return nil

	case env.Channel == "ohlc":
		d.handleCandles(env.Data)
		return nil

	case env.Channel == "heartbeat" || env.Channel == "status":
		// Server liveness signals, no payload to process. They still count
		// as received messages for staleness tracking upstream.
		return nil

	case env.Error != "":
		d.cfg.Logger.Errorf("Received error message: %s", env.Error)
		return nil

	default:
		d.cfg.Logger.Debugf("Unhandled message: %s", raw)
		return nil
	}
}

// handleAck matches subscribe acknowledgments to pending requests.
func (d *Driver) handleAck(env envelope) {
	label, known := d.pending[env.ReqID]
	delete(d.pending, env.ReqID)
	if !known {
		label = fmt.Sprintf("req_id=%d", env.ReqID)
	}

	if env.Success != nil && !*env.Success || env.Error != "" {
		err := fmt.Errorf("%s %s rejected: %s", env.Method, label, env.Error)
		d.cfg.Logger.Error(err)
		if d.cfg.Notify != nil {
			d.cfg.Notify(crawler.Event{Type: crawler.EventSubscribeFailed, Err: err, At: time.Now()})
		}
		return
	}
	d.cfg.Logger.Debugf("%s acknowledged: %s", env.Method, label)
}

// handleCandles normalizes and emits each candle in an ohlc frame.
func (d *Driver) handleCandles(data json.RawMessage) {
	var candles []wsCandle
	if err := json.Unmarshal(data, &candles); err != nil {
		d.cfg.Logger.Errorf("Error parsing OHLC data: %v", err)
		return
	}

	for _, c := range candles {
		rec, err := d.normalize(c)
		if err != nil {
			d.cfg.Logger.Errorf("Dropping malformed candle: %v", err)
			continue
		}
		d.cfg.Out(rec)
	}
}

// normalize converts a Kraken candle to the internal OHLC record.
func (d *Driver) normalize(c wsCandle) (*models.OHLC, error) {
	tf, err := models.TimeframeFromMinutes(c.Interval)
	if err != nil {
		return nil, err
	}

	openTime, err := time.Parse(time.RFC3339Nano, c.IntervalBegin)
	if err != nil {
		return nil, fmt.Errorf("bad interval_begin %q: %w", c.IntervalBegin, err)
	}

	rec := &models.OHLC{
		Symbol:    c.Symbol,
		Timeframe: tf,
		OpenTime:  openTime.UTC(),
		Open:      c.Open,
		High:      c.High,
		Low:       c.Low,
		Close:     c.Close,
		Volume:    c.Volume,
		VWAP:      c.VWAP,
		Trades:    c.Trades,
		Source:    Source,
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%s @ %s: %w", c.Symbol, c.IntervalBegin, err)
	}
	return rec, nil
}
