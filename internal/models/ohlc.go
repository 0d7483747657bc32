// Package models defines the domain models used across the application.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is a fixed candle bucket size.
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF6h  Timeframe = "6h"
)

// timeframeMinutes maps each timeframe to its bucket size in minutes.
// Kraken's WS v2 API identifies OHLC subscriptions by interval minutes.
var timeframeMinutes = map[Timeframe]int{
	TF15m: 15,
	TF1h:  60,
	TF4h:  240,
	TF6h:  360,
}

// ParseTimeframe parses a timeframe from its string form ("15m")
// or from Kraken's interval-minutes form ("15").
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeMinutes[tf]; ok {
		return tf, nil
	}
	for tf, mins := range timeframeMinutes {
		if s == fmt.Sprintf("%d", mins) {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// TimeframeFromMinutes maps Kraken interval minutes to a Timeframe.
func TimeframeFromMinutes(mins int) (Timeframe, error) {
	for tf, m := range timeframeMinutes {
		if m == mins {
			return tf, nil
		}
	}
	return "", fmt.Errorf("unknown interval %d minutes", mins)
}

// Minutes returns the bucket size in minutes.
func (tf Timeframe) Minutes() int { return timeframeMinutes[tf] }

// Duration returns the bucket size as a time.Duration.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(timeframeMinutes[tf]) * time.Minute
}

// OHLC represents a single candle for one symbol/timeframe/time bucket.
// Records are immutable after creation; a later correction for the same
// identity key replaces the stored row (last write wins).
type OHLC struct {
	// Symbol is the normalized trading pair (e.g., "BTC/USD").
	Symbol string `json:"symbol"`

	// Timeframe is the candle bucket size.
	Timeframe Timeframe `json:"timeframe"`

	// OpenTime is the bucket start, UTC.
	OpenTime time.Time `json:"open_time"`

	// Open is the opening price of the candle.
	Open decimal.Decimal `json:"open"`

	// High is the highest price during the candle period.
	High decimal.Decimal `json:"high"`

	// Low is the lowest price during the candle period.
	Low decimal.Decimal `json:"low"`

	// Close is the closing price of the candle.
	Close decimal.Decimal `json:"close"`

	// Volume is the traded base volume during the candle period.
	Volume decimal.Decimal `json:"volume"`

	// VWAP is the volume-weighted average price reported by the exchange.
	VWAP decimal.Decimal `json:"vwap"`

	// Trades is the number of trades in the bucket.
	Trades int `json:"trades"`

	// Source is the exchange identifier (e.g., "kraken").
	Source string `json:"source"`
}

// Key is the identity of a candle: no two stored records share one.
type Key struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  int64 // unix seconds, UTC
	Source    string
}

// Key returns the identity key for this record.
func (c *OHLC) Key() Key {
	return Key{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		OpenTime:  c.OpenTime.Unix(),
		Source:    c.Source,
	}
}

// Validate checks structural invariants before a record enters the pipeline.
func (c *OHLC) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if c.Source == "" {
		return fmt.Errorf("missing source")
	}
	if _, ok := timeframeMinutes[c.Timeframe]; !ok {
		return fmt.Errorf("unknown timeframe %q", c.Timeframe)
	}
	if c.OpenTime.IsZero() {
		return fmt.Errorf("missing open_time")
	}
	maxOC := decimal.Max(c.Open, c.Close)
	minOC := decimal.Min(c.Open, c.Close)
	if c.High.LessThan(maxOC) {
		return fmt.Errorf("high %s below max(open, close) %s", c.High, maxOC)
	}
	if c.Low.GreaterThan(minOC) {
		return fmt.Errorf("low %s above min(open, close) %s", c.Low, minOC)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("negative volume %s", c.Volume)
	}
	return nil
}
