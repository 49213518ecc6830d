package polymarket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

var (
	// ErrMalformed marks a market-channel frame that is not valid JSON or is
	// missing required fields.
	ErrMalformed = errors.New("polymarket/ws: malformed message")
	// ErrUnhandled marks a well-formed frame of a type the feed ignores.
	ErrUnhandled = errors.New("polymarket/ws: unhandled message type")
)

// Event is one validated market-channel message. The concrete types are
// TradeEvent and QuoteEvent.
type Event interface {
	Asset() string
	Time() time.Time
	event()
}

// TradeEvent is a last_trade_price message.
type TradeEvent struct {
	AssetID string
	Price   float64
	Size    float64
	At      time.Time
}

func (e TradeEvent) Asset() string   { return e.AssetID }
func (e TradeEvent) Time() time.Time { return e.At }
func (TradeEvent) event()            {}

// QuoteEvent carries top of book, from either a book snapshot or a
// price_change. Either side may be zero when the book is one-sided.
type QuoteEvent struct {
	AssetID string
	BestBid float64
	BestAsk float64
	At      time.Time
}

func (e QuoteEvent) Asset() string   { return e.AssetID }
func (e QuoteEvent) Time() time.Time { return e.At }
func (QuoteEvent) event()            {}

// Mid returns the bid/ask midpoint, or false when either side is missing.
func (e QuoteEvent) Mid() (float64, bool) {
	if e.BestBid <= 0 || e.BestAsk <= 0 {
		return 0, false
	}
	return (e.BestBid + e.BestAsk) / 2, true
}

// Wire shapes of the market channel.

type wireEnvelope struct {
	EventType string `json:"event_type"`
	MsgType   string `json:"msg_type"`
}

type wireTrade struct {
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wireBook struct {
	AssetID   string      `json:"asset_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

type wirePriceChange struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wirePriceChanges struct {
	wirePriceChange
	Changes   []wirePriceChange `json:"price_changes"`
	Timestamp string            `json:"timestamp"`
}

// DecodeEvents validates a raw frame into events. A frame may hold a single
// object or an array of them. now stamps messages that carry no timestamp.
// Frames of types the feed does not use return ErrUnhandled; anything else
// that fails validation returns an error wrapping ErrMalformed.
func DecodeEvents(raw []byte, now time.Time) ([]Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if raw[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		var out []Event
		var firstErr error
		for _, p := range parts {
			evs, err := decodeOne(p, now)
			if err != nil {
				if firstErr == nil && !errors.Is(err, ErrUnhandled) {
					firstErr = err
				}
				continue
			}
			out = append(out, evs...)
		}
		if len(out) == 0 && firstErr != nil {
			return nil, firstErr
		}
		return out, nil
	}
	return decodeOne(raw, now)
}

func decodeOne(raw []byte, now time.Time) ([]Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind := env.EventType
	if kind == "" {
		kind = env.MsgType
	}

	switch kind {
	case "last_trade_price":
		var w wireTrade
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: last_trade_price: %v", ErrMalformed, err)
		}
		if w.AssetID == "" {
			return nil, fmt.Errorf("%w: last_trade_price without asset_id", ErrMalformed)
		}
		price, err := parseDecimal(w.Price)
		if err != nil {
			return nil, fmt.Errorf("%w: last_trade_price price: %v", ErrMalformed, err)
		}
		size, _ := parseDecimal(w.Size)
		return []Event{TradeEvent{AssetID: w.AssetID, Price: price, Size: size, At: parseTimestamp(w.Timestamp, now)}}, nil

	case "book":
		var w wireBook
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: book: %v", ErrMalformed, err)
		}
		if w.AssetID == "" {
			return nil, fmt.Errorf("%w: book without asset_id", ErrMalformed)
		}
		ev := QuoteEvent{AssetID: w.AssetID, At: parseTimestamp(w.Timestamp, now)}
		for _, l := range w.Bids {
			if p, err := parseDecimal(l.Price); err == nil && p > ev.BestBid {
				ev.BestBid = p
			}
		}
		for _, l := range w.Asks {
			if p, err := parseDecimal(l.Price); err == nil && (ev.BestAsk == 0 || p < ev.BestAsk) {
				ev.BestAsk = p
			}
		}
		return []Event{ev}, nil

	case "price_change":
		var w wirePriceChanges
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: price_change: %v", ErrMalformed, err)
		}
		at := parseTimestamp(w.Timestamp, now)
		changes := w.Changes
		if len(changes) == 0 {
			changes = []wirePriceChange{w.wirePriceChange}
		}
		out := make([]Event, 0, len(changes))
		for _, c := range changes {
			if c.AssetID == "" {
				continue
			}
			bid, errB := parseDecimal(c.BestBid)
			ask, errA := parseDecimal(c.BestAsk)
			if errB != nil && errA != nil {
				continue
			}
			out = append(out, QuoteEvent{AssetID: c.AssetID, BestBid: bid, BestAsk: ask, At: at})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("%w: price_change without best bid/ask", ErrMalformed)
		}
		return out, nil

	case "":
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandled, kind)
	}
}

// parseDecimal parses a venue decimal string, rejecting empty and
// non-finite values.
func parseDecimal(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty decimal")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite decimal %q", s)
	}
	return v, nil
}

// parseTimestamp accepts unix seconds or milliseconds.
func parseTimestamp(s string, fallback time.Time) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
