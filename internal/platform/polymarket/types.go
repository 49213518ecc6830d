package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// flexBool unmarshals from a JSON bool or a "true"/"false" string; Gamma
// sends both.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// SignedOrder is the order body accepted by POST /order.
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"` // "BUY" or "SELL"
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// PostOrderResult is the response from POST /order.
type PostOrderResult struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	OrderID      string `json:"orderID,omitempty"`
	Status       string `json:"status,omitempty"` // matched, live, delayed, unmatched
	MakingAmount string `json:"makingAmount,omitempty"`
	TakingAmount string `json:"takingAmount,omitempty"`
}

// APIOrder is an order as returned by GET /data/order/{id}.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"`
}

// VenueStatus maps a CLOB order or placement status onto the venue view.
func VenueStatus(s string) domain.VenueOrderStatus {
	switch strings.ToLower(s) {
	case "live", "open", "delayed", "order_status_live", "order_status_delayed":
		return domain.VenueOrderLive
	case "matched", "filled", "order_status_matched":
		return domain.VenueOrderMatched
	case "cancelled", "canceled", "unmatched", "order_status_canceled", "order_status_canceled_market_resolved":
		return domain.VenueOrderCancelled
	default:
		return domain.VenueOrderUnknown
	}
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is a market as returned by the Gamma API. Several list fields
// arrive as JSON-encoded strings.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"conditionId"`
	Slug          string   `json:"slug"`
	Active        flexBool `json:"active"`
	Closed        flexBool `json:"closed"`
	NegRisk       flexBool `json:"negRisk"`
	Outcomes      string   `json:"outcomes"`      // "[\"Yes\",\"No\"]"
	OutcomePrices string   `json:"outcomePrices"` // "[\"1\",\"0\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // "[\"123\",\"456\"]"
	EndDate       string   `json:"endDate"`
}

// TokenIDs decodes clobTokenIds.
func (m *APIMarket) TokenIDs() []string { return decodeList(m.ClobTokenIDs) }

// OutcomeNames decodes outcomes.
func (m *APIMarket) OutcomeNames() []string { return decodeList(m.Outcomes) }

// EndTime parses endDate, nil when absent or malformed.
func (m *APIMarket) EndTime() *time.Time {
	if m.EndDate == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, m.EndDate)
	if err != nil {
		return nil
	}
	return &t
}

// WinningToken returns the token whose final price is 1 once the market is
// closed. Anything short of a clean 1/0 settlement is treated as unresolved.
func (m *APIMarket) WinningToken() string {
	if !bool(m.Closed) {
		return ""
	}
	tokens := m.TokenIDs()
	prices := decodeList(m.OutcomePrices)
	if len(tokens) == 0 || len(tokens) != len(prices) {
		return ""
	}
	winner := ""
	for i, p := range prices {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return ""
		}
		switch {
		case v >= 0.999:
			if winner != "" {
				return ""
			}
			winner = tokens[i]
		case v > 0.001:
			return ""
		}
	}
	return winner
}

// Resolution converts m into the domain view.
func (m *APIMarket) Resolution() domain.ExternalResolution {
	return domain.ExternalResolution{
		ExternalMarketID: m.ConditionID,
		Closed:           bool(m.Closed),
		WinningTokenID:   m.WinningToken(),
		EndDate:          m.EndTime(),
	}
}

func decodeList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
