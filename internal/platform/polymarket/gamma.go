package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// serves market metadata and resolution state.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var (
	_ domain.ResolutionSource = (*GammaClient)(nil)
	_ domain.MarketDirectory  = (*GammaClient)(nil)
)

// NewGammaClient creates a Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string, requestsPerSecond float64) *GammaClient {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &GammaClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// MarketFilter narrows ListClosedMarkets.
type MarketFilter struct {
	ConditionIDs []string
	EndDateMin   time.Time
	Limit        int
	Offset       int
}

// GetMarket looks a market up by condition id.
func (g *GammaClient) GetMarket(ctx context.Context, conditionID string) (APIMarket, error) {
	params := url.Values{}
	params.Add("condition_ids", conditionID)
	markets, err := g.listMarkets(ctx, params)
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market %s: %w", conditionID, err)
	}
	if len(markets) == 0 {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: market %s: %w", conditionID, domain.ErrNotFound)
	}
	return markets[0], nil
}

// ListClosedMarkets returns closed markets matching f.
func (g *GammaClient) ListClosedMarkets(ctx context.Context, f MarketFilter) ([]APIMarket, error) {
	params := url.Values{}
	params.Set("closed", "true")
	for _, id := range f.ConditionIDs {
		params.Add("condition_ids", id)
	}
	if !f.EndDateMin.IsZero() {
		params.Set("end_date_min", f.EndDateMin.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		params.Set("offset", strconv.Itoa(f.Offset))
	}
	markets, err := g.listMarkets(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: list closed markets: %w", err)
	}
	return markets, nil
}

// GetResolution reports whether conditionID has closed and, once it has
// settled cleanly, which token won. A market that is still open reports
// Closed=false.
func (g *GammaClient) GetResolution(ctx context.Context, conditionID string) (domain.ExternalResolution, error) {
	closed, err := g.ListClosedMarkets(ctx, MarketFilter{ConditionIDs: []string{conditionID}, Limit: 1})
	if err != nil {
		return domain.ExternalResolution{}, err
	}
	if len(closed) > 0 {
		return closed[0].Resolution(), nil
	}
	m, err := g.GetMarket(ctx, conditionID)
	if err != nil {
		return domain.ExternalResolution{}, err
	}
	return m.Resolution(), nil
}

// MarketTokens pairs each CLOB token of conditionID with its outcome name.
func (g *GammaClient) MarketTokens(ctx context.Context, conditionID string) ([]domain.ExternalToken, error) {
	m, err := g.GetMarket(ctx, conditionID)
	if err != nil {
		return nil, err
	}
	tokens, names := m.TokenIDs(), m.OutcomeNames()
	if len(tokens) == 0 || len(tokens) != len(names) {
		return nil, fmt.Errorf("polymarket/gamma: market %s: %d tokens for %d outcomes", conditionID, len(tokens), len(names))
	}
	out := make([]domain.ExternalToken, len(tokens))
	for i := range tokens {
		out[i] = domain.ExternalToken{TokenID: tokens[i], Outcome: names[i]}
	}
	return out, nil
}

func (g *GammaClient) listMarkets(ctx context.Context, params url.Values) ([]APIMarket, error) {
	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, err
	}
	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	return markets, nil
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}
