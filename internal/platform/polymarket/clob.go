package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/ammhedge/internal/crypto"
	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB. Every request is
// paced by a token bucket so bursts of hedges stay under the venue's limits.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	limiter    *rate.Limiter
	now        func() time.Time

	mu    sync.RWMutex
	creds crypto.APICredentials
}

// NewClobClient creates a CLOB client. creds may be empty; call
// EnsureCredentials before authenticated requests in that case.
// requestsPerSecond <= 0 disables pacing.
func NewClobClient(baseURL string, signer *crypto.Signer, creds crypto.APICredentials, requestsPerSecond float64) *ClobClient {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = max(1, int(requestsPerSecond))
	}
	return &ClobClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		creds:      creds,
	}
}

// Credentials returns the current L2 credentials.
func (c *ClobClient) Credentials() crypto.APICredentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// EnsureCredentials derives L2 credentials when none were configured.
func (c *ClobClient) EnsureCredentials(ctx context.Context) error {
	if c.Credentials().Valid() {
		return nil
	}
	creds, err := c.DeriveAPIKey(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return nil
}

// DeriveAPIKey signs a ClobAuth attestation and exchanges it for the
// wallet's L2 credentials.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (crypto.APICredentials, error) {
	ts := c.now().Unix()
	sig, err := c.signer.SignAuth(ts, 0)
	if err != nil {
		return crypto.APICredentials{}, fmt.Errorf("polymarket/clob: %w: %w", domain.ErrSigningFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return crypto.APICredentials{}, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	body, err := c.do(req)
	if err != nil {
		return crypto.APICredentials{}, fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}
	var out struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return crypto.APICredentials{}, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	creds := crypto.APICredentials{Key: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}
	if !creds.Valid() {
		return crypto.APICredentials{}, fmt.Errorf("polymarket/clob: %w: incomplete credentials", domain.ErrUnauthorized)
	}
	return creds, nil
}

// PostOrder submits a signed order. orderType is one of GTC, FOK, FAK, GTD.
// A rejection the venue reports in-band is returned as a result with
// Success=false and no error.
func (c *ClobClient) PostOrder(ctx context.Context, order SignedOrder, orderType string) (PostOrderResult, error) {
	payload := map[string]any{
		"order":     order,
		"owner":     c.Credentials().Key,
		"orderType": orderType,
	}
	body, err := c.doAuthenticated(ctx, http.MethodPost, "/order", payload)
	if err != nil {
		return PostOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}
	var res PostOrderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return PostOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	return res, nil
}

// GetOrder fetches one order by id.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (APIOrder, error) {
	body, err := c.doAuthenticated(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	// Unknown ids come back as 200 with a null body.
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) || len(bytes.TrimSpace(body)) == 0 {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, domain.ErrNotFound)
	}
	var o APIOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return o, nil
}

// CancelOrder cancels one order. Cancelling an order that is already done
// is not an error.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body, err := c.doAuthenticated(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	var res struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := res.NotCanceled[orderID]; ok && !alreadyDone(reason) {
		return fmt.Errorf("polymarket/clob: cancel order %s: %s", orderID, reason)
	}
	return nil
}

// NegRisk reports whether tokenID trades on the neg-risk exchange.
func (c *ClobClient) NegRisk(ctx context.Context, tokenID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/neg-risk?token_id="+tokenID, nil)
	if err != nil {
		return false, fmt.Errorf("polymarket/clob: create request: %w", err)
	}
	body, err := c.paced(req)
	if err != nil {
		return false, fmt.Errorf("polymarket/clob: neg risk %s: %w", tokenID, err)
	}
	var res struct {
		NegRisk bool `json:"neg_risk"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return false, fmt.Errorf("polymarket/clob: decode neg risk: %w", err)
	}
	return res.NegRisk, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func alreadyDone(reason string) bool {
	reason = strings.ToLower(reason)
	for _, s := range []string{"already canceled", "already cancelled", "matched", "not found"} {
		if strings.Contains(reason, s) {
			return true
		}
	}
	return false
}

// doAuthenticated signs the request with L2 headers, waits for the
// limiter and returns the body.
func (c *ClobClient) doAuthenticated(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	creds := c.Credentials()
	if !creds.Valid() {
		return nil, fmt.Errorf("%w: no L2 credentials", domain.ErrUnauthorized)
	}
	creds.Apply(req.Header, c.signer.Address().Hex(), method, path, string(raw), c.now())
	return c.paced(req)
}

func (c *ClobClient) paced(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
	}
	return c.do(req)
}

func (c *ClobClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
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

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
