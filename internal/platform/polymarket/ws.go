package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/retry"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// stableSession is how long a session must last before the reconnect
	// backoff starts again from its first step.
	stableSession = time.Minute
)

// DefaultReconnect is the reconnect backoff used when none is configured.
var DefaultReconnect = retry.Policy{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Jitter: 0.2}

// errResubscribe ends a session so the next one subscribes to a new asset set.
var errResubscribe = errors.New("asset set changed")

// subscribeMessage is the market channel subscription frame.
type subscribeMessage struct {
	Type   string   `json:"type"`
	Assets []string `json:"assets_ids"`
}

// WSClient is a market channel session against the Polymarket CLOB
// WebSocket. Run owns the connection: it dials, subscribes to the current
// asset set, hands every frame to the caller and reconnects with backoff
// until ctx is done.
type WSClient struct {
	wsURL     string
	dialer    websocket.Dialer
	reconnect retry.Policy
	logger    *slog.Logger

	mu     sync.Mutex
	assets []string
	conn   *websocket.Conn

	writeMu sync.Mutex
}

// NewWSClient creates a market channel client.
//
// wsURL is the CLOB WebSocket endpoint, e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewWSClient(wsURL string, reconnect retry.Policy, logger *slog.Logger) *WSClient {
	if reconnect.BaseDelay <= 0 {
		reconnect = DefaultReconnect
	}
	return &WSClient{
		wsURL:     wsURL,
		dialer:    websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		reconnect: reconnect,
		logger:    logger.With(slog.String("component", "polymarket_ws")),
	}
}

// SetAssets replaces the subscribed asset set. A live session is closed so
// the next one subscribes to the full new set.
func (w *WSClient) SetAssets(_ context.Context, assetIDs []string) error {
	next := slices.Clone(assetIDs)
	slices.Sort(next)
	next = slices.Compact(next)

	w.mu.Lock()
	if slices.Equal(next, w.assets) {
		w.mu.Unlock()
		return nil
	}
	w.assets = next
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, errResubscribe.Error()),
			time.Now().Add(writeWait))
		w.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}

// Assets returns the current subscription.
func (w *WSClient) Assets() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.assets)
}

// Run blocks until ctx is done, delivering every inbound frame to handle.
func (w *WSClient) Run(ctx context.Context, handle func(ctx context.Context, raw []byte)) error {
	backoff := w.reconnect.Exponential()
	attempt := 0
	for {
		started := time.Now()
		err := w.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, errResubscribe) {
			attempt = 0
			backoff.Reset()
			continue
		}
		if time.Since(started) >= stableSession {
			attempt = 0
			backoff.Reset()
		}
		attempt++
		delay := backoff.NextBackOff()
		w.logger.Warn("market stream disconnected",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (w *WSClient) session(ctx context.Context, handle func(ctx context.Context, raw []byte)) error {
	conn, _, err := w.dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	defer conn.Close()

	w.mu.Lock()
	w.conn = conn
	assets := slices.Clone(w.assets)
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
	}()

	if len(assets) > 0 {
		if err := w.writeJSON(conn, subscribeMessage{Type: "market", Assets: assets}); err != nil {
			return fmt.Errorf("polymarket/ws: subscribe: %w", err)
		}
	}
	w.logger.Info("market stream connected", slog.Int("assets", len(assets)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.pingLoop(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !slices.Equal(assets, w.Assets()) {
				return errResubscribe
			}
			return fmt.Errorf("polymarket/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		handle(ctx, msg)
	}
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (w *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *WSClient) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
