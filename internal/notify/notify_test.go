package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

type captureSender struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureSender) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *captureSender) Name() string { return "capture" }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, []string{domain.AlertBreaker}, 0, 1, discard())

	require.NoError(t, n.Notify(context.Background(), domain.AlertResolved, "t", "m"))
	require.NoError(t, n.Notify(context.Background(), domain.AlertBreaker, "Breaker open", "m"))
	require.Len(t, s.alerts, 1)
	assert.Equal(t, SeverityWarning, s.alerts[0].Severity)
}

func TestNotifierThrottlesButNotCritical(t *testing.T) {
	s := &captureSender{}
	n := NewNotifier([]Sender{s}, nil, time.Hour, 2, discard())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(ctx, domain.AlertBreaker, "flap", "m"))
		require.NoError(t, n.Notify(ctx, domain.AlertUnwindFailed, "unwind", "m"))
	}
	var breaker, unwind int
	for _, a := range s.alerts {
		switch a.Event {
		case domain.AlertBreaker:
			breaker++
		case domain.AlertUnwindFailed:
			unwind++
			assert.Equal(t, SeverityCritical, a.Severity)
		}
	}
	assert.Equal(t, 2, breaker)
	assert.Equal(t, 5, unwind)
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	ok := &captureSender{}
	bad := &captureSender{err: errors.New("down")}
	n := NewNotifier([]Sender{bad, ok}, nil, 0, 1, discard())

	err := n.Notify(context.Background(), domain.AlertOrphanOrder, "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.alerts, 1)
}

func TestDiscordAndTelegramPayloads(t *testing.T) {
	var mu sync.Mutex
	bodies := map[string]map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := Alert{Event: domain.AlertCommitFailed, Severity: SeverityCritical, Title: "Commit failed", Message: "order x"}
	require.NoError(t, NewDiscordSender(srv.URL+"/hook").Send(context.Background(), a))
	require.NoError(t, NewTelegramSender("tok", "42").WithBaseURL(srv.URL).Send(context.Background(), a))

	embeds := bodies["/hook"]["embeds"].([]any)
	embed := embeds[0].(map[string]any)
	assert.Equal(t, "Commit failed", embed["title"])
	assert.EqualValues(t, 0xe74c3c, embed["color"])

	tg := bodies["/bottok/sendMessage"]
	assert.Equal(t, "42", tg["chat_id"])
	assert.Contains(t, tg["text"], "order x")
}

func TestSenderReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()
	err := NewDiscordSender(srv.URL).Send(context.Background(), Alert{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
