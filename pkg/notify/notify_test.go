package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"validator_fleet/pkg/security"
)

// recordingSink collects every delivered notification
type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	gate chan struct{}
}

func (r *recordingSink) Send(ctx context.Context, n Notification) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingSink) received() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func TestMulti(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("b down")}
	c := &recordingSink{}

	err := Multi{a, b, c}.Send(context.Background(), Notification{Severity: SeverityInfo, Subject: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b down")

	assert.Len(t, a.received(), 1)
	assert.Len(t, c.received(), 1, "a failing sink must not stop the others")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Send(context.Background(), Notification{
		Severity: SeverityCritical, Target: "node-1", Subject: "Height regression", Message: "100 -> 99",
	}))
	require.NoError(t, sink.Send(context.Background(), Notification{Severity: SeverityWarning, Target: "node-2"}))
	assert.Error(t, sink.Send(context.Background(), Notification{Severity: "loud"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "node-1", entries[0].ContextMap()["target"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestDispatcher(t *testing.T) {
	t.Run("DeliversInOrder", func(t *testing.T) {
		sink := &recordingSink{}
		d := NewDispatcher(sink, 16, zaptest.NewLogger(t))
		require.NoError(t, d.Start())

		for _, subject := range []string{"a", "b", "c"} {
			require.NoError(t, d.Send(context.Background(), Notification{Severity: SeverityInfo, Subject: subject}))
		}
		require.NoError(t, d.Stop(context.Background()))

		got := sink.received()
		require.Len(t, got, 3)
		assert.Equal(t, "a", got[0].Subject)
		assert.Equal(t, "c", got[2].Subject)
		assert.False(t, got[0].CreatedAt.IsZero())
	})

	t.Run("DropsWhenFull", func(t *testing.T) {
		sink := &recordingSink{gate: make(chan struct{})}
		d := NewDispatcher(sink, 1, zaptest.NewLogger(t))
		var dropped int
		var mu sync.Mutex
		d.OnDrop(func() {
			mu.Lock()
			dropped++
			mu.Unlock()
		})
		require.NoError(t, d.Start())

		// First one is picked up by the worker and blocks on the gate, the
		// second fills the queue, the rest are dropped.
		require.NoError(t, d.Send(context.Background(), Notification{Subject: "1", Severity: SeverityInfo}))
		require.Eventually(t, func() bool { return len(d.queue) == 0 }, time.Second, time.Millisecond)
		for i := 0; i < 5; i++ {
			require.NoError(t, d.Send(context.Background(), Notification{Subject: "x", Severity: SeverityInfo}))
		}

		close(sink.gate)
		require.NoError(t, d.Stop(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 4, dropped)
		assert.Len(t, sink.received(), 2)
	})

	t.Run("SinkErrorsAreSwallowed", func(t *testing.T) {
		sink := &recordingSink{err: errors.New("boom")}
		d := NewDispatcher(sink, 4, zaptest.NewLogger(t))
		require.NoError(t, d.Start())
		assert.NoError(t, d.Send(context.Background(), Notification{Severity: SeverityCritical}))
		require.NoError(t, d.Stop(context.Background()))
		assert.Len(t, sink.received(), 1)
	})

	t.Run("SendBeforeStartDrops", func(t *testing.T) {
		sink := &recordingSink{}
		d := NewDispatcher(sink, 4, zaptest.NewLogger(t))
		assert.NoError(t, d.Send(context.Background(), Notification{Severity: SeverityInfo}))
		assert.Empty(t, sink.received())
	})
}

func TestWebhookSink(t *testing.T) {
	const secret = "hook-secret"
	verifier, err := security.NewTokenManager([]byte(secret), time.Minute)
	require.NoError(t, err)

	var got Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := verifier.ValidateToken(token, WebhookAudience); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	t.Run("Delivers", func(t *testing.T) {
		sink, err := NewWebhookSink(server.URL, secret, server.Client())
		require.NoError(t, err)

		n := Notification{Severity: SeverityCritical, Target: "id-1", Subject: "Forced override", Message: "m"}
		require.NoError(t, sink.Send(context.Background(), n))
		assert.Equal(t, "Forced override", got.Subject)
		assert.Equal(t, SeverityCritical, got.Severity)
	})

	t.Run("RejectedToken", func(t *testing.T) {
		sink, err := NewWebhookSink(server.URL, "wrong", server.Client())
		require.NoError(t, err)

		err = sink.Send(context.Background(), Notification{Severity: SeverityInfo})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})
}

func TestRedisSink(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	sink, err := OpenRedisSink(ctx, url, "fleetguard:test")
	require.NoError(t, err)
	defer sink.Close()

	sub := sink.client.Subscribe(ctx, "fleetguard:test")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Send(ctx, Notification{Severity: SeverityWarning, Target: "node-1", Subject: "Downtime"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "Downtime", got.Subject)
}
