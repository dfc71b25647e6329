package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trexxak/ghostship-master-sub001/internal/circuitbreaker"
)

func newTestClient(t *testing.T, baseURL string, limit int) (*Client, *circuitbreaker.Breaker, *MemoryUsage) {
	t.Helper()
	breaker := circuitbreaker.New(circuitbreaker.Config{Cooldown: time.Minute})
	usage := NewMemoryUsage()
	quota := NewQuota(usage, limit, nil)
	client := NewClient(Config{
		BaseURL:   baseURL,
		APIKey:    "sk-test",
		Model:     "gpt-4o-mini",
		MaxTokens: 220,
		Timeout:   5 * time.Second,
		Title:     "Ghostship Bulletin",
	}, breaker, quota, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return client, breaker, usage
}

func completionBody(text string) string {
	raw, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}},
		},
	})
	return string(raw)
}

func TestGenerate_Success(t *testing.T) {
	var gotAuth, gotTitle string
	var gotPayload chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTitle = r.Header.Get("X-Title")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(completionBody("  A reply about the organic.  ")))
	}))
	defer server.Close()

	client, breaker, usage := newTestClient(t, server.URL, 100)

	comp, err := client.Generate(context.Background(), Request{Prompt: "write a reply"})
	require.NoError(t, err)
	assert.Equal(t, "A reply about the organic.", comp.Text)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "Ghostship Bulletin", gotTitle)
	assert.Equal(t, "gpt-4o-mini", gotPayload.Model)
	assert.Equal(t, 220, gotPayload.MaxTokens)
	assert.Equal(t, 0.7, gotPayload.Temperature)
	require.Len(t, gotPayload.Messages, 2)
	assert.Equal(t, "system", gotPayload.Messages[0].Role)
	assert.Equal(t, "write a reply", gotPayload.Messages[1].Content)

	assert.True(t, breaker.Allow())
	count, err := usage.RequestCount(context.Background(), time.Now().UTC().Truncate(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGenerate_RateLimitedIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, breaker, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, breaker.Allow(), "transient failures must not trip the breaker")
}

func TestGenerate_ServerErrorIsTransient(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client, breaker, _ := newTestClient(t, server.URL, 100)

		_, err := client.Generate(context.Background(), Request{Prompt: "p"})
		require.Error(t, err, "status %d", status)
		assert.True(t, IsTransient(err), "status %d", status)
		assert.True(t, breaker.Allow(), "status %d", status)
		server.Close()
	}
}

func TestGenerate_AuthFailureTripsBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, breaker, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "auth_401", pe.Reason)
	assert.False(t, breaker.Allow())
	assert.Equal(t, "auth_401", breaker.LastReason())

	// The open window short-circuits before any remote attempt.
	_, err = client.Generate(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrOffline)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestGenerate_NotFoundTripsBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client, breaker, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "endpoint_404", pe.Reason)
	assert.False(t, breaker.Allow())
}

func TestGenerate_MissingChoicesTripsBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client, breaker, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "missing_choices", pe.Reason)
	assert.False(t, breaker.Allow())
}

func TestGenerate_EmptyContentTripsBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionBody("   ")))
	}))
	defer server.Close()

	client, breaker, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "missing_message_content", pe.Reason)
	assert.False(t, breaker.Allow())
}

func TestGenerate_ConnectionFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client, breaker, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, breaker.Allow(), "connection failures must not trip the breaker")
}

func TestGenerate_QuotaExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(completionBody("ok")))
	}))
	defer server.Close()

	client, _, _ := newTestClient(t, server.URL, 1)

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(1), hits.Load())

	remaining, err := client.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestGenerate_MissingAPIKeySkipsRemoteCall(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{})
	client := NewClient(Config{BaseURL: server.URL}, breaker, NewQuota(NewMemoryUsage(), 10, nil), 0,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := client.Generate(context.Background(), Request{Prompt: "p"})
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, int32(0), hits.Load())

	remaining, err := client.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestGenerate_RequestOverrides(t *testing.T) {
	var gotPayload chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.Write([]byte(completionBody("ok")))
	}))
	defer server.Close()

	client, _, _ := newTestClient(t, server.URL, 100)

	_, err := client.Generate(context.Background(), Request{
		Prompt:      "p",
		MaxTokens:   512,
		Temperature: 0.2,
		Model:       "anthropic/claude-3-haiku",
		Stop:        []string{"END"},
		Metadata:    map[string]any{"task_id": float64(7)},
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-haiku", gotPayload.Model)
	assert.Equal(t, 512, gotPayload.MaxTokens)
	assert.Equal(t, 0.2, gotPayload.Temperature)
	assert.Equal(t, []string{"END"}, gotPayload.Stop)
	assert.Equal(t, map[string]any{"task_id": float64(7)}, gotPayload.Extra)
}

func TestQuota_UTCDayRollover(t *testing.T) {
	usage := NewMemoryUsage()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	quota := NewQuota(usage, 2, func() time.Time { return now })

	_, err := quota.Consume(context.Background(), 2)
	require.NoError(t, err)
	remaining, err := quota.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	// Past midnight UTC the budget resets.
	now = now.Add(2 * time.Minute)
	remaining, err = quota.Remaining(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}
