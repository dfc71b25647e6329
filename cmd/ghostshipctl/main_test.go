package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &client{base: srv.URL, http: srv.Client()}
}

const statusFixture = `{
  "state": "FROZEN",
  "freeze": {"frozen": true, "actor": "ana", "reason": "seance prep"},
  "last_tick": {"tick_number": 12, "origin": "scheduler", "ran_at": "2026-08-23T10:00:00Z"},
  "queue": {"depths": {"pending": 3, "in_progress": 1, "failed": 0}, "total": 4},
  "sessions": {"total": 7, "organic": 2, "window_seconds": 180, "tier": "QUIET", "factor": 0.6},
  "config": {"path": "config/simulation.yaml", "sha1": "0123456789abcdef0123", "version": 4},
  "breaker": {"state": "open", "remaining_seconds": 42, "reason": "provider returned 502"},
  "server_time": "2026-08-23T10:05:00Z"
}`

func TestCmdStatus_HumanSummary(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, statusFixture)
	}))

	var out strings.Builder
	require.NoError(t, cmdStatus(c, &out, nil))

	got := out.String()
	assert.Contains(t, got, "State:     FROZEN")
	assert.Contains(t, got, "Frozen by: ana (seance prep)")
	assert.Contains(t, got, "Last tick: #12 scheduler at 2026-08-23T10:00:00Z")
	assert.Contains(t, got, "Queue:     4 total (pending 3, in_progress 1, failed 0)")
	assert.Contains(t, got, "Sessions:  7 (2 organic), tier QUIET, factor 0.60")
	assert.Contains(t, got, "Breaker:   open for 42s (provider returned 502)")
	assert.Contains(t, got, "Config:    v4 0123456789ab")
}

func TestCmdStatus_RawJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, statusFixture)
	}))

	var out strings.Builder
	require.NoError(t, cmdStatus(c, &out, []string{"-json"}))

	assert.Contains(t, out.String(), `"state": "FROZEN"`)
	assert.NotContains(t, out.String(), "State:")
}

func TestCmdTick_SendsOnlySetFields(t *testing.T) {
	bodyCh := make(chan map[string]any, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodyCh <- body
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"tick_number": 13, "origin": "manual", "forced": true, "ran_at": "2026-08-23T10:06:00Z"}`)
	}))

	require.NoError(t, cmdTick(c, io.Discard, []string{"-force", "-seed", "99"}))

	body := <-bodyCh
	assert.Equal(t, true, body["force"])
	assert.Equal(t, float64(99), body["seed"])
	assert.NotContains(t, body, "oracle_card")
	assert.NotContains(t, body, "energy_multiplier")
}

func TestCmdFreeze_PostsActorAndReason(t *testing.T) {
	bodyCh := make(chan map[string]string, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/freeze" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		bodyCh <- body
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"frozen": true, "actor": "ops"}`)
	}))

	require.NoError(t, cmdFreeze(c, io.Discard, []string{"-actor", "ops", "-reason", "schema migration"}))

	body := <-bodyCh
	assert.Equal(t, "ops", body["actor"])
	assert.Equal(t, "schema migration", body["reason"])
}

func TestCmdOverride_NoPendingIsNotAnError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no manual override pending"}`, http.StatusNotFound)
	}))

	var out strings.Builder
	require.NoError(t, cmdOverride(c, &out, nil))
	assert.Contains(t, out.String(), "no manual override pending")
}

func TestCmdProcess_OmitsLimitUnlessSet(t *testing.T) {
	bodyCh := make(chan []byte, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodyCh <- raw
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"processed": 2, "deferred": 0}`)
	})

	t.Run("no limit flag", func(t *testing.T) {
		c := newTestClient(t, handler)
		require.NoError(t, cmdProcess(c, io.Discard, nil))
		assert.Empty(t, <-bodyCh)
	})

	t.Run("explicit limit", func(t *testing.T) {
		c := newTestClient(t, handler)
		require.NoError(t, cmdProcess(c, io.Discard, []string{"-limit", "5"}))
		assert.JSONEq(t, `{"limit": 5}`, string(<-bodyCh))
	})
}

func TestCmdTouch_SendsExplicitKey(t *testing.T) {
	bodyCh := make(chan map[string]any, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodyCh <- body
		io.WriteString(w, `{"total": 1, "organic": 1, "window_seconds": 180, "tier": "QUIET", "factor": 0.45}`)
	}))

	require.NoError(t, cmdTouch(c, io.Discard, []string{"-key", "beacon-7", "-organic"}))

	body := <-bodyCh
	assert.Equal(t, "beacon-7", body["session_key"])
	assert.Equal(t, true, body["organic"])
}

func TestCmdTouch_GeneratesKeyWhenOmitted(t *testing.T) {
	bodyCh := make(chan map[string]any, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodyCh <- body
		io.WriteString(w, `{"total": 1, "organic": 0, "window_seconds": 180, "tier": "QUIET", "factor": 0.45}`)
	}))

	var out strings.Builder
	require.NoError(t, cmdTouch(c, &out, nil))

	body := <-bodyCh
	key, _ := body["session_key"].(string)
	assert.NotEmpty(t, key)
	assert.Contains(t, out.String(), key)
	assert.Equal(t, false, body["organic"])
}

func TestClientDo_SurfacesServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"tick engine not available"}`, http.StatusServiceUnavailable)
	}))

	_, err := c.do(http.MethodPost, "/api/tick", map[string]bool{"force": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick engine not available")
	assert.Contains(t, err.Error(), "503")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestClientDo_SetsBasicAuth(t *testing.T) {
	type creds struct {
		user, pass string
		ok         bool
	}
	credsCh := make(chan creds, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		credsCh <- creds{user, pass, ok}
		io.WriteString(w, `{}`)
	}))
	c.user = "operator"
	c.pass = "hunter2"

	_, err := c.do(http.MethodGet, "/api/status", nil)
	require.NoError(t, err)

	got := <-credsCh
	assert.True(t, got.ok)
	assert.Equal(t, "operator", got.user)
	assert.Equal(t, "hunter2", got.pass)
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"structured error", `{"error":"limit must be positive"}`, "limit must be positive"},
		{"plain text", "bad gateway\n", "bad gateway"},
		{"json without error field", `{"status":"ok"}`, `{"status":"ok"}`},
		{"empty body", "", "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorMessage([]byte(tt.payload)))
		})
	}
}
