package triageclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/pingtriage/internal/httpapi"
	"github.com/agentworkforce/pingtriage/internal/pingtriage"
	"github.com/agentworkforce/pingtriage/internal/workflow"
)

const testSecret = "client-secret"

func testToken(t *testing.T, scopes ...string) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"agent_name": "Fetcher",
		"scopes":     scopes,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"aud":        "pingtriage",
	})
	require.NoError(t, err)
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newAPI(t *testing.T) (*HTTPClient, *pingtriage.Store) {
	t.Helper()
	store, err := pingtriage.NewStoreWithOptions(pingtriage.StoreOptions{StateBackend: pingtriage.NewInMemoryStateBackend()})
	require.NoError(t, err)
	cfg := workflow.Config{
		Platforms: map[string]workflow.PlatformConfig{"slack": {Enabled: true}},
		Linear:    workflow.LinearConfig{TeamID: "TEAM-1"},
	}
	server := httptest.NewServer(httpapi.NewServerWithConfig(store, httpapi.ServerConfig{JWTSecret: testSecret, Workflow: &cfg}))
	t.Cleanup(func() {
		server.Close()
		_ = store.Close()
	})
	token := testToken(t, "pings:read", "pings:write", "sync:read", "sync:write", "workflow:read")
	return NewHTTPClient(server.URL, token, server.Client()), store
}

func TestClientPingLifecycle(t *testing.T) {
	client, _ := newAPI(t)
	ctx := context.Background()

	in := pingtriage.NewPing{
		Platform:  "slack",
		MessageID: "m1",
		Timestamp: "2024-01-15T10:30:00Z",
		Author:    "alice",
		Content:   "Blocked on the deploy review",
	}
	res, err := client.InsertPing(ctx, in, "C1-t1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, pingtriage.PingID("slack", "m1", "2024-01-15T10:30:00Z"), res.ID)

	again, err := client.InsertPing(ctx, in, "C1-t1")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.ID, again.ID)

	unprocessed, err := client.ListPings(ctx, pingtriage.StatusNew, 0)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	signals, err := client.UrgencySignals(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, signals.Blocking)

	analyzed, err := client.AttachAnalysis(ctx, res.ID, pingtriage.Analysis{
		Title:           "Deploy review",
		Summary:         "Needs a review",
		SuggestedAction: pingtriage.ActionReview,
		Priority:        pingtriage.PriorityNormal,
	}, true)
	require.NoError(t, err)
	assert.Equal(t, pingtriage.StatusAnalyzed, analyzed.Status)
	require.NotNil(t, analyzed.Analysis)
	assert.Equal(t, pingtriage.PriorityUrgent, analyzed.Analysis.Priority, "blocking content escalates")

	pending, err := client.PendingIssues(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "slack-C1-t1", pending[0].ThreadID)

	linked, err := client.LinkIssue(ctx, res.ID, "LIN-7")
	require.NoError(t, err)
	assert.Equal(t, "LIN-7", linked.LinearIssueID)

	thread, err := client.GetThread(ctx, "slack-C1-t1")
	require.NoError(t, err)
	assert.Equal(t, "LIN-7", thread.LinearIssueID)
	threadPings, err := client.ThreadPings(ctx, thread.ID)
	require.NoError(t, err)
	assert.Len(t, threadPings, 1)

	handled, err := client.MarkResponded(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, pingtriage.StatusHandled, handled.Status)
	assert.True(t, handled.ResponseDetected)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, pingtriage.Stats{TotalPings: 1, HandledPings: 1, TotalThreads: 1}, stats)

	report, err := client.Triage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "TEAM-1", report.Steps.Sync.TeamID)
	assert.Equal(t, 1, report.Steps.Sync.PingsToClose)
}

func TestClientErrorsMatchStoreSentinels(t *testing.T) {
	client, _ := newAPI(t)
	ctx := context.Background()

	_, err := client.GetPing(ctx, "ping-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, pingtriage.ErrNotFound)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	res, err := client.InsertPing(ctx, pingtriage.NewPing{Platform: "slack", MessageID: "m1", Timestamp: "2024-01-15T10:30:00Z"}, "")
	require.NoError(t, err)
	_, err = client.AttachAnalysis(ctx, res.ID, pingtriage.Analysis{Title: "x", SuggestedAction: "Ignore"}, false)
	assert.ErrorIs(t, err, pingtriage.ErrValidation)
	assert.NotErrorIs(t, err, pingtriage.ErrInvalidInput)

	_, err = client.InsertPing(ctx, pingtriage.NewPing{Platform: "slack"}, "")
	assert.ErrorIs(t, err, pingtriage.ErrInvalidInput)
}

func TestClientSyncBookmarks(t *testing.T) {
	client, _ := newAPI(t)
	ctx := context.Background()

	_, ok, err := client.LastSync(ctx, "discord")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.SetLastSync(ctx, "discord", "2024-01-15T12:00:00Z"))
	ts, ok, err := client.LastSync(ctx, "discord")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-01-15T12:00:00Z", ts)
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-Correlation-Id") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if call == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_pings":3,"new_pings":3}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalPings)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"internal_error","message":"write state: disk full"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	err := client.SetLastSync(context.Background(), "slack", "2024-01-15T12:00:00Z")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "internal_error", httpErr.Code)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestRetryDelay(t *testing.T) {
	client := NewHTTPClient("", "", nil)
	assert.Equal(t, 100*time.Millisecond, client.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, client.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, client.retryDelay(10, ""))
	assert.Equal(t, time.Second, client.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, client.retryDelay(1, "30"))
}

func TestStreamEvents(t *testing.T) {
	client, store := newAPI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan pingtriage.Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- client.StreamEvents(ctx, func(event pingtriage.Event) error {
			received <- event
			return nil
		})
	}()

	var n int
	var got pingtriage.Event
	require.Eventually(t, func() bool {
		n++
		if _, err := store.InsertPing(pingtriage.NewPing{Platform: "slack", MessageID: fmt.Sprintf("m%d", n), Timestamp: "2024-01-15T10:30:00Z"}); err != nil {
			return false
		}
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, pingtriage.EventPingCreated, got.Type)
	assert.NotEmpty(t, got.ID)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
