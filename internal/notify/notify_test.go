package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedRunFailed_PostsStablePayloadShape(t *testing.T) {
	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL)
	n.FeedRunFailed(context.Background(), "feed-1", "run-1", "TRANSIENT", "TIMEOUT", "dial timed out")

	require.Equal(t, "feedRunFailed", received["event"])
	require.Equal(t, "feed-1", received["feedId"])
	require.Equal(t, "run-1", received["runId"])
	require.Equal(t, "TRANSIENT", received["failureKind"])
}

func TestNotify_SwallowsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL)
	require.NotPanics(t, func() {
		n.FeedRecovered(context.Background(), "feed-1", "run-1")
	})
}

func TestNotify_SwallowsUnreachableEndpoint(t *testing.T) {
	n := New("http://127.0.0.1:1")
	require.NotPanics(t, func() {
		n.FeedAutoDisabled(context.Background(), "feed-1", 3)
	})
}

func TestNotify_NoOpWhenEndpointEmpty(t *testing.T) {
	n := New("")
	require.NotPanics(t, func() {
		n.CircuitBreakerTriggered(context.Background(), "feed-1", "run-1", "SPIKE_THRESHOLD_EXCEEDED", 400)
	})
}
