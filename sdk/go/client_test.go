package runlinesdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamResumesAfterDroppedConnection(t *testing.T) {
	var mu sync.Mutex
	var starts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/runs/run-1/stream", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		mu.Lock()
		starts = append(starts, r.URL.Query().Get("startIndex"))
		attempt := len(starts)
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		if attempt == 1 {
			fmt.Fprint(w, "id: 0\nevent: status\ndata: {\"state\":\"sandbox.ready\"}\n\n")
			fmt.Fprint(w, "id: 1\nevent: assistant-delta\ndata: {\"text\":\"hi\"}\n\n")
			return
		}
		// replays one already delivered event, which the client skips
		fmt.Fprint(w, "id: 1\nevent: assistant-delta\ndata: {\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "id: 2\nevent: exit\ndata: {\"exitCode\":0}\n\n")
		fmt.Fprint(w, "id: 3\nevent: finish\ndata: {\"status\":\"succeeded\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "secret"
	c.ReconnectWait = time.Millisecond
	var got []StreamEvent
	err := c.Stream(context.Background(), "run-1", 0, func(e StreamEvent) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, e := range got {
		require.Equal(t, int64(i), e.Index)
	}
	require.True(t, got[3].Finished())
	require.Equal(t, "succeeded", got[3].Status())
	require.Equal(t, []string{"0", "2"}, starts)
}

func TestStreamGivesUpWithoutProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.MaxReconnects = 2
	c.ReconnectWait = time.Millisecond
	err := c.Stream(context.Background(), "run-1", 0, func(StreamEvent) error { return nil })
	require.ErrorIs(t, err, ErrStreamIncomplete)
}

func TestStreamDoesNotRetryAPIErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"conflict","message":"run r has no execution to stream"}}`)
	}))
	defer srv.Close()

	err := New(srv.URL).Stream(context.Background(), "r", 0, func(StreamEvent) error { return nil })
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "conflict", apiErr.Code)
	require.Equal(t, 1, calls)
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "id: 0\nevent: log\ndata: {\"text\":\"x\"}\n\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := New(srv.URL).Stream(context.Background(), "r", 0, func(StreamEvent) error { return stop })
	require.ErrorIs(t, err, stop)
}

func TestGetArtifactEscapesLogicalKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/projects/p1/artifacts/research%2Freport/versions/2", r.URL.EscapedPath())
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"logical_key":"research/report","version":2,"content":"hello"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	a, err := c.GetArtifact(context.Background(), "p1", "research/report", 2)
	require.NoError(t, err)
	require.Equal(t, "hello", a.Content)
	require.Equal(t, 2, a.Version)
}
