package container

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a client at a local fake container API.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &Client{
		agentSlug: "dev",
		http:      ts.Client(),
		hostPort:  port,
	}
}

func TestClientGetSessionNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such session"}`, http.StatusNotFound)
	}))

	_, err := client.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestClientSendMessageConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"turn in flight"}`, http.StatusConflict)
	}))

	err := client.SendMessage(context.Background(), "s1", "hello")
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestClientSendMessageOK(t *testing.T) {
	var gotPath string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))

	require.NoError(t, client.SendMessage(context.Background(), "s1", "hello"))
	assert.Equal(t, "/sessions/s1/messages", gotPath)
}

func TestClientGetSessionDecodesInfo(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s1","workingDirectory":"/workspace"}`))
	}))

	info, err := client.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, "/workspace", info.WorkingDirectory)
}
