package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagent/superagent/internal/agent"
	"github.com/superagent/superagent/internal/common/config"
	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/container"
	"github.com/superagent/superagent/internal/events"
	"github.com/superagent/superagent/internal/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

// fakeAgentRuntime reports one already-running container whose API is the
// fake container server below.
type fakeAgentRuntime struct {
	hostPort int
}

var _ container.Runtime = (*fakeAgentRuntime)(nil)

func (f *fakeAgentRuntime) Name() string                       { return "fake" }
func (f *fakeAgentRuntime) Eligible() bool                     { return true }
func (f *fakeAgentRuntime) Available(ctx context.Context) bool { return true }

func (f *fakeAgentRuntime) Inspect(ctx context.Context, name string) (*container.Info, error) {
	return &container.Info{ID: "c1", Name: name, Status: container.StatusRunning, HostPort: f.hostPort}, nil
}

func (f *fakeAgentRuntime) List(ctx context.Context) ([]container.Info, error) { return nil, nil }

func (f *fakeAgentRuntime) Run(ctx context.Context, cfg container.RunConfig) (string, error) {
	return "c1", nil
}

func (f *fakeAgentRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	return nil
}

func (f *fakeAgentRuntime) Remove(ctx context.Context, name string) error { return nil }

func (f *fakeAgentRuntime) Stats(ctx context.Context, name string) (*container.StatsInfo, error) {
	return &container.StatsInfo{}, nil
}

func (f *fakeAgentRuntime) Build(ctx context.Context, imageName, sourceDir string) error { return nil }

func (f *fakeAgentRuntime) HasImage(ctx context.Context, imageName string) (bool, error) {
	return true, nil
}

func (f *fakeAgentRuntime) Exec(ctx context.Context, name string, cmd []string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

// containerAPI fakes the in-container session server: session lookup,
// message accept and a WebSocket stream that stays open until the client
// hangs up.
func containerAPI(known map[string]bool) http.Handler {
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/stream"):
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		case strings.HasSuffix(r.URL.Path, "/messages") && r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		case r.Method == http.MethodGet:
			id := strings.TrimPrefix(r.URL.Path, "/sessions/")
			if known[id] {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"` + id + `"}`))
				return
			}
			http.Error(w, `{"error":"no such session"}`, http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		}
	})
}

func setupTestServer(t *testing.T, knownSessions map[string]bool) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	ts := httptest.NewServer(containerAPI(knownSessions))
	t.Cleanup(ts.Close)
	_, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Data.Dir = t.TempDir()

	manager := container.NewManager(&fakeAgentRuntime{hostPort: port}, cfg.Container, cfg.Data,
		func(ctx context.Context, agentSlug string) ([]string, error) { return nil, nil }, log)

	transcripts := session.NewTranscriptStore(cfg.Data.Dir, log)
	bus := events.NewBus(log)
	scanner := session.NewSubagentScanner(transcripts, log)
	registry := session.NewRegistry(transcripts, bus, scanner, session.Hooks{}, log)

	return New(Deps{
		Config:      cfg,
		Manager:     manager,
		Registry:    registry,
		Transcripts: transcripts,
		Bus:         bus,
		Agents:      agent.NewRegistry(cfg.Data.Dir, log),
		Logger:      log,
	})
}

func postJSON(srv *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)
	return w
}

func TestPostMessageUnknownSessionIs404(t *testing.T) {
	srv := setupTestServer(t, map[string]bool{})

	w := postJSON(srv, "/api/agents/dev/sessions/nope/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "session not found")
}

func TestPostMessageMissingContentIs400(t *testing.T) {
	srv := setupTestServer(t, map[string]bool{"s1": true})

	w := postJSON(srv, "/api/agents/dev/sessions/s1/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostMessageSecondTurnConflicts(t *testing.T) {
	srv := setupTestServer(t, map[string]bool{"s1": true})
	t.Cleanup(func() { srv.ReleaseTurn("s1") })

	w := postJSON(srv, "/api/agents/dev/sessions/s1/messages", `{"content":"first"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(srv, "/api/agents/dev/sessions/s1/messages", `{"content":"second"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "active turn")
}
