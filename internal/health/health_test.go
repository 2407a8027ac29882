package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SWAI-Ltd/relaymesh/internal/mesh"
	"github.com/SWAI-Ltd/relaymesh/internal/stats"
)

type hubRecorder struct {
	mu         sync.Mutex
	registered []Registration
	heartbeats []Heartbeat
	status     int
}

func (h *hubRecorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(registerPath, func(w http.ResponseWriter, r *http.Request) {
		var reg Registration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		h.mu.Lock()
		h.registered = append(h.registered, reg)
		h.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"relay_id": "hub-42"})
	})
	mux.HandleFunc(heartbeatPath, func(w http.ResponseWriter, r *http.Request) {
		var hb Heartbeat
		_ = json.NewDecoder(r.Body).Decode(&hb)
		h.mu.Lock()
		h.heartbeats = append(h.heartbeats, hb)
		status := h.status
		h.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
		}
	})
	return mux
}

type staticSource struct{ report mesh.StatusReport }

func (s staticSource) Status() mesh.StatusReport { return s.report }

func newSource() staticSource {
	st := stats.New()
	st.IncMessagesReceived()
	st.IncMessagesRelayed()
	return staticSource{report: mesh.StatusReport{
		RelayID:        "relay-1",
		Status:         mesh.StatusReady,
		Peers:          3,
		MessagesCached: 7,
		Topics:         []string{"global"},
		Stats:          st.Snapshot(),
	}}
}

func TestRegister(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	hub := NewHubClient(srv.URL + "/")
	id, err := hub.Register(context.Background(), Registration{Name: "Zeta-Relay-relay-1", NodeID: "relay-1", Type: "websocket"})
	require.NoError(t, err)
	assert.Equal(t, "hub-42", id)
	require.Len(t, rec.registered, 1)
	assert.Equal(t, "relay-1", rec.registered[0].NodeID)
}

func TestReportSendsHeartbeat(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	r := NewReporter(newSource(), NewHubClient(srv.URL), time.Minute, zap.New(core))
	r.Report(context.Background())
	r.Report(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.heartbeats, 2)
	hb := rec.heartbeats[0]
	assert.Equal(t, "relay-1", hb.RelayID)
	assert.Equal(t, mesh.StatusReady, hb.Status)
	assert.Equal(t, 3, hb.ConnectedUsers)
	assert.Zero(t, hb.PeersConnected)
	assert.Equal(t, 7, hb.MessagesCached)
	assert.Equal(t, []string{"global"}, hb.Topics)

	entries := logs.FilterMessage("relay stats").All()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 1, entries[0].ContextMap()["messages_relayed"])
}

type linkCount int

func (l linkCount) ConnectedCount() int { return int(l) }

func TestHeartbeatSeparatesLinksFromClients(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	core, logs := observer.New(zap.InfoLevel)
	r := NewReporter(newSource(), NewHubClient(srv.URL), time.Minute, zap.New(core)).WithLinks(linkCount(2))
	r.Report(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.heartbeats, 1)
	assert.Equal(t, 3, rec.heartbeats[0].ConnectedUsers)
	assert.Equal(t, 2, rec.heartbeats[0].PeersConnected)
	entries := logs.FilterMessage("relay stats").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 2, entries[0].ContextMap()["relay_links"])
}

func TestHubFailureIsSwallowed(t *testing.T) {
	rec := &hubRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	hub := NewHubClient(srv.URL)
	err := hub.Heartbeat(context.Background(), Heartbeat{RelayID: "x"})
	require.ErrorIs(t, err, ErrHubRequest)

	r := NewReporter(newSource(), hub, 0, nil)
	report := r.Report(context.Background())
	assert.Equal(t, "relay-1", report.RelayID)
}

func TestUnreachableHub(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHubClient(url).Register(context.Background(), Registration{})
	require.ErrorIs(t, err, ErrHubRequest)
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := &hubRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := NewReporter(newSource(), NewHubClient(srv.URL), 10*time.Millisecond, nil)
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.heartbeats) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
