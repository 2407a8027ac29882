package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	registerPath  = "/api/v1/relays/register"
	heartbeatPath = "/api/v1/relays/health"

	DefaultRegisterTimeout  = 10 * time.Second
	DefaultHeartbeatTimeout = 5 * time.Second
)

// ErrHubRequest wraps any failed call to the directory hub.
var ErrHubRequest = errors.New("hub request failed")

// Registration is posted once at startup.
type Registration struct {
	Name         string   `json:"name"`
	Multiaddr    string   `json:"multiaddr"`
	Endpoint     string   `json:"endpoint"`
	Type         string   `json:"type"`
	Region       string   `json:"region"`
	NodeID       string   `json:"node_id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Heartbeat is posted on every reporter tick.
type Heartbeat struct {
	RelayID        string   `json:"relay_id"`
	Status         string   `json:"status"`
	ConnectedUsers int      `json:"connected_users"`
	Latency        int64    `json:"latency"`
	Topics         []string `json:"topics"`
	MessagesCached int      `json:"messages_cached"`
	PeersConnected int      `json:"peers_connected"`
}

// HubClient talks to the relay directory. Every call is single-shot;
// callers treat failures as best-effort.
type HubClient struct {
	base string
	http *http.Client
	// rtt of the last successful request, in milliseconds
	lastRTT atomic.Int64
}

func NewHubClient(baseURL string) *HubClient {
	return &HubClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultRegisterTimeout},
	}
}

// Latency is the round trip of the previous successful hub request.
func (h *HubClient) Latency() time.Duration {
	return time.Duration(h.lastRTT.Load()) * time.Millisecond
}

// Register announces the relay and returns the id the hub assigned, if any.
func (h *HubClient) Register(ctx context.Context, reg Registration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRegisterTimeout)
	defer cancel()
	body, err := h.post(ctx, registerPath, reg)
	if err != nil {
		return "", err
	}
	var resp struct {
		RelayID string `json:"relay_id"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &resp)
	}
	return resp.RelayID, nil
}

// Heartbeat posts hb. Latency is filled from the previous round trip.
func (h *HubClient) Heartbeat(ctx context.Context, hb Heartbeat) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultHeartbeatTimeout)
	defer cancel()
	hb.Latency = h.lastRTT.Load()
	_, err := h.post(ctx, heartbeatPath, hb)
	return err
}

func (h *HubClient) post(ctx context.Context, path string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHubRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHubRequest, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrHubRequest, path, resp.StatusCode)
	}
	h.lastRTT.Store(time.Since(start).Milliseconds())
	return body, nil
}
