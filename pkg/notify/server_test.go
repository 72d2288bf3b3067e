// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mmu-go/pkg/config"
	"mmu-go/pkg/control"
	"mmu-go/pkg/gatemap"
	"mmu-go/pkg/persist"
	"mmu-go/pkg/state"
)

// fakeSource reports a fixed controller status.
type fakeSource struct {
	status control.Status
}

func (f *fakeSource) Status() control.Status {
	return f.status
}

type fakeMetrics struct{}

func (fakeMetrics) Render() string {
	return "# TYPE mmu_loads_total counter\nmmu_loads_total 3\n"
}

func newTestNotifyServer() *Server {
	return New(Config{
		Addr: ":7125",
		Source: &fakeSource{status: control.Status{
			Tool:     0,
			Gate:     2,
			Position: "loaded",
			Action:   "idle",
		}},
		Metrics: fakeMetrics{},
	})
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestNotifyServer()
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/mmu/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	result, ok := body["result"].(map[string]any)
	if !ok {
		t.Fatal("response missing 'result' field")
	}
	if result["gate"] != float64(2) {
		t.Errorf("expected gate 2, got %v", result["gate"])
	}
	if result["filament_pos"] != "loaded" {
		t.Errorf("expected filament_pos 'loaded', got %v", result["filament_pos"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestNotifyServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "mmu_loads_total 3") {
		t.Errorf("metrics output missing counter, got:\n%s", body)
	}
}

func TestMetricsEndpointWithoutSource(t *testing.T) {
	s := New(Config{Addr: ":7125"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rec.Code)
	}
}

func TestWebSocketStatusRequest(t *testing.T) {
	s := newTestNotifyServer()
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()
	waitForConnected(t, conn)

	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  "mmu.status",
		"id":      1,
	}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	var resp rpcResponse
	readWSJSON(t, conn, &resp)

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected object result, got %T", resp.Result)
	}
	if result["gate"] != float64(2) {
		t.Errorf("expected gate 2, got %v", result["gate"])
	}
}

func TestWebSocketUnknownMethod(t *testing.T) {
	s := newTestNotifyServer()
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()
	waitForConnected(t, conn)

	if err := conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "mmu.explode", "id": 9}); err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	var resp rpcResponse
	readWSJSON(t, conn, &resp)

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
}

func TestBroadcastOnStateChange(t *testing.T) {
	s := newTestNotifyServer()

	st := state.NewContext()
	gates, err := gatemap.New(&config.MMU{NumGates: 4}, persist.NewMemStore())
	if err != nil {
		t.Fatalf("gatemap: %v", err)
	}
	s.Attach(st, gates)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()
	waitForConnected(t, conn)

	st.SetPosition(state.Unloaded)

	var msg map[string]any
	readWSJSON(t, conn, &msg)
	if msg["method"] != "notify_filament_position" {
		t.Fatalf("expected notify_filament_position, got %v", msg["method"])
	}
	params, ok := msg["params"].([]any)
	if !ok || len(params) != 1 {
		t.Fatalf("expected single params entry, got %v", msg["params"])
	}
	change, _ := params[0].(map[string]any)
	if change["new"] != "unloaded" {
		t.Errorf("expected new position 'unloaded', got %v", change["new"])
	}
}

func TestBroadcastOnGateMapChange(t *testing.T) {
	s := newTestNotifyServer()

	st := state.NewContext()
	gates, err := gatemap.New(&config.MMU{NumGates: 4}, persist.NewMemStore())
	if err != nil {
		t.Fatalf("gatemap: %v", err)
	}
	s.Attach(st, gates)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn := dialWS(t, server)
	defer conn.Close()
	waitForConnected(t, conn)

	if err := gates.SetGateStatus(1, gatemap.StatusEmpty, false); err != nil {
		t.Fatalf("set gate status: %v", err)
	}

	var msg map[string]any
	readWSJSON(t, conn, &msg)
	if msg["method"] != "notify_gate_map_changed" {
		t.Fatalf("expected notify_gate_map_changed, got %v", msg["method"])
	}
}

// Test helpers

func dialWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + server.URL[4:] + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	return conn
}

// waitForConnected consumes the registration notification; broadcasts
// issued after it are guaranteed to reach this connection.
func waitForConnected(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var msg map[string]any
	readWSJSON(t, conn, &msg)
	if msg["method"] != "notify_mmu_connected" {
		t.Fatalf("expected notify_mmu_connected, got %v", msg["method"])
	}
}

func readWSJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if err := json.Unmarshal(message, v); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
}
