// Notification and status server
//
// Serves the controller status and operation counters over HTTP and
// pushes state change events to WebSocket clients. Frontends subscribe
// once and receive notify_* messages as the filament moves; polling is
// only needed for the initial snapshot.
//
// Copyright (C) 2026  MMU Host Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package notify

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mmu-go/pkg/control"
	"mmu-go/pkg/gatemap"
	"mmu-go/pkg/log"
	"mmu-go/pkg/state"
)

// StatusSource reports the controller summary published to clients.
type StatusSource interface {
	Status() control.Status
}

// MetricsSource renders operation counters in Prometheus text format.
type MetricsSource interface {
	Render() string
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	Source  StatusSource
	Metrics MetricsSource
}

// Server pushes MMU events to WebSocket clients and answers status
// queries over HTTP.
type Server struct {
	source  StatusSource
	metrics MetricsSource

	httpServer *http.Server
	addr       string

	upgrader websocket.Upgrader
	clients  map[int64]*wsClient
	clientMu sync.RWMutex
	nextID   int64

	running   atomic.Bool
	startTime time.Time
	logger    *log.Logger
}

// New creates a notification server. It serves nothing until Start.
func New(cfg Config) *Server {
	s := &Server{
		source:    cfg.Source,
		metrics:   cfg.Metrics,
		addr:      cfg.Addr,
		clients:   make(map[int64]*wsClient),
		startTime: time.Now(),
		logger:    log.Component("notify"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return s
}

// Attach subscribes the server to filament state transitions and gate
// map changes. Call before Start; observers publish synchronously from
// the mutating goroutine.
func (s *Server) Attach(st *state.Context, gates *gatemap.Map) {
	st.Subscribe(state.ObserverFuncs{
		OnPosition: func(old, new state.Position) {
			s.Broadcast("notify_filament_position", map[string]any{
				"old": old.String(),
				"new": new.String(),
			})
		},
		OnAction: func(old, new state.Action) {
			s.Broadcast("notify_action_changed", map[string]any{
				"old": old.String(),
				"new": new.String(),
			})
		},
	})
	gates.SetOnChange(func(kind gatemap.ChangeKind) {
		var payload any
		if s.source != nil {
			payload = s.source.Status()
		}
		s.Broadcast("notify_"+string(kind), payload)
	})
}

// Handler builds the HTTP mux. Exposed so the server can be mounted
// under a test listener or an existing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/mmu/status", s.handleStatus)
	mux.HandleFunc("/mmu/info", s.handleInfo)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.corsMiddleware(mux)
}

// Start starts the server and blocks until it shuts down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	s.logger.Info("notification server starting", log.Fields{"addr": s.addr})
	return s.httpServer.ListenAndServe()
}

// Stop closes all client connections and the listener.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// Broadcast sends a JSON-RPC style notification to every connected
// client. Slow clients drop messages rather than block the caller.
func (s *Server) Broadcast(method string, params any) {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if params != nil {
		msg["params"] = []any{params}
	}

	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		c.send(msg)
	}
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// dispatch routes a WebSocket request to its handler.
func (s *Server) dispatch(method string, params map[string]any) (any, error) {
	switch method {
	case "server.info":
		return s.serverInfo(), nil
	case "mmu.status":
		if s.source == nil {
			return nil, fmt.Errorf("no status source configured")
		}
		return s.source.Status(), nil
	case "mmu.metrics":
		if s.metrics == nil {
			return nil, fmt.Errorf("no metrics source configured")
		}
		return map[string]any{"text": s.metrics.Render()}, nil
	default:
		return nil, fmt.Errorf("method not found: %s", method)
	}
}

func (s *Server) serverInfo() map[string]any {
	hostname, _ := os.Hostname()
	s.clientMu.RLock()
	count := len(s.clients)
	s.clientMu.RUnlock()
	return map[string]any{
		"hostname":        hostname,
		"uptime":          time.Since(s.startTime).Seconds(),
		"websocket_count": count,
		"version":         "mmud-0.1.0",
	}
}

// HTTP handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.source == nil {
		s.writeError(w, fmt.Errorf("no status source configured"))
		return
	}
	s.writeJSON(w, map[string]any{"result": s.source.Status()})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": s.serverInfo()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.Error(w, "no metrics source configured", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, s.metrics.Render())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    -32000,
			"message": err.Error(),
		},
	})
}

// WebSocket plumbing

type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Fields{"error": err.Error()})
		return
	}

	client := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}

	s.clientMu.Lock()
	s.clients[client.id] = client
	s.clientMu.Unlock()

	s.logger.Debug("client connected", log.Fields{"id": client.id})

	go client.writePump()

	// Confirms registration; clients that wait for this before issuing
	// commands are guaranteed to receive subsequent broadcasts.
	client.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_mmu_connected",
	})

	client.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.Debug("client disconnected", log.Fields{"id": c.id})
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		// Channel full, drop rather than stall the broadcaster.
		c.server.logger.Warn("dropping message", log.Fields{"id": c.id})
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read error", log.Fields{"error": err.Error()})
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}

	result, err := c.server.dispatch(req.Method, req.Params)
	if err != nil {
		c.send(rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32000, Message: err.Error()}, ID: req.ID})
		return
	}
	c.send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}
