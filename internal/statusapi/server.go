package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Snapshot is the single point-in-time status document surfacing every
// account's and strategy's counters. Populated by whatever the engine wires
// in as the Provider.
type Snapshot struct {
	GeneratedAt time.Time                `json:"generatedAt"`
	Accounts    []AccountSnapshot        `json:"accounts"`
	Markets     MarketSnapshot           `json:"markets"`
	Strategies  map[string]StrategyStats `json:"strategies"`
}

// AccountSnapshot is one account's executor-level status.
type AccountSnapshot struct {
	AccountID       string `json:"accountId"`
	IsActive        bool   `json:"isActive"`
	RejectedChecks  int64  `json:"rejectedChecks"`
	ApprovedChecks  int64  `json:"approvedChecks"`
	TrackedPositions int   `json:"trackedPositions"`
}

// MarketSnapshot reports the global market snapshot's health.
type MarketSnapshot struct {
	Count      int   `json:"count"`
	ErrorCount int64 `json:"errorCount"`
}

// StrategyStats is one strategy type's coordinator-level status.
type StrategyStats struct {
	State             string `json:"state"`
	OpenPositions     int    `json:"openPositions"`
	LastTickOpportunities int `json:"lastTickOpportunities"`
	LastError         string `json:"lastError,omitempty"`
}

// Provider supplies the current Snapshot on demand; the engine implements
// this over its own wired components.
type Provider interface {
	StatusSnapshot() Snapshot
}

// Server is the bare HTTP surface: a health check, a /status JSON snapshot,
// and a /ws upgrade onto the Hub.
type Server struct {
	provider Provider
	hub      *Hub
	http     *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer wires the three routes onto a plain http.ServeMux.
func NewServer(port int, provider Provider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	s := &Server{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "statusapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Hub exposes the event hub so the engine can Publish into it.
func (s *Server) Hub() *Hub { return s.hub }

// Start launches the hub loop and blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("status api starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("statusapi: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.provider.StatusSnapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}
	s.hub.register <- c
	go c.writePump()
	go c.readPump(s.hub)
}
