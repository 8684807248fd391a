// Package dashboard provides a local WebSocket server that broadcasts sync
// activity to the field application's UI.
//
// The server pushes connectivity transitions, drain-cycle results, conflict
// resolutions, and queue statistics to connected WebSocket clients so the
// UI can show sync state (and the "saved, will sync" reassurance) without
// polling.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeConnectivity indicates the connectivity status changed.
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeSyncComplete indicates a drain cycle finished.
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeConflict indicates a conflict was resolved during sync.
	MessageTypeConflict MessageType = "conflict_resolved"

	// MessageTypeQueueStats indicates updated pending-mutation counts.
	MessageTypeQueueStats MessageType = "queue_stats"

	// MessageTypeTableSynced indicates a table refresh completed.
	MessageTypeTableSynced MessageType = "table_synced"
)

// Message represents a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectivityData carries a status transition.
type ConnectivityData struct {
	Status string `json:"status"`
}

// SyncCompleteData carries the outcome of one drain cycle.
type SyncCompleteData struct {
	Synced   int           `json:"synced"`
	Failed   int           `json:"failed"`
	Purged   int           `json:"purged"`
	Duration time.Duration `json:"duration"`
}

// ConflictData carries a resolved conflict.
type ConflictData struct {
	Table      string `json:"table"`
	RecordID   string `json:"record_id"`
	Resolution string `json:"resolution"`
}

// QueueStatsData carries pending-mutation counts.
type QueueStatsData struct {
	Pending int            `json:"pending"`
	ByTable map[string]int `json:"by_table,omitempty"`
}

// TableSyncedData carries a table refresh result.
type TableSyncedData struct {
	Table string `json:"table"`
	Rows  int    `json:"rows"`
}

// Server manages WebSocket connections and broadcasts sync messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8931)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8931,
		Logger: log.Default(),
	}
}

// NewServer creates a new sync dashboard WebSocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync dashboard listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. Non-blocking: when
// the channel is full the message is dropped with a warning, the UI stream
// is advisory.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastConnectivity publishes a connectivity transition.
func (s *Server) BroadcastConnectivity(status string) {
	s.broadcastData(MessageTypeConnectivity, ConnectivityData{Status: status})
}

// BroadcastSyncComplete publishes a drain-cycle result.
func (s *Server) BroadcastSyncComplete(synced, failed, purged int, duration time.Duration) {
	s.broadcastData(MessageTypeSyncComplete, SyncCompleteData{
		Synced: synced, Failed: failed, Purged: purged, Duration: duration,
	})
}

// BroadcastConflict publishes a resolved conflict.
func (s *Server) BroadcastConflict(table, recordID, resolution string) {
	s.broadcastData(MessageTypeConflict, ConflictData{
		Table: table, RecordID: recordID, Resolution: resolution,
	})
}

// BroadcastQueueStats publishes pending-mutation counts.
func (s *Server) BroadcastQueueStats(pending int, byTable map[string]int) {
	s.broadcastData(MessageTypeQueueStats, QueueStatsData{Pending: pending, ByTable: byTable})
}

// BroadcastTableSynced publishes a table refresh result.
func (s *Server) BroadcastTableSynced(table string, rows int) {
	s.broadcastData(MessageTypeTableSynced, TableSyncedData{Table: table, Rows: rows})
}

func (s *Server) broadcastData(msgType MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s payload: %v", msgType, err)
		return
	}
	s.Broadcast(Message{Type: msgType, Timestamp: time.Now(), Data: raw})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local UI only
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices client disconnects.
// Client messages are not processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
