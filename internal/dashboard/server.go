// Package dashboard serves the desk's live view over HTTP and WebSocket.
//
// Connected clients receive a message for every store change, every
// reconciliation result, and refreshed statistics. The HTTP side exposes
// the current state as a snapshot (so one desk can act as another desk's
// remote authority), a downloadable export, and a forced sync.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/essaydesk/deskstore/internal/reconcile"
	"github.com/essaydesk/deskstore/internal/store"
)

// MessageType names what a Message carries.
type MessageType string

const (
	// MessageTypeCollectionUpdate indicates records of a collection changed
	MessageTypeCollectionUpdate MessageType = "collection_update"

	// MessageTypeSyncResult indicates a reconciliation pass finished
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeStats indicates updated statistics
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to every client. Data depends on Type.
type Message struct {
	Type MessageType     `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CollectionUpdateData describes one store change.
type CollectionUpdateData struct {
	Collection string   `json:"collection"`
	Op         string   `json:"op"`
	IDs        []string `json:"ids,omitempty"`
	Count      int      `json:"count"`
	Open       int      `json:"open"`
	// Channels lists the names a client may filter on: the collection and,
	// when configured, the catch-all channel that sees every change.
	Channels []string `json:"channels"`
}

// SyncResultData describes one reconciliation pass.
type SyncResultData struct {
	Trigger    string   `json:"trigger"`
	Outcome    string   `json:"outcome"`
	Changed    []string `json:"changed,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Error      string   `json:"error,omitempty"`
	Transient  bool     `json:"transient,omitempty"`
	Failures   int      `json:"failures"`
	RetryInMS  int64    `json:"retry_in_ms,omitempty"`
	Halt       bool     `json:"halt,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// CollectionStats counts one collection.
type CollectionStats struct {
	Count int `json:"count"`
	Open  int `json:"open"`
}

// StatsData summarizes the store, the clients and reconciliation.
type StatsData struct {
	Total       int                        `json:"total"`
	Collections map[string]CollectionStats `json:"collections"`
	Clients     int                        `json:"clients"`
	Halted      bool                       `json:"halted"`
	Sync        *reconcile.Stats           `json:"sync,omitempty"`
}

// Syncer drives reconciliation. *scheduler.Scheduler implements it.
type Syncer interface {
	ForceSync(ctx context.Context) reconcile.Result
	TickNow()
	Halted() bool
}

// Config holds configuration for the dashboard server.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8080). Port 0 picks a free port.
	Addr string

	// CatchAll is the channel name added to every collection update.
	// Empty disables it.
	CatchAll string

	// Policies decide which records count as open.
	Policies store.Policies

	// Logger for dashboard activity
	Logger *log.Logger
}

// DefaultConfig returns the loopback defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:     "127.0.0.1:8080",
		Policies: store.DefaultPolicies(),
		Logger:   log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server is the dashboard: HTTP routes plus a websocket feed of store
// changes and sync results.
type Server struct {
	store  *store.Store
	config *Config
	logger *log.Logger

	ln  net.Listener
	srv *http.Server
	hub *hub

	syncMu    sync.RWMutex
	syncer    Syncer
	syncStats func() reconcile.Stats

	outbox      chan Message
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server for st. It does not listen until
// Start.
func NewServer(st *store.Store, config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:  st,
		config: config,
		logger: config.Logger,
		hub:    newHub(),
		outbox: make(chan Message, 128),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AttachSync connects the server to reconciliation. stats may be nil.
func (s *Server) AttachSync(syncer Syncer, stats func() reconcile.Stats) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.syncer = syncer
	s.syncStats = stats
}

func (s *Server) syncState() (Syncer, func() reconcile.Stats) {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	return s.syncer, s.syncStats
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
	)

	r.Get("/", s.handleRoot)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/export", s.handleExport)
	r.Get("/collections/{name}", s.handleCollection)
	r.Post("/sync", s.handleSync)
	return r
}

// Start listens on the configured address and subscribes to every
// collection of the store.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.store.Subscribe(store.AllCollections, s.OnChange)

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("ERROR: serve: %v", err)
		}
	}()
	return nil
}

// Stop unsubscribes from the store, disconnects clients and shuts the HTTP
// server down.
func (s *Server) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.cancel()
	s.hub.closeAll("desk shutting down")

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down dashboard: %w", err)
		}
	}
	s.wg.Wait()

	s.logger.Println("Stopped")
	return nil
}

// Broadcast queues msg for every client. It never blocks: when the queue is
// full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case <-s.ctx.Done():
	case s.outbox <- msg:
	default:
		s.logger.Printf("Warning: outbox full, dropping %s message", msg.Type)
	}
}

// fanOut writes queued messages to every client, dropping clients whose
// write fails.
func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		var msg Message
		select {
		case <-s.ctx.Done():
			return
		case msg = <-s.outbox:
		}

		if msg.At.IsZero() {
			msg.At = time.Now()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Printf("Warning: failed to encode %s message: %v", msg.Type, err)
			continue
		}

		for _, conn := range s.hub.list() {
			if err := write(s.ctx, conn, data); err != nil {
				s.logger.Printf("Warning: dropping client: %v", err)
				s.disconnect(conn)
			}
		}
	}
}

// handleWebSocket accepts a client. A new client counts as the desk coming
// to the foreground, so it also triggers a pass.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("Warning: websocket accept failed: %v", err)
		return
	}

	n := s.hub.add(conn)
	s.logger.Printf("Client connected (%d connected)", n)

	// The first frame is a stats snapshot for this client only.
	if data, err := s.marshal(MessageTypeStats, s.Stats()); err == nil {
		_ = write(s.ctx, conn, data)
	}

	go s.drain(conn)

	if syncer, _ := s.syncState(); syncer != nil {
		syncer.TickNow()
	}
}

// drain reads until the client goes away. Client frames carry nothing.
func (s *Server) drain(conn *websocket.Conn) {
	defer s.disconnect(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) disconnect(conn *websocket.Conn) {
	n, ok := s.hub.remove(conn)
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (%d connected)", n)
}

// GetAddr returns the listening address, or the configured one before
// Start.
func (s *Server) GetAddr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

// HasClients reports whether any client is connected. It serves as the
// scheduler's foreground predicate.
func (s *Server) HasClients() bool {
	return s.hub.count() > 0
}
