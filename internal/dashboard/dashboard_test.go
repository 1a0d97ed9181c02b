package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/essaydesk/deskstore/internal/reconcile"
	"github.com/essaydesk/deskstore/internal/remote"
	"github.com/essaydesk/deskstore/internal/store"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeSyncer records calls and returns a fixed result.
type fakeSyncer struct {
	mu      sync.Mutex
	ticks   int
	forces  int
	result  reconcile.Result
	halted  bool
	tickedC chan struct{}
}

func newFakeSyncer(res reconcile.Result) *fakeSyncer {
	return &fakeSyncer{result: res, tickedC: make(chan struct{}, 8)}
}

func (f *fakeSyncer) ForceSync(context.Context) reconcile.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces++
	return f.result
}

func (f *fakeSyncer) TickNow() {
	f.mu.Lock()
	f.ticks++
	f.mu.Unlock()
	f.tickedC <- struct{}{}
}

func (f *fakeSyncer) forceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forces
}

func (f *fakeSyncer) Halted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}

func startServer(t *testing.T, config *Config) (*Server, *store.Store) {
	t.Helper()
	st := store.New(store.Options{Logger: quietLogger()})
	if config == nil {
		config = &Config{}
	}
	config.Addr = "127.0.0.1:0"
	config.Logger = quietLogger()
	if config.Policies.Default.StateField == "" {
		config.Policies = store.DefaultPolicies()
	}

	server := NewServer(st, config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server, st
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for i := 0; i < 20; i++ {
		if msg := readMessage(t, conn); msg.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message received", typ)
	return Message{}
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerStartStop(t *testing.T) {
	st := store.New(store.Options{Logger: quietLogger()})
	server := NewServer(st, &Config{Addr: "127.0.0.1:0", Logger: quietLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("Server address = %q", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if st.Bus().Len(store.AllCollections) != 0 {
		t.Error("Stop() left the store subscription in place")
	}
}

func TestWebSocketConnection(t *testing.T) {
	server, st := startServer(t, nil)
	st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))

	conn := dial(t, server)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("first message = %s, want stats", msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to unmarshal stats: %v", err)
	}
	if stats.Total != 1 || stats.Collections["orders"].Open != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
	if !server.HasClients() {
		t.Error("HasClients() = false with a connected client")
	}
}

func TestWebSocket_ConnectTriggersTick(t *testing.T) {
	server, _ := startServer(t, nil)
	syncer := newFakeSyncer(reconcile.Result{Outcome: reconcile.OutcomeDiscarded})
	server.AttachSync(syncer, nil)

	dial(t, server)

	select {
	case <-syncer.tickedC:
	case <-time.After(5 * time.Second):
		t.Fatal("connecting did not call TickNow")
	}
}

func TestWebSocket_ClientDisconnect(t *testing.T) {
	server, _ := startServer(t, nil)
	conn := dial(t, server)
	readMessage(t, conn)

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d after disconnect", server.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if server.HasClients() {
		t.Error("HasClients() = true after disconnect")
	}
}

func TestBroadcast_CollectionUpdate(t *testing.T) {
	server, st := startServer(t, &Config{CatchAll: "orders"})
	conn := dial(t, server)
	readMessage(t, conn)

	rec := st.Create("writers", store.NewRecord(store.Fields{"name": "Ada"}))

	msg := readUntil(t, conn, MessageTypeCollectionUpdate)
	var data CollectionUpdateData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal update: %v", err)
	}
	if data.Collection != "writers" || data.Op != "create" || data.Count != 1 {
		t.Errorf("update = %+v", data)
	}
	if len(data.IDs) != 1 || data.IDs[0] != rec.ID {
		t.Errorf("ids = %v, want [%s]", data.IDs, rec.ID)
	}
	if strings.Join(data.Channels, ",") != "writers,orders" {
		t.Errorf("channels = %v, want [writers orders]", data.Channels)
	}
}

func TestBroadcast_SyncResult(t *testing.T) {
	server, _ := startServer(t, nil)
	conn := dial(t, server)
	readMessage(t, conn)

	server.OnSyncResult("tick", reconcile.Result{Outcome: reconcile.OutcomeSkipped, Reason: "in flight"})
	server.OnSyncResult("retry", reconcile.Result{
		Outcome:   reconcile.OutcomeFailed,
		Err:       errors.New("connection refused"),
		Transient: true,
		Failures:  2,
		RetryIn:   2 * time.Second,
	})

	msg := readUntil(t, conn, MessageTypeSyncResult)
	var data SyncResultData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to unmarshal result: %v", err)
	}
	// The skipped pass is not broadcast, so the first result is the failure.
	if data.Trigger != "retry" || data.Outcome != "failed" {
		t.Errorf("result = %+v", data)
	}
	if data.Error != "connection refused" || data.RetryInMS != 2000 || !data.Transient {
		t.Errorf("result = %+v", data)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := startServer(t, nil)
	syncer := newFakeSyncer(reconcile.Result{})
	syncer.halted = true
	server.AttachSync(syncer, nil)

	resp := get(t, "http://"+server.GetAddr()+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Errorf("status = %v", health["status"])
	}
	if health["clients"] != float64(0) {
		t.Errorf("clients = %v", health["clients"])
	}
	if health["halted"] != true {
		t.Errorf("halted = %v", health["halted"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, st := startServer(t, nil)
	server.AttachSync(newFakeSyncer(reconcile.Result{}), func() reconcile.Stats {
		return reconcile.Stats{Passes: 3, Merges: 1}
	})
	st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))
	st.Create("orders", store.NewRecord(store.Fields{"status": "assigned"}))

	resp := get(t, "http://"+server.GetAddr()+"/stats")
	var stats StatsData
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if got := stats.Collections["orders"]; got.Count != 2 || got.Open != 1 {
		t.Errorf("orders = %+v, want 2 records, 1 open", got)
	}
	if stats.Sync == nil || stats.Sync.Passes != 3 {
		t.Errorf("sync stats = %+v", stats.Sync)
	}
}

// TestSnapshotEndpoint_AsRemote checks that one desk can serve as another
// desk's snapshot source.
func TestSnapshotEndpoint_AsRemote(t *testing.T) {
	server, st := startServer(t, nil)
	st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))
	st.Create("writers", store.NewRecord(store.Fields{"name": "Ada"}))

	source, err := remote.New(&remote.Config{
		URL:     "http://" + server.GetAddr() + "/snapshot",
		Timeout: 5 * time.Second,
		Logger:  quietLogger(),
	}, nil)
	if err != nil {
		t.Fatalf("remote.New() failed: %v", err)
	}

	snap, err := source.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot() failed: %v", err)
	}
	if len(snap["orders"]) != 1 || len(snap["writers"]) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	want := st.State()
	if !snap["orders"][0].Equal(want["orders"][0]) {
		t.Errorf("order = %+v, want %+v", snap["orders"][0], want["orders"][0])
	}
}

func TestExportEndpoint(t *testing.T) {
	server, st := startServer(t, nil)
	st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))

	tests := []struct {
		query       string
		contentType string
		ext         string
	}{
		{"", "application/json", ".json"},
		{"?format=yaml", "application/yaml", ".yaml"},
		{"?format=jsonl", "application/x-ndjson", ".jsonl"},
	}

	for _, tt := range tests {
		resp := get(t, "http://"+server.GetAddr()+"/export"+tt.query)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("export%s status = %d", tt.query, resp.StatusCode)
			continue
		}
		if ct := resp.Header.Get("Content-Type"); ct != tt.contentType {
			t.Errorf("export%s Content-Type = %s", tt.query, ct)
		}
		cd := resp.Header.Get("Content-Disposition")
		if !strings.HasPrefix(cd, "attachment;") || !strings.Contains(cd, "deskstore-") || !strings.Contains(cd, tt.ext+`"`) {
			t.Errorf("export%s Content-Disposition = %s", tt.query, cd)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "available") {
			t.Errorf("export%s body lacks the record: %s", tt.query, body)
		}
	}

	if resp := get(t, "http://"+server.GetAddr()+"/export?format=xml"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown format status = %d, want 400", resp.StatusCode)
	}
}

func TestCollectionEndpoint(t *testing.T) {
	server, st := startServer(t, nil)
	rec := st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))

	resp := get(t, "http://"+server.GetAddr()+"/collections/orders")
	var recs []store.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("Failed to decode records: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("records = %+v", recs)
	}

	resp = get(t, "http://"+server.GetAddr()+"/collections/missing")
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("missing collection body = %s, want []", body)
	}
}

func TestSyncEndpoint(t *testing.T) {
	server, _ := startServer(t, nil)
	url := "http://" + server.GetAddr() + "/sync"

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status without syncer = %d, want 503", resp.StatusCode)
	}

	tests := []struct {
		result reconcile.Result
		status int
	}{
		{reconcile.Result{Outcome: reconcile.OutcomeMerged, Changed: []string{"orders"}}, http.StatusOK},
		{reconcile.Result{Outcome: reconcile.OutcomeFailed, Err: errors.New("boom"), Halt: true}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		syncer := newFakeSyncer(tt.result)
		server.AttachSync(syncer, nil)

		resp, err := http.Post(url, "application/json", nil)
		if err != nil {
			t.Fatalf("POST /sync failed: %v", err)
		}
		var data SyncResultData
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			t.Fatalf("Failed to decode result: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.result.Outcome, resp.StatusCode, tt.status)
		}
		if data.Outcome != string(tt.result.Outcome) || data.Trigger != "force" {
			t.Errorf("result = %+v", data)
		}
		if n := syncer.forceCount(); n != 1 {
			t.Errorf("ForceSync called %d times, want 1", n)
		}
	}

	resp = get(t, url)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /sync status = %d, want 405", resp.StatusCode)
	}
}
