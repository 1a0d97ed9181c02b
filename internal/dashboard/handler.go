package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/essaydesk/deskstore/internal/persist"
	"github.com/essaydesk/deskstore/internal/reconcile"
	"github.com/essaydesk/deskstore/internal/store"
)

// OnChange turns a store change into a collection_update broadcast followed
// by refreshed stats. It runs on the store's bus, so it only reads.
func (s *Server) OnChange(ch store.Change) {
	recs := s.store.Find(ch.Collection, nil)
	data := CollectionUpdateData{
		Collection: ch.Collection,
		Op:         string(ch.Op),
		IDs:        ch.IDs,
		Count:      len(recs),
		Open:       s.config.Policies.For(ch.Collection).CountOpen(recs),
		Channels:   []string{ch.Collection},
	}
	if s.config.CatchAll != "" && s.config.CatchAll != ch.Collection {
		data.Channels = append(data.Channels, s.config.CatchAll)
	}

	s.send(MessageTypeCollectionUpdate, data)
	s.broadcastStats()
}

// OnSyncResult broadcasts a finished reconciliation pass. Its signature
// matches the scheduler's result callback.
func (s *Server) OnSyncResult(trigger string, res reconcile.Result) {
	if res.Outcome == reconcile.OutcomeSkipped {
		return
	}
	s.send(MessageTypeSyncResult, syncResultData(trigger, res))
	s.broadcastStats()
}

func syncResultData(trigger string, res reconcile.Result) SyncResultData {
	data := SyncResultData{
		Trigger:    trigger,
		Outcome:    string(res.Outcome),
		Changed:    res.Changed,
		Reason:     res.Reason,
		Transient:  res.Transient,
		Failures:   res.Failures,
		RetryInMS:  res.RetryIn.Milliseconds(),
		Halt:       res.Halt,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	return data
}

// Stats returns the current statistics.
func (s *Server) Stats() StatsData {
	stats := StatsData{
		Collections: make(map[string]CollectionStats),
		Clients:     s.ClientCount(),
	}
	for _, name := range s.store.Collections() {
		recs := s.store.Find(name, nil)
		stats.Collections[name] = CollectionStats{
			Count: len(recs),
			Open:  s.config.Policies.For(name).CountOpen(recs),
		}
		stats.Total += len(recs)
	}

	syncer, syncStats := s.syncState()
	if syncer != nil {
		stats.Halted = syncer.Halted()
	}
	if syncStats != nil {
		st := syncStats()
		stats.Sync = &st
	}
	return stats
}

// broadcastStats pushes fresh statistics after a change.
func (s *Server) broadcastStats() {
	s.send(MessageTypeStats, s.Stats())
}

func (s *Server) send(typ MessageType, payload any) {
	dataJSON, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, At: time.Now(), Data: dataJSON})
}

func (s *Server) marshal(typ MessageType, payload any) ([]byte, error) {
	dataJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, At: time.Now(), Data: dataJSON})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth reports liveness, clients and the halt flag.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	}
	if syncer, _ := s.syncState(); syncer != nil {
		body["halted"] = syncer.Halted()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats())
}

// handleSnapshot serves the whole state in the canonical JSON form, which
// is what remote.HTTPSource fetches.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := store.EncodeState(s.store.State())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleExport offers the state as a downloadable file.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := persist.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var buf bytes.Buffer
	if err := s.store.SaveTo(r.Context(), persist.NewWriterPort(&buf, format)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	name := persist.ArtifactName(time.Now(), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	recs := s.store.Find(name, nil)
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleSync forces a reconciliation pass and reports its result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	syncer, _ := s.syncState()
	if syncer == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("sync is not configured"))
		return
	}

	res := syncer.ForceSync(r.Context())
	status := http.StatusOK
	if res.Outcome == reconcile.OutcomeFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, syncResultData("force", res))
}

// handleRoot serves a minimal page listing the endpoints.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Desk Dashboard</title>
</head>
<body>
    <h1>Desk Dashboard Server</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Statistics: <a href="/stats">/stats</a></p>
    <p>Snapshot: <a href="/snapshot">/snapshot</a></p>
    <p>Download: <a href="/export">/export</a> (<a href="/export?format=yaml">yaml</a>)</p>
</body>
</html>`, r.Host)
}
