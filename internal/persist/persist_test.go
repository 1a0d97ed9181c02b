package persist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/essaydesk/deskstore/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

func sampleState() store.State {
	return store.State{
		"orders": {
			{ID: "o1", CreatedAt: t0, UpdatedAt: t0.Add(time.Minute), Fields: store.Fields{"status": "available", "pages": 4.0}},
			{ID: "o2", CreatedAt: t0, Fields: store.Fields{"status": "assigned", "tags": []any{"urgent", "apa"}}},
		},
		"writers":  {{ID: "w1", Fields: store.Fields{"name": "Ada", "rating": map[string]any{"avg": 4.5}}}},
		"invoices": {},
	}
}

func assertStateEqual(t *testing.T, got, want store.State) {
	t.Helper()
	if g, w := strings.Join(got.Names(), ","), strings.Join(want.Names(), ","); g != w {
		t.Fatalf("collections = %s, want %s", g, w)
	}
	for _, name := range want.Names() {
		if len(got[name]) != len(want[name]) {
			t.Errorf("%s: %d records, want %d", name, len(got[name]), len(want[name]))
			continue
		}
		for i := range want[name] {
			if !got[name][i].Equal(want[name][i]) {
				t.Errorf("%s[%d] = %+v, want %+v", name, i, got[name][i], want[name][i])
			}
		}
		if got[name] == nil {
			t.Errorf("%s decoded as nil (malformed marker)", name)
		}
	}
}

// testPortContract exercises the behaviour every backend shares.
func testPortContract(t *testing.T, port store.Port) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := port.Load(ctx); err != nil || ok {
		t.Fatalf("Load() on empty backend = ok %v, err %v; want false, nil", ok, err)
	}

	want := sampleState()
	if err := port.Save(ctx, want); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	got, ok, err := port.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}
	assertStateEqual(t, got, want)

	// A second save replaces the first entirely.
	next := store.State{"orders": {{ID: "o3", Fields: store.Fields{}}}}
	if err := port.Save(ctx, next); err != nil {
		t.Fatalf("second Save() failed: %v", err)
	}
	got, _, err = port.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	assertStateEqual(t, got, next)

	if err := port.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if _, ok, err := port.Load(ctx); err != nil || ok {
		t.Errorf("Load() after Clear = ok %v, err %v; want false, nil", ok, err)
	}
	if err := port.Clear(ctx); err != nil {
		t.Errorf("second Clear() failed: %v", err)
	}
}

func TestFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	testPortContract(t, NewFileBackend(path))
}

func TestFileBackend_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(filepath.Join(dir, "state.json"))
	for i := 0; i < 3; i++ {
		if err := b.Save(context.Background(), sampleState()); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "state.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory holds %v, want only state.json", names)
	}
}

func TestFileBackend_MalformedCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"orders": 7, "writers": [{"id": "w1"}]}`), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	state, ok, err := NewFileBackend(path).Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}
	if state["orders"] != nil {
		t.Errorf("orders = %v, want nil marker", state["orders"])
	}
	if len(state["writers"]) != 1 {
		t.Errorf("writers = %v", state["writers"])
	}
}

func TestFileBackend_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{broken`), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, _, err := NewFileBackend(path).Load(context.Background()); err == nil {
		t.Error("Load() succeeded on corrupt file")
	}
}

func TestMemoryBackend(t *testing.T) {
	testPortContract(t, NewMemoryBackend())
}

func TestMemoryBackend_CopiesState(t *testing.T) {
	b := NewMemoryBackend()
	state := sampleState()
	if err := b.Save(context.Background(), state); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	state["orders"][0].Fields["status"] = "mutated"

	got, _, _ := b.Load(context.Background())
	if got["orders"][0].String("status") != "available" {
		t.Error("MemoryBackend aliased the saved state")
	}
	if b.saveCount() != 1 {
		t.Errorf("saveCount() = %d, want 1", b.saveCount())
	}
}

func openTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "desk.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteBackend(t *testing.T) {
	testPortContract(t, openTestSQLite(t))
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "desk.db")
	b, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	if err := b.Save(context.Background(), sampleState()); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, ok, err := reopened.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("Load() = ok %v, err %v", ok, err)
	}
	assertStateEqual(t, got, sampleState())

	counts, err := reopened.CountByCollection(context.Background())
	if err != nil {
		t.Fatalf("CountByCollection() failed: %v", err)
	}
	if counts["orders"] != 2 || counts["writers"] != 1 || counts["invoices"] != 0 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts["invoices"]; !ok {
		t.Error("empty collection missing from counts")
	}
}

func TestSQLiteBackend_SavedAt(t *testing.T) {
	b := openTestSQLite(t)

	if _, ok, err := b.SavedAt(context.Background()); err != nil || ok {
		t.Fatalf("SavedAt() before save = ok %v, err %v", ok, err)
	}
	before := time.Now().Add(-time.Second)
	if err := b.Save(context.Background(), store.State{}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	at, ok, err := b.SavedAt(context.Background())
	if err != nil || !ok {
		t.Fatalf("SavedAt() = ok %v, err %v", ok, err)
	}
	if at.Before(before) {
		t.Errorf("SavedAt() = %v, want after %v", at, before)
	}
}

func TestSQLiteBackend_InitSchemaIdempotent(t *testing.T) {
	b := openTestSQLite(t)
	if err := b.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

// TestBackends_WithStore runs a Store on each backend and reopens it.
func TestBackends_WithStore(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Port{
		"file":   func(t *testing.T) store.Port { return NewFileBackend(filepath.Join(t.TempDir(), "state.json")) },
		"sqlite": func(t *testing.T) store.Port { return openTestSQLite(t) },
		"memory": func(t *testing.T) store.Port { return NewMemoryBackend() },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			port := open(t)
			logger := log.New(io.Discard, "", 0)

			st, err := store.Open(context.Background(), store.Options{Port: port, Logger: logger})
			if err != nil {
				t.Fatalf("Open() failed: %v", err)
			}
			order := st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))
			st.Update("orders", order.ID, store.Fields{"status": "assigned"})

			again, err := store.Open(context.Background(), store.Options{Port: port, Logger: logger})
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			got, ok := again.FindByID("orders", order.ID)
			if !ok {
				t.Fatal("record not persisted")
			}
			if got.String("status") != "assigned" {
				t.Errorf("status = %q, want assigned", got.String("status"))
			}
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML, FormatJSONL} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(sampleState(), format)
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			got, err := Decode(data, format)
			if err != nil {
				t.Fatalf("Decode() failed: %v\n%s", err, data)
			}

			want := sampleState()
			if format == FormatJSONL {
				// Lines carry no collection headers, so empty collections vanish.
				delete(want, "invoices")
			}
			assertStateEqual(t, got, want)
		})
	}
}

func TestLargeIntegers_Persist(t *testing.T) {
	const ref = int64(9007199254740993)
	want := store.State{"orders": {{ID: "o1", Fields: store.Fields{"ref": ref}}}}

	check := func(t *testing.T, got store.State) {
		t.Helper()
		if len(got["orders"]) != 1 {
			t.Fatalf("orders = %d, want 1", len(got["orders"]))
		}
		if v := got["orders"][0].Fields["ref"]; v != ref {
			t.Errorf("ref = %v (%T), want %d", v, v, ref)
		}
	}

	for _, format := range []Format{FormatJSON, FormatYAML, FormatJSONL} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(want, format)
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			got, err := Decode(data, format)
			if err != nil {
				t.Fatalf("Decode() failed: %v\n%s", err, data)
			}
			check(t, got)
		})
	}

	ports := map[string]func(t *testing.T) store.Port{
		"file":   func(t *testing.T) store.Port { return NewFileBackend(filepath.Join(t.TempDir(), "state.json")) },
		"sqlite": func(t *testing.T) store.Port { return openTestSQLite(t) },
	}
	for name, open := range ports {
		t.Run(name, func(t *testing.T) {
			port := open(t)
			if err := port.Save(context.Background(), want); err != nil {
				t.Fatalf("Save() failed: %v", err)
			}
			got, _, err := port.Load(context.Background())
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			check(t, got)
		})
	}
}

func TestCodec_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{"yaml syntax", FormatYAML, "orders: [\n"},
		{"yaml collection not list", FormatYAML, "orders:\n  id: o1\n"},
		{"yaml missing id", FormatYAML, "orders:\n  - status: open\n"},
		{"jsonl garbage", FormatJSONL, "{\"collection\":\"orders\",\"record\":{\"id\":\"o1\"}}\nnot json\n"},
		{"jsonl no collection", FormatJSONL, "{\"record\":{\"id\":\"o1\"}}\n"},
		{"jsonl duplicate", FormatJSONL, "{\"collection\":\"orders\",\"record\":{\"id\":\"o1\"}}\n{\"collection\":\"orders\",\"record\":{\"id\":\"o1\"}}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input), tt.format)
			if !errors.Is(err, store.ErrMalformedPayload) {
				t.Errorf("Decode() error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestToJSON(t *testing.T) {
	yamlDoc := "orders:\n  - id: o1\n    status: available\n    createdAt: \"2026-03-01T12:00:00Z\"\n"
	payload, err := ToJSON([]byte(yamlDoc), FormatYAML)
	if err != nil {
		t.Fatalf("ToJSON() failed: %v", err)
	}

	st := store.New(store.Options{Logger: log.New(io.Discard, "", 0)})
	if err := st.Import(payload); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	rec, ok := st.FindByID("orders", "o1")
	if !ok || rec.String("status") != "available" {
		t.Errorf("imported record = %+v, %v", rec, ok)
	}
	if !rec.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("createdAt = %v", rec.CreatedAt)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"ndjson", FormatJSONL, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}

	if f, err := FormatFromPath("backup/desk.yaml"); err != nil || f != FormatYAML {
		t.Errorf("FormatFromPath(yaml) = %q, %v", f, err)
	}
	if _, err := FormatFromPath("backup/desk"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("FormatFromPath(no ext) error = %v", err)
	}
}

func TestWriterPort(t *testing.T) {
	var buf bytes.Buffer
	port := NewWriterPort(&buf, FormatJSON)

	st := store.New(store.Options{Logger: log.New(io.Discard, "", 0)})
	st.Create("orders", store.NewRecord(store.Fields{"status": "available"}))

	if err := st.SaveTo(context.Background(), port); err != nil {
		t.Fatalf("SaveTo() failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("SaveTo() wrote nothing")
	}
	state, err := store.DecodeState(buf.Bytes())
	if err != nil {
		t.Fatalf("artifact is not a valid state: %v", err)
	}
	if len(state["orders"]) != 1 {
		t.Errorf("artifact orders = %d, want 1", len(state["orders"]))
	}

	if _, _, err := port.Load(context.Background()); !errors.Is(err, ErrWriteOnly) {
		t.Errorf("Load() error = %v, want ErrWriteOnly", err)
	}
}

func TestArtifactName(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 5, 0, time.FixedZone("CET", 3600))
	if got := ArtifactName(at, FormatYAML); got != "deskstore-20260301T113005Z.yaml" {
		t.Errorf("ArtifactName() = %s", got)
	}
}
