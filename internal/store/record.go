package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"reflect"
	"strings"
	"time"
)

// Reserved keys in the flat JSON form of a record.
const (
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

// Fields is the open, feature-owned part of a record.
//
// The Store never interprets fields beyond what a collection Policy names
// (state and owner). Feature modules validate their own fields.
type Fields map[string]any

// Record is a uniquely identified entity belonging to one collection.
//
// On the wire a record is a flat JSON object:
//
//	{"id": "o1", "createdAt": "...", "updatedAt": "...", "status": "available", ...}
type Record struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    Fields
}

// NewRecord builds a record without an id; Store.Create assigns one.
func NewRecord(fields Fields) Record {
	return Record{Fields: fields}
}

// Get returns a domain field.
func (r Record) Get(key string) (any, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// String returns a domain field as a string, or "" when the field is
// missing or not a string.
func (r Record) String(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// Timestamp is the record's version for newest-wins comparison:
// UpdatedAt, falling back to CreatedAt.
func (r Record) Timestamp() time.Time {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Clone returns a deep copy of the record, so callers can never alias the
// Store's internal field maps.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(Fields, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = cloneValue(v)
		}
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Fields:
		m := make(Fields, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Equal reports whether two records carry the same id, timestamps and fields.
func (r Record) Equal(o Record) bool {
	if r.ID != o.ID || !r.CreatedAt.Equal(o.CreatedAt) || !r.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if len(r.Fields) != len(o.Fields) {
		return false
	}
	if len(r.Fields) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(r.Fields), map[string]any(o.Fields))
}

// MarshalJSON encodes the record in its flat form.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+3)
	maps.Copy(m, r.Fields)
	m[KeyID] = r.ID
	if !r.CreatedAt.IsZero() {
		m[KeyCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	} else {
		delete(m, KeyCreatedAt)
	}
	if !r.UpdatedAt.IsZero() {
		m[KeyUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	} else {
		delete(m, KeyUpdatedAt)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the flat form. The id must be a non-empty string.
// Timestamps may be RFC 3339 strings or unix milliseconds. Numbers decode
// as described on DecodeValue.
func (r *Record) UnmarshalJSON(data []byte) error {
	v, err := DecodeValue(data)
	if err != nil {
		return fmt.Errorf("record is not an object: %w", err)
	}
	if v == nil {
		return fmt.Errorf("record is null")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("record is not an object: got %T", v)
	}

	id, ok := m[KeyID].(string)
	if !ok || id == "" {
		return fmt.Errorf("record id is required")
	}

	created, err := parseTimestamp(m[KeyCreatedAt])
	if err != nil {
		return fmt.Errorf("record %s: invalid %s: %w", id, KeyCreatedAt, err)
	}
	updated, err := parseTimestamp(m[KeyUpdatedAt])
	if err != nil {
		return fmt.Errorf("record %s: invalid %s: %w", id, KeyUpdatedAt, err)
	}

	delete(m, KeyID)
	delete(m, KeyCreatedAt)
	delete(m, KeyUpdatedAt)

	*r = Record{
		ID:        id,
		CreatedAt: created,
		UpdatedAt: updated,
		Fields:    Fields(m),
	}
	return nil
}

func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, err
		}
		return ts, nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// maxExactInt is the largest magnitude below which every integer has an
// exact float64 form.
const maxExactInt = 1 << 53

// DecodeValue decodes a single JSON value.
//
// Numbers decode as float64, except integers beyond ±2^53: those decode as
// int64, or stay json.Number when they exceed int64 too, so they encode
// back unchanged.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return normalizeNumbers(v), nil
}

// DecodeFields decodes a JSON object into Fields with DecodeValue's number
// rules. null decodes to nil.
func DecodeFields(data []byte) (Fields, error) {
	v, err := DecodeValue(data)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return Fields(m), nil
	default:
		return nil, fmt.Errorf("fields are not an object: got %T", v)
	}
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return normalizeNumber(t)
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	}
	return v
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		if i > maxExactInt || i < -maxExactInt {
			return i
		}
		return float64(i)
	}
	if strings.ContainsAny(n.String(), ".eE") {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return n
}

// laterOf returns the stamp for a write at now on a record last written at
// prev. The result is strictly after prev so that a local write always wins
// a newest-wins comparison against the version it replaced.
func laterOf(now, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
