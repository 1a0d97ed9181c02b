package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// State is the full set of collections held by a client process, and also
// the shape of a remote Snapshot.
type State map[string][]Record

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := make(State, len(s))
	for name, recs := range s {
		out[name] = cloneRecords(recs)
	}
	return out
}

// Names returns the collection names in sorted order.
func (s State) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total number of records across all collections.
func (s State) Len() int {
	n := 0
	for _, recs := range s {
		n += len(recs)
	}
	return n
}

func cloneRecords(recs []Record) []Record {
	if recs == nil {
		return nil
	}
	out := make([]Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}

// EncodeState serializes a state as an indented JSON object of arrays.
func EncodeState(s State) ([]byte, error) {
	if s == nil {
		s = State{}
	}
	// Never encode a nil collection as null; null would read back as malformed.
	out := make(map[string][]Record, len(s))
	for name, recs := range s {
		if recs == nil {
			recs = []Record{}
		}
		out[name] = recs
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// DecodeState parses and strictly validates a state document.
//
// The document must be a JSON object whose values are all arrays of records;
// every record needs a non-empty string id that is unique within its
// collection, and timestamps must parse. Failures are *ImportError values.
func DecodeState(data []byte) (State, error) {
	return decodeState(data, true)
}

// DecodeStateLenient parses a persisted state document. It differs from
// DecodeState only in how it treats a collection whose value is not an
// array: instead of failing, the collection is reported with a nil slice so
// the Store can mark it malformed. Proper empty collections decode as
// non-nil empty slices.
func DecodeStateLenient(data []byte) (State, error) {
	return decodeState(data, false)
}

func decodeState(data []byte, strict bool) (State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ImportError{Index: -1, Err: fmt.Errorf("document is not a JSON object: %w", err)}
	}
	if raw == nil {
		return nil, &ImportError{Index: -1, Err: fmt.Errorf("document is null")}
	}

	state := make(State, len(raw))
	for name, msg := range raw {
		if name == "" {
			return nil, &ImportError{Index: -1, Err: fmt.Errorf("collection name is empty")}
		}
		trimmed := bytes.TrimSpace(msg)
		if len(trimmed) == 0 || trimmed[0] != '[' {
			if strict {
				return nil, &ImportError{Collection: name, Index: -1, Err: ErrCollectionNotArray}
			}
			state[name] = nil
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &ImportError{Collection: name, Index: -1, Err: err}
		}

		recs := make([]Record, 0, len(items))
		seen := make(map[string]struct{}, len(items))
		for i, item := range items {
			var rec Record
			if err := json.Unmarshal(item, &rec); err != nil {
				return nil, &ImportError{Collection: name, Index: i, Err: err}
			}
			if _, dup := seen[rec.ID]; dup {
				return nil, &ImportError{Collection: name, Index: i, Err: fmt.Errorf("duplicate id %q", rec.ID)}
			}
			seen[rec.ID] = struct{}{}
			recs = append(recs, rec)
		}
		state[name] = recs
	}

	return state, nil
}
