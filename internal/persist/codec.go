package persist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/essaydesk/deskstore/internal/store"
)

// Format is an interchange format for a whole state.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatJSONL Format = "jsonl"
)

// ErrUnknownFormat is returned for a format name or extension that has no
// codec.
var ErrUnknownFormat = errors.New("unknown format")

// ParseFormat resolves a format name. The empty string means JSON.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %s has no extension", ErrUnknownFormat, path)
	}
	return ParseFormat(ext)
}

// Ext returns the file extension for the format, without a dot.
func (f Format) Ext() string {
	if f == "" {
		return string(FormatJSON)
	}
	return string(f)
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatYAML:
		return "application/yaml"
	case FormatJSONL:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Encode serializes state in format.
func Encode(state store.State, format Format) ([]byte, error) {
	switch format {
	case "", FormatJSON:
		return store.EncodeState(state)
	case FormatYAML:
		return encodeYAML(state)
	case FormatJSONL:
		return encodeJSONL(state)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// Decode parses and strictly validates a state in format. Failures match
// store.ErrMalformedPayload.
func Decode(data []byte, format Format) (store.State, error) {
	switch format {
	case "", FormatJSON:
		return store.DecodeState(data)
	case FormatYAML:
		return decodeYAML(data)
	case FormatJSONL:
		return decodeJSONL(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// ToJSON converts a document in format to the canonical JSON form accepted
// by Store.Import.
func ToJSON(data []byte, format Format) (string, error) {
	if format == "" || format == FormatJSON {
		if _, err := store.DecodeState(data); err != nil {
			return "", err
		}
		return string(data), nil
	}
	state, err := Decode(data, format)
	if err != nil {
		return "", err
	}
	out, err := store.EncodeState(state)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// encodeYAML goes through the flat JSON form so that records keep the same
// keys and timestamp layout in both formats.
func encodeYAML(state store.State) ([]byte, error) {
	data, err := store.EncodeState(state)
	if err != nil {
		return nil, err
	}
	generic, err := store.DecodeValue(data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert state: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to marshal yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeYAML(data []byte) (store.State, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, &store.ImportError{Index: -1, Err: fmt.Errorf("document is not valid yaml: %w", err)}
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return nil, &store.ImportError{Index: -1, Err: fmt.Errorf("document cannot be represented as json: %w", err)}
	}
	return store.DecodeState(data)
}

// jsonlLine is one record of a JSON Lines document.
type jsonlLine struct {
	Collection string          `json:"collection"`
	Record     json.RawMessage `json:"record"`
}

func encodeJSONL(state store.State) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, name := range state.Names() {
		for _, rec := range state[name] {
			raw, err := json.Marshal(rec)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal record %s/%s: %w", name, rec.ID, err)
			}
			if err := enc.Encode(jsonlLine{Collection: name, Record: raw}); err != nil {
				return nil, fmt.Errorf("failed to write line: %w", err)
			}
		}
	}
	return buf.Bytes(), nil
}

// decodeJSONL regroups lines by collection, keeping line order, and then
// applies the same validation as the JSON form.
func decodeJSONL(data []byte) (store.State, error) {
	grouped := make(map[string][]json.RawMessage)
	dec := json.NewDecoder(bytes.NewReader(data))
	lineNum := 0
	for {
		var line jsonlLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &store.ImportError{Index: lineNum, Err: fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)}
		}
		lineNum++
		if line.Collection == "" {
			return nil, &store.ImportError{Index: lineNum - 1, Err: fmt.Errorf("line %d has no collection", lineNum)}
		}
		if len(line.Record) == 0 {
			return nil, &store.ImportError{Collection: line.Collection, Index: lineNum - 1, Err: fmt.Errorf("line %d has no record", lineNum)}
		}
		grouped[line.Collection] = append(grouped[line.Collection], line.Record)
	}

	doc, err := json.Marshal(grouped)
	if err != nil {
		return nil, &store.ImportError{Index: -1, Err: err}
	}
	return store.DecodeState(doc)
}
