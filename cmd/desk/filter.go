package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/essaydesk/deskstore/internal/store"
)

// parseAssignments turns key=value arguments into fields. Values that parse
// as JSON (numbers, booleans, null, arrays, objects, quoted strings) keep
// their type; anything else is a plain string.
func parseAssignments(args []string) (store.Fields, error) {
	fields := store.Fields{}
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: want key=value", arg)
		}
		switch key {
		case store.KeyID, store.KeyCreatedAt, store.KeyUpdatedAt:
			return nil, fmt.Errorf("invalid assignment %q: %s is managed by the store", arg, key)
		}
		fields[key] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	if v, err := store.DecodeValue([]byte(raw)); err == nil {
		return v
	}
	return raw
}

// condition is one --where key=value filter.
type condition struct {
	key, want string
}

func parseConditions(args []string) ([]condition, error) {
	conds := make([]condition, 0, len(args))
	for _, arg := range args {
		key, want, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", arg)
		}
		conds = append(conds, condition{key: strings.TrimSpace(key), want: want})
	}
	return conds, nil
}

// matches reports whether rec satisfies every condition. Values are compared
// in their printed form, so pages=4 matches the number 4.
func matches(rec store.Record, conds []condition) bool {
	for _, c := range conds {
		var got string
		switch c.key {
		case store.KeyID:
			got = rec.ID
		default:
			v, ok := rec.Get(c.key)
			if !ok {
				return false
			}
			got = fmt.Sprint(v)
		}
		if got != c.want {
			return false
		}
	}
	return true
}

// parseSince resolves an --updated-since value: an RFC 3339 time, a
// duration back from now ("90m"), or natural language ("yesterday",
// "last monday").
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse %q as a time", text)
	}
	return r.Time, nil
}
