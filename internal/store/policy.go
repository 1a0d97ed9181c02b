package store

import "strings"

// Policy names the few domain fields the Store and Reconciler must read.
// Everything else in a record belongs to the feature module that owns the
// collection.
type Policy struct {
	// StateField holds the record's domain state (e.g. "status").
	StateField string

	// OpenStates are the state values that mean open/available work.
	// Comparison is case-insensitive.
	OpenStates []string

	// OwnerField holds the record's owner (e.g. the assigned writer).
	OwnerField string
}

// DefaultPolicy matches the marketplace's order records.
func DefaultPolicy() Policy {
	return Policy{
		StateField: "status",
		OpenStates: []string{"available", "open"},
		OwnerField: "writerId",
	}
}

// State returns the record's domain state, or "".
func (p Policy) State(r Record) string {
	return fieldString(r, p.StateField)
}

// Owner returns the record's owner, or "".
func (p Policy) Owner(r Record) string {
	return fieldString(r, p.OwnerField)
}

// IsOpen reports whether the record is in an open/available state.
func (p Policy) IsOpen(r Record) bool {
	state := p.State(r)
	if state == "" {
		return false
	}
	for _, open := range p.OpenStates {
		if strings.EqualFold(state, open) {
			return true
		}
	}
	return false
}

// CountOpen counts open/available records.
func (p Policy) CountOpen(recs []Record) int {
	n := 0
	for _, r := range recs {
		if p.IsOpen(r) {
			n++
		}
	}
	return n
}

func fieldString(r Record, key string) string {
	if key == "" {
		return ""
	}
	return r.String(key)
}

// Policies resolves the Policy for a collection.
type Policies struct {
	Default      Policy
	ByCollection map[string]Policy
}

// DefaultPolicies applies DefaultPolicy to every collection.
func DefaultPolicies() Policies {
	return Policies{Default: DefaultPolicy()}
}

// For returns the policy for a collection.
func (ps Policies) For(collection string) Policy {
	if p, ok := ps.ByCollection[collection]; ok {
		return p
	}
	return ps.Default
}
