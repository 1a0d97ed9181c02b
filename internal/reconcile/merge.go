package reconcile

import "github.com/essaydesk/deskstore/internal/store"

// Merge combines one local collection with its remote counterpart.
//
// Remote records form the base, in remote order. For an id present on both
// sides the local version wins only when its timestamp (UpdatedAt, falling
// back to CreatedAt) is strictly newer; ties favor remote. Local-only records
// are appended unchanged, in local order. Duplicate remote ids keep their
// first occurrence.
//
// The result never holds fewer records than local and shares no field maps
// with either input.
func Merge(local, remote []store.Record) []store.Record {
	byID := make(map[string]store.Record, len(local))
	for _, r := range local {
		if _, dup := byID[r.ID]; !dup {
			byID[r.ID] = r
		}
	}

	out := make([]store.Record, 0, len(remote)+len(local))
	seen := make(map[string]struct{}, len(remote)+len(local))

	for _, rr := range remote {
		if _, dup := seen[rr.ID]; dup {
			continue
		}
		seen[rr.ID] = struct{}{}

		if lr, ok := byID[rr.ID]; ok && lr.Timestamp().After(rr.Timestamp()) {
			out = append(out, lr.Clone())
			continue
		}
		out = append(out, rr.Clone())
	}

	for _, lr := range local {
		if _, ok := seen[lr.ID]; ok {
			continue
		}
		seen[lr.ID] = struct{}{}
		out = append(out, lr.Clone())
	}

	return out
}
