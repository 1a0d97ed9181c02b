package reconcile

import "github.com/essaydesk/deskstore/internal/store"

// Significant reports whether remote is safe and worth merging into local
// for one collection.
//
// A snapshot is rejected when it holds fewer records than local, or when
// local holds more open records than remote. Otherwise it is significant
// when the open counts differ or when any same-position pair differs in
// state or owner.
//
// One case goes beyond those rules: an empty local collection takes any
// non-empty remote, even one holding only closed records. With no
// same-position pairs the pairwise rule alone would discard it, and a
// fresh client would never see closed history until StaleAfter applies.
func Significant(local, remote []store.Record, p store.Policy) bool {
	if len(local) > len(remote) {
		return false
	}

	localOpen, remoteOpen := p.CountOpen(local), p.CountOpen(remote)
	if localOpen > remoteOpen {
		return false
	}
	if localOpen != remoteOpen {
		return true
	}
	if len(local) == 0 {
		// Bootstrap: not covered by the pairwise rule.
		return len(remote) > 0
	}

	for i := range local {
		if p.State(local[i]) != p.State(remote[i]) || p.Owner(local[i]) != p.Owner(remote[i]) {
			return true
		}
	}
	return false
}

// differs reports whether merging remote would change local at all.
func differs(local, remote []store.Record) bool {
	merged := Merge(local, remote)
	if len(merged) != len(local) {
		return true
	}
	for i := range merged {
		if !merged[i].Equal(local[i]) {
			return true
		}
	}
	return false
}
