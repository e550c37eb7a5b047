package registrar

import (
	"sync"
	"time"
)

// Binding is one registered contact for an address-of-record, identified by
// its contact URI. RFC 3261 still allows more than one Contact per AOR (e.g.
// one per device), which is why bindings are stored as a slice.
type Binding struct {
	AOR       string
	Contact   string
	UserAgent string
	CallID    string
	CSeq      uint32
	Expires   time.Time
}

func (b Binding) expired(now time.Time) bool {
	return !now.Before(b.Expires)
}

// BindingStore holds the contacts currently registered per AOR.
type BindingStore struct {
	mu       sync.Mutex
	bindings map[string][]Binding
}

func NewBindingStore() *BindingStore {
	return &BindingStore{bindings: make(map[string][]Binding)}
}

// Upsert stores b, replacing any prior binding for the same AOR and contact
// URI. Binding identity is the contact URI, not the Call-ID: re-registering
// the same contact under a fresh dialog (new Call-ID) still replaces the old
// binding rather than adding a duplicate. The CSeq-ordering check of
// RFC 3261 10.3 step 7 only applies when the existing binding carries the
// same Call-ID as b — a different Call-ID is a new registration instance and
// any CSeq is acceptable for it.
func (s *BindingStore) Upsert(b Binding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.bindings[b.AOR]
	out := make([]Binding, 0, len(existing)+1)
	replaced := false
	for _, e := range existing {
		if e.Contact != b.Contact {
			out = append(out, e)
			continue
		}
		if e.CallID == b.CallID && b.CSeq <= e.CSeq {
			return false
		}
		out = append(out, b)
		replaced = true
	}
	if !replaced {
		out = append(out, b)
	}
	s.bindings[b.AOR] = out
	return true
}

// Remove drops the binding for aor matching contact (Expires: 0 on a single
// contact). Returns false if no such binding existed.
func (s *BindingStore) Remove(aor, contact string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.bindings[aor]
	out := make([]Binding, 0, len(existing))
	removed := false
	for _, e := range existing {
		if e.Contact == contact {
			removed = true
			continue
		}
		out = append(out, e)
	}
	s.bindings[aor] = out
	return removed
}

// RemoveAll drops every binding for aor, used for Contact: * with Expires: 0.
func (s *BindingStore) RemoveAll(aor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, aor)
}

// Active returns the non-expired bindings for aor.
func (s *BindingStore) Active(aor string, now time.Time) []Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Binding
	for _, b := range s.bindings[aor] {
		if !b.expired(now) {
			out = append(out, b)
		}
	}
	return out
}

// Registered reports whether aor has at least one live binding.
func (s *BindingStore) Registered(aor string, now time.Time) bool {
	return len(s.Active(aor, now)) > 0
}

// RegisteredAORs lists every AOR with at least one live binding.
func (s *BindingStore) RegisteredAORs(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for aor, bindings := range s.bindings {
		for _, b := range bindings {
			if !b.expired(now) {
				out = append(out, aor)
				break
			}
		}
	}
	return out
}

// Sweep removes bindings that expired at or before now from every AOR.
func (s *BindingStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for aor, bindings := range s.bindings {
		kept := bindings[:0:0]
		for _, b := range bindings {
			if !b.expired(now) {
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			delete(s.bindings, aor)
			continue
		}
		s.bindings[aor] = kept
	}
}
