package registrar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBindingStoreUpsertNew(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()

	ok := s.Upsert(Binding{
		AOR: "sip:alice@example.com", Contact: "sip:alice@1.2.3.4",
		CallID: "call-1", CSeq: 1, Expires: now.Add(time.Hour),
	})
	assert.True(t, ok)
	assert.True(t, s.Registered("sip:alice@example.com", now))
}

func TestBindingStoreUpsertRefreshSameCallID(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 1, Expires: now.Add(time.Minute)})
	ok := s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 2, Expires: now.Add(time.Hour)})
	assert.True(t, ok)

	active := s.Active(aor, now)
	assert.Len(t, active, 1)
	assert.Equal(t, uint32(2), active[0].CSeq)
}

func TestBindingStoreUpsertStaleCSeqRejected(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 5, Expires: now.Add(time.Hour)})
	ok := s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 3, Expires: now.Add(time.Hour)})
	assert.False(t, ok)

	active := s.Active(aor, now)
	assert.Len(t, active, 1)
	assert.Equal(t, uint32(5), active[0].CSeq)
}

func TestBindingStoreMultipleDevices(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@phone", CallID: "call-1", CSeq: 1, Expires: now.Add(time.Hour)})
	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@desktop", CallID: "call-2", CSeq: 1, Expires: now.Add(time.Hour)})

	assert.Len(t, s.Active(aor, now), 2)
}

func TestBindingStoreRemove(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 1, Expires: now.Add(time.Hour)})
	assert.True(t, s.Remove(aor, "sip:alice@1.2.3.4"))
	assert.False(t, s.Registered(aor, now))
	assert.False(t, s.Remove(aor, "sip:alice@1.2.3.4"))
}

func TestBindingStoreUpsertReplacesSameContactAcrossNewCallID(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 5, Expires: now.Add(time.Minute)})

	// Same contact, brand new Call-ID (e.g. the client restarted): this must
	// replace the old binding, not duplicate it, and any CSeq is acceptable
	// since the Call-ID doesn't match the existing binding's.
	ok := s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-2", CSeq: 1, Expires: now.Add(time.Hour)})
	assert.True(t, ok)

	active := s.Active(aor, now)
	assert.Len(t, active, 1)
	assert.Equal(t, "call-2", active[0].CallID)
	assert.Equal(t, uint32(1), active[0].CSeq)
}

func TestBindingStoreRemoveAll(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@phone", CallID: "call-1", CSeq: 1, Expires: now.Add(time.Hour)})
	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@desktop", CallID: "call-2", CSeq: 1, Expires: now.Add(time.Hour)})

	s.RemoveAll(aor)
	assert.False(t, s.Registered(aor, now))
}

func TestBindingStoreSweepExpires(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()
	aor := "sip:alice@example.com"

	s.Upsert(Binding{AOR: aor, Contact: "sip:alice@1.2.3.4", CallID: "call-1", CSeq: 1, Expires: now.Add(-time.Second)})

	s.Sweep(now)
	assert.False(t, s.Registered(aor, now))
	assert.NotContains(t, s.RegisteredAORs(now), aor)
}

func TestBindingStoreRegisteredAORs(t *testing.T) {
	s := NewBindingStore()
	now := time.Now()

	s.Upsert(Binding{AOR: "sip:alice@example.com", Contact: "sip:alice@1.2.3.4", CallID: "c1", CSeq: 1, Expires: now.Add(time.Hour)})
	s.Upsert(Binding{AOR: "sip:bob@example.com", Contact: "sip:bob@1.2.3.5", CallID: "c2", CSeq: 1, Expires: now.Add(-time.Hour)})

	aors := s.RegisteredAORs(now)
	assert.Contains(t, aors, "sip:alice@example.com")
	assert.NotContains(t, aors, "sip:bob@example.com")
}
