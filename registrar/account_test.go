package registrar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccountStoreAddFind(t *testing.T) {
	s := NewAccountStore()
	s.Add("alice", "secret", "")

	acc, ok := s.Find("alice")
	assert.True(t, ok)
	assert.Equal(t, "alice", acc.DisplayName)
	assert.Equal(t, "secret", acc.Password)
	assert.True(t, acc.Enabled)
}

func TestAccountStoreAddWithDisplayName(t *testing.T) {
	s := NewAccountStore()
	s.Add("bob", "hunter2", "Bob Smith")

	acc, ok := s.Find("bob")
	assert.True(t, ok)
	assert.Equal(t, "Bob Smith", acc.DisplayName)
}

func TestAccountStoreUpdatePassword(t *testing.T) {
	s := NewAccountStore()
	s.Add("alice", "old", "")

	assert.True(t, s.UpdatePassword("alice", "new"))
	acc, _ := s.Find("alice")
	assert.Equal(t, "new", acc.Password)

	assert.False(t, s.UpdatePassword("nobody", "x"))
}

func TestAccountStoreSetEnabled(t *testing.T) {
	s := NewAccountStore()
	s.Add("alice", "secret", "")

	assert.True(t, s.SetEnabled("alice", false))
	acc, _ := s.Find("alice")
	assert.False(t, acc.Enabled)

	assert.False(t, s.SetEnabled("nobody", false))
}

func TestAccountStoreRemove(t *testing.T) {
	s := NewAccountStore()
	s.Add("alice", "secret", "")

	assert.True(t, s.Remove("alice"))
	_, ok := s.Find("alice")
	assert.False(t, ok)

	assert.False(t, s.Remove("alice"))
}
