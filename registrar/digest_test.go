package registrar

import (
	"fmt"
	"testing"

	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySucceeds(t *testing.T) {
	chal := NewChallenge("example.com", "nonce-1", "example.com")

	cred, err := digest.Digest(&chal, digest.Options{
		Method:   "REGISTER",
		URI:      "sip:example.com",
		Username: "alice",
		Password: "secret",
	})
	require.NoError(t, err)

	authHeader := fmt.Sprintf(
		`Digest username="alice", realm="example.com", nonce="nonce-1", uri="sip:example.com", response="%s", algorithm=MD5`,
		cred.Response,
	)

	got, err := Verify(authHeader, chal, "REGISTER", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestVerifyWrongPasswordFails(t *testing.T) {
	chal := NewChallenge("example.com", "nonce-1", "example.com")

	cred, err := digest.Digest(&chal, digest.Options{
		Method: "REGISTER", URI: "sip:example.com", Username: "alice", Password: "secret",
	})
	require.NoError(t, err)

	authHeader := fmt.Sprintf(
		`Digest username="alice", realm="example.com", nonce="nonce-1", uri="sip:example.com", response="%s", algorithm=MD5`,
		cred.Response,
	)

	_, err = Verify(authHeader, chal, "REGISTER", "wrong-password")
	assert.Error(t, err)
}

func TestVerifyNonceMismatchFails(t *testing.T) {
	chal := NewChallenge("example.com", "nonce-1", "example.com")

	authHeader := `Digest username="alice", realm="example.com", nonce="stale-nonce", uri="sip:example.com", response="deadbeef", algorithm=MD5`

	_, err := Verify(authHeader, chal, "REGISTER", "secret")
	assert.Error(t, err)
}
