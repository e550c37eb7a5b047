package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/fmus3g/sipstack/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationClientRegisterSuccess(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		assert.Equal(t, sip.REGISTER, req.Method)
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		exp := sip.Expires(1800)
		res.AppendHeader(&exp)
		return res
	})

	rc := NewRegistrationClient(client, RegistrationClientOptions{
		Registrar: sip.Uri{Host: "registrar.example.com", Port: 5060},
		Username:  "alice",
		Password:  "secret",
		Contact:   sip.Uri{Host: "10.0.0.1", Port: 5060},
	})

	err := rc.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RegistrationStateRegistered, rc.State())
}

func TestRegistrationClientDigestRetry(t *testing.T) {
	var chal digest.Challenge
	attempt := 0

	client := testClient(t, func(req *sip.Request) *sip.Response {
		attempt++
		if attempt == 1 {
			chal = digest.Challenge{Realm: "example.com", Nonce: "n1", Algorithm: "MD5"}
			res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
			return res
		}

		h := req.GetHeader("Authorization")
		require.NotNil(t, h)
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	rc := NewRegistrationClient(client, RegistrationClientOptions{
		Registrar: sip.Uri{Host: "registrar.example.com", Port: 5060},
		Username:  "alice",
		Password:  "secret",
		Contact:   sip.Uri{Host: "10.0.0.1", Port: 5060},
	})

	err := rc.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, RegistrationStateRegistered, rc.State())
}

func TestRegistrationClientFailureSetsFailedState(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, 403, "Forbidden", nil)
	})

	rc := NewRegistrationClient(client, RegistrationClientOptions{
		Registrar: sip.Uri{Host: "registrar.example.com", Port: 5060},
		Username:  "alice",
		Password:  "secret",
	})

	err := rc.Register(context.Background())
	assert.Error(t, err)
	assert.Equal(t, RegistrationStateFailed, rc.State())
}

func TestRegistrationClientUnregisterSendsExpiresZero(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		h := req.GetHeader("Expires")
		require.NotNil(t, h)
		exp, ok := h.(*sip.Expires)
		require.True(t, ok)
		assert.EqualValues(t, 0, *exp)
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	rc := NewRegistrationClient(client, RegistrationClientOptions{
		Registrar: sip.Uri{Host: "registrar.example.com", Port: 5060},
		Username:  "alice",
		Password:  "secret",
	})

	err := rc.Unregister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RegistrationStateUnregistered, rc.State())
}

func TestRegistrationClientOnStateChangeFires(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, 200, "OK", nil)
	})

	var transitions []RegistrationState
	rc := NewRegistrationClient(client, RegistrationClientOptions{
		Registrar: sip.Uri{Host: "registrar.example.com", Port: 5060},
		Username:  "alice",
		Password:  "secret",
		OnStateChange: func(old, new RegistrationState) {
			transitions = append(transitions, new)
		},
	})

	require.NoError(t, rc.Register(context.Background()))
	assert.Equal(t, []RegistrationState{RegistrationStateRegistering, RegistrationStateRegistered}, transitions)
}

func TestRegistrationClientStartAndStop(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		exp := sip.Expires(3600)
		res.AppendHeader(&exp)
		return res
	})

	rc := NewRegistrationClient(client, RegistrationClientOptions{
		Registrar: sip.Uri{Host: "registrar.example.com", Port: 5060},
		Username:  "alice",
		Password:  "secret",
	})

	err := rc.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, RegistrationStateRegistered, rc.State())

	done := make(chan struct{})
	go func() {
		rc.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
