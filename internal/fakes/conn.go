// Package fakes provides in-memory net.Conn/net.PacketConn/net.Listener
// doubles for exercising the transport layer without real sockets.
package fakes

import (
	"net"
	"testing"
)

type TestConnection interface {
	TestReadConn(t testing.TB) []byte
	TestWriteConn(t testing.TB, data []byte)
	TestRequest(t testing.TB, data []byte) []byte
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}
