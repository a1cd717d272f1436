package server

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/book"
	"kestrel/internal/config"
	"kestrel/internal/directory"
	"kestrel/internal/wire"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Address = "127.0.0.1"
	cfg.Port = 0
	cfg.MaxClients = 2
	cfg.AcceptWait = 50 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.IdleTimeout = time.Minute
	cfg.ShutdownGrace = time.Second
	return cfg
}

func startServer(t *testing.T) (*Server, chan error) {
	t.Helper()

	dir := directory.New()
	tape := book.NewTape()
	srv := New(testConfig(), book.New(tape), dir, tape)

	errs := make(chan error, 1)
	go func() { errs <- srv.Run(context.Background()) }()
	t.Cleanup(srv.Shutdown)

	require.Eventually(t, func() bool { return srv.Addr() != "" },
		2*time.Second, 10*time.Millisecond, "listener never bound")
	return srv, errs
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, op string, values any) wire.SimpleResponse {
	t.Helper()
	require.NoError(t, wire.WriteRequest(conn, op, values))
	payload, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	var r wire.SimpleResponse
	require.NoError(t, json.Unmarshal(payload, &r))
	return r
}

func TestServer_EndToEnd(t *testing.T) {
	srv, _ := startServer(t)

	conn := dial(t, srv)
	assert.Equal(t, 100, roundTrip(t, conn, wire.OpRegister,
		wire.Credentials{Username: "alice", Password: "pw123"}).Code)
	assert.Equal(t, 100, roundTrip(t, conn, wire.OpLogin,
		wire.Credentials{Username: "alice", Password: "pw123"}).Code)

	// A second connection cannot claim the same account.
	other := dial(t, srv)
	resp := roundTrip(t, other, wire.OpLogin,
		wire.Credentials{Username: "alice", Password: "pw123"})
	assert.NotEqual(t, 100, resp.Code)
	assert.Equal(t, "user already logged in", resp.Message)
}

func TestServer_GracefulShutdown(t *testing.T) {
	srv, errs := startServer(t)

	conn := dial(t, srv)
	require.Equal(t, 100, roundTrip(t, conn, wire.OpRegister,
		wire.Credentials{Username: "bob", Password: "pw123"}).Code)

	srv.Shutdown()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop within the grace period")
	}
}
