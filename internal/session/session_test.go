package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/book"
	"kestrel/internal/directory"
	"kestrel/internal/wire"
)

// --- Setup & Helpers --------------------------------------------------------

type harness struct {
	conn net.Conn
	dir  *directory.Directory
	book *book.Book
	done chan struct{}
}

func startSession(t *testing.T, poll, idle time.Duration) *harness {
	t.Helper()

	server, client := net.Pipe()
	dir := directory.New()
	tape := book.NewTape()
	bk := book.New(tape)

	sess := New(server, bk, dir, tape, poll, idle)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sess.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})

	return &harness{conn: client, dir: dir, book: bk, done: done}
}

func (h *harness) send(t *testing.T, op string, values any) {
	t.Helper()
	require.NoError(t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wire.WriteRequest(h.conn, op, values))
}

func (h *harness) readSimple(t *testing.T) wire.SimpleResponse {
	t.Helper()
	var r wire.SimpleResponse
	h.readResponse(t, &r)
	return r
}

func (h *harness) readOrder(t *testing.T) wire.OrderResponse {
	t.Helper()
	var r wire.OrderResponse
	h.readResponse(t, &r)
	return r
}

func (h *harness) readResponse(t *testing.T, into any) {
	t.Helper()
	require.NoError(t, h.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := wire.ReadFrame(h.conn)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, into))
}

func (h *harness) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close in time")
	}
}

func (h *harness) registerAndLogin(t *testing.T, user, password string) {
	t.Helper()
	h.send(t, wire.OpRegister, wire.Credentials{Username: user, Password: password})
	require.Equal(t, codeOK, h.readSimple(t).Code)
	h.send(t, wire.OpLogin, wire.Credentials{Username: user, Password: password})
	require.Equal(t, codeOK, h.readSimple(t).Code)
}

// --- Tests ------------------------------------------------------------------

func TestSession_AuthAndOrders(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)
	h.registerAndLogin(t, "alice", "pw123")

	// A resting bid, then a market ask partially consuming it.
	h.send(t, wire.OpInsertLimitOrder, wire.LimitOrder{Side: "bid", Size: 10, Price: 1000})
	bidID := h.readOrder(t).OrderID
	assert.Equal(t, int64(1), bidID)

	h.send(t, wire.OpInsertMarketOrder, wire.MarketOrder{Side: "ask", Size: 5})
	assert.Equal(t, int64(2), h.readOrder(t).OrderID)

	h.send(t, wire.OpGetPriceHistory, wire.PriceHistory{})
	var hist wire.PriceHistoryResponse
	h.readResponse(t, &hist)
	assert.Equal(t, []uint64{1000}, hist.Prices)

	h.send(t, wire.OpCancelOrder, wire.CancelOrder{OrderID: bidID})
	assert.Equal(t, codeOK, h.readSimple(t).Code)
	h.send(t, wire.OpCancelOrder, wire.CancelOrder{OrderID: bidID})
	assert.Equal(t, codeOrderNotFound, h.readSimple(t).Code)

	h.send(t, wire.OpLogout, struct{}{})
	assert.Equal(t, codeOK, h.readSimple(t).Code)
	assert.False(t, h.dir.Connected("alice"))
}

func TestSession_SecondLoginRefusedWhileBound(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)
	h.registerAndLogin(t, "alice", "pw123")

	h.send(t, wire.OpRegister, wire.Credentials{Username: "bob", Password: "pw456"})
	require.Equal(t, codeOK, h.readSimple(t).Code)

	// The session already holds alice; logging in as bob must be refused,
	// not rebind and strand alice's connected flag.
	h.send(t, wire.OpLogin, wire.Credentials{Username: "bob", Password: "pw456"})
	assert.Equal(t, codeOK+int(directory.AlreadyLoggedIn), h.readSimple(t).Code)
	assert.True(t, h.dir.Connected("alice"))
	assert.False(t, h.dir.Connected("bob"))

	h.send(t, wire.OpLogout, struct{}{})
	require.Equal(t, codeOK, h.readSimple(t).Code)
	assert.False(t, h.dir.Connected("alice"))

	h.send(t, wire.OpLogin, wire.Credentials{Username: "alice", Password: "pw123"})
	assert.Equal(t, codeOK, h.readSimple(t).Code, "alice must not be locked out")
}

func TestSession_PartialFrameTimeoutCloses(t *testing.T) {
	h := startSession(t, 30*time.Millisecond, time.Minute)

	// A header promising 10 bytes followed by only 3: the frame stalls
	// across the poll deadline and must close the connection rather than
	// desync the stream.
	partial := make([]byte, 4, 7)
	binary.BigEndian.PutUint32(partial, 10)
	partial = append(partial, 'a', 'b', 'c')
	require.NoError(t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := h.conn.Write(partial)
	require.NoError(t, err)

	h.waitClosed(t)
}

func TestSession_FrameSplitAcrossWritesSurvives(t *testing.T) {
	h := startSession(t, 200*time.Millisecond, time.Minute)

	var buf bytes.Buffer
	require.NoError(t, wire.WriteRequest(&buf, wire.OpRegister,
		wire.Credentials{Username: "alice", Password: "pw123"}))
	frame := buf.Bytes()

	// A slow writer delivering one frame in two pieces within the poll
	// interval still gets its request through.
	require.NoError(t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := h.conn.Write(frame[:6])
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = h.conn.Write(frame[6:])
	require.NoError(t, err)

	assert.Equal(t, codeOK, h.readSimple(t).Code)
}

func TestSession_OrderRequiresLogin(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)

	h.send(t, wire.OpInsertLimitOrder, wire.LimitOrder{Side: "bid", Size: 10, Price: 1000})
	assert.Equal(t, book.RejectedID, h.readOrder(t).OrderID)
	assert.Empty(t, h.book.Resting(book.Bid))
}

func TestSession_UnknownOperationIgnored(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)

	// No response is produced and the connection stays open.
	h.send(t, "bogus", struct{}{})

	h.send(t, wire.OpRegister, wire.Credentials{Username: "alice", Password: "pw123"})
	assert.Equal(t, codeOK, h.readSimple(t).Code)
}

func TestSession_MalformedValuesKeepConnection(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)

	h.send(t, wire.OpRegister, json.RawMessage(`{"username":5}`))
	assert.Equal(t, codeMalformed, h.readSimple(t).Code)

	h.send(t, wire.OpRegister, wire.Credentials{Username: "alice", Password: "pw123"})
	assert.Equal(t, codeOK, h.readSimple(t).Code)
}

func TestSession_UndecodablePayloadCloses(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)

	require.NoError(t, h.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, wire.WriteFrame(h.conn, []byte("not json at all")))
	h.waitClosed(t)
}

func TestSession_IdleTimeoutForcesLogout(t *testing.T) {
	h := startSession(t, 10*time.Millisecond, 50*time.Millisecond)
	h.registerAndLogin(t, "alice", "pw123")
	require.True(t, h.dir.Connected("alice"))

	h.waitClosed(t)
	assert.False(t, h.dir.Connected("alice"), "idle close forces the logout first")
}

func TestSession_ExitClosesAfterGoodbye(t *testing.T) {
	h := startSession(t, 20*time.Millisecond, time.Minute)

	h.send(t, wire.OpExit, struct{}{})
	assert.Equal(t, codeOK, h.readSimple(t).Code)
	h.waitClosed(t)
}

func TestSession_ShutdownSignalForcesLogout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	dir := directory.New()
	tape := book.NewTape()
	bk := book.New(tape)
	require.Equal(t, directory.OK, dir.Register("alice", "pw123"))
	require.Equal(t, directory.OK, dir.Login("alice", "pw123"))

	sess := New(server, bk, dir, tape, 10*time.Millisecond, time.Minute)
	sess.user = "alice"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe shutdown")
	}
	assert.False(t, dir.Connected("alice"))
}
