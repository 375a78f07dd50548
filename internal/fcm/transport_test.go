package fcm

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfmd/findmygo/internal/mcs"
)

func testConfig(dial func(ctx context.Context, addr string) (net.Conn, error)) Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ConnectBackoff = time.Millisecond
	cfg.ConnectBackoffMax = 5 * time.Millisecond
	cfg.WriterCloseTimeout = 100 * time.Millisecond
	cfg.Dial = dial
	return cfg
}

func testCreds() Credentials {
	return Credentials{AndroidID: 4482950660021969561, SecurityToken: 7297574713996035261}
}

// mcsServer drives the far end of a piped connection in the test goroutine's
// stead.
type mcsServer struct {
	conn  net.Conn
	codec *mcs.Codec
}

func newPipeTransport(t *testing.T, persistentIDs []string) (*Transport, *mcsServer) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	dial := func(context.Context, string) (net.Conn, error) { return clientSide, nil }
	tr := New(testConfig(dial), testCreds(), persistentIDs, zerolog.Nop())
	srv := &mcsServer{conn: serverSide, codec: mcs.NewCodec(serverSide)}
	t.Cleanup(func() {
		tr.Stop()
		serverSide.Close()
	})
	return tr, srv
}

func (s *mcsServer) readMessage(t *testing.T) mcs.Message {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tag, payload, err := s.codec.ReadFrame()
	require.NoError(t, err)
	msg, err := mcs.Decode(tag, payload)
	require.NoError(t, err)
	return msg
}

func (s *mcsServer) acceptLogin(t *testing.T) {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tag, _, err := s.codec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, mcs.TagLoginRequest, tag)
	require.NoError(t, s.write(t, &mcs.LoginResponse{ID: "login-1", JID: "device/notifications"}))
}

func (s *mcsServer) write(t *testing.T, msg mcs.Message) error {
	t.Helper()
	payload, err := mcs.Encode(msg)
	require.NoError(t, err)
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return s.codec.WriteFrame(msg.Tag(), payload)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestTransportLoginAndDeliver(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	delivered := make(chan PushMessage, 4)
	tr.Register("test", func(m PushMessage) { delivered <- m })

	require.NoError(t, tr.Start(context.Background()))

	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	require.NoError(t, srv.write(t, &mcs.DataMessageStanza{
		ID:           "m1",
		From:         "spot-sender",
		Category:     "com.google.android.apps.adm",
		PersistentID: "persist-1",
		AppData:      []mcs.AppData{{Key: "k", Value: "v"}},
		RawData:      []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}))

	select {
	case msg := <-delivered:
		assert.Equal(t, "persist-1", msg.PersistentID)
		assert.Equal(t, "com.google.android.apps.adm", msg.Category)
		assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, msg.RawData)
		assert.Equal(t, "v", msg.AppData["k"])
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	// The transport acks the message immediately after delivery.
	ack := srv.readMessage(t)
	iq, ok := ack.(*mcs.IqStanza)
	require.True(t, ok, "expected selective ack, got %T", ack)
	require.NotNil(t, iq.Extension)
	assert.Equal(t, int32(mcs.SelectiveAckID), iq.Extension.ID)

	assert.Equal(t, []string{"persist-1"}, tr.PersistentIDs())
}

func TestTransportDuplicateDeliveryAckedOnce(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)

	delivered := make(chan PushMessage, 4)
	tr.Register("test", func(m PushMessage) { delivered <- m })
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	stanza := &mcs.DataMessageStanza{ID: "m1", PersistentID: "persist-dup", RawData: []byte{1}}
	require.NoError(t, srv.write(t, stanza))
	<-delivered
	srv.readMessage(t) // first ack

	require.NoError(t, srv.write(t, stanza))
	// The duplicate is still acked but not redelivered.
	ack := srv.readMessage(t)
	_, ok := ack.(*mcs.IqStanza)
	assert.True(t, ok)
	select {
	case <-delivered:
		t.Fatal("duplicate message must not be redelivered")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, []string{"persist-dup"}, tr.PersistentIDs())
}

func TestTransportLoginCarriesPersistentIDs(t *testing.T) {
	tr, srv := newPipeTransport(t, []string{"old-1", "old-2"})
	require.NoError(t, tr.Start(context.Background()))

	srv.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tag, payload, err := srv.codec.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, mcs.TagLoginRequest, tag)
	assert.Contains(t, string(payload), "old-1")
	assert.Contains(t, string(payload), "old-2")

	require.NoError(t, srv.write(t, &mcs.LoginResponse{ID: "login-1"}))
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	// Successful login clears the dedup backlog.
	assert.Empty(t, tr.PersistentIDs())
}

func TestTransportHeartbeatPingAnswered(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	require.NoError(t, srv.write(t, &mcs.HeartbeatPing{StreamID: 3, Status: 1}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := srv.readMessage(t)
		if ack, ok := msg.(*mcs.HeartbeatAck); ok {
			assert.Equal(t, int64(1), ack.Status)
			return
		}
		// Client-initiated pings may interleave; skip them.
		if _, ok := msg.(*mcs.HeartbeatPing); ok {
			continue
		}
		t.Fatalf("unexpected message %T", msg)
	}
	t.Fatal("no heartbeat ack observed")
}

func TestTransportClientHeartbeats(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	msg := srv.readMessage(t)
	_, ok := msg.(*mcs.HeartbeatPing)
	assert.True(t, ok, "expected client heartbeat, got %T", msg)
}

func TestTransportServerClose(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	require.NoError(t, srv.write(t, &mcs.Close{}))
	waitFor(t, tr.Done, "transport to finish after server close")
}

func TestTransportConnectRetriesExhausted(t *testing.T) {
	attempts := 0
	dial := func(context.Context, string) (net.Conn, error) {
		attempts++
		return nil, fmt.Errorf("connection refused")
	}
	tr := New(testConfig(dial), testCreds(), nil, zerolog.Nop())
	require.NoError(t, tr.Start(context.Background()))

	waitFor(t, tr.Done, "transport to give up connecting")
	assert.Equal(t, DefaultConfig().ConnectAttempts, attempts)
	assert.NotEqual(t, StateStarted, tr.State())
	tr.Stop()
	assert.Equal(t, StateStopped, tr.State())
}

func TestTransportHandlerPanicSurvives(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	tr.Register("bad", func(PushMessage) { panic("handler exploded") })
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	require.NoError(t, srv.write(t, &mcs.DataMessageStanza{ID: "m1", PersistentID: "p1", RawData: []byte{1}}))
	// The ack still goes out; the panic only bumps the notify counter.
	ack := srv.readMessage(t)
	_, ok := ack.(*mcs.IqStanza)
	assert.True(t, ok)
	assert.False(t, tr.Done())
}

func TestTransportStopIdempotent(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	tr.Stop()
	tr.Stop()
	assert.Equal(t, StateStopped, tr.State())
}

func TestTransportStartTwiceRejected(t *testing.T) {
	tr, _ := newPipeTransport(t, nil)
	require.NoError(t, tr.Start(context.Background()))
	assert.Error(t, tr.Start(context.Background()))
}

func TestTransportStreamErrorStops(t *testing.T) {
	tr, srv := newPipeTransport(t, nil)
	require.NoError(t, tr.Start(context.Background()))
	srv.acceptLogin(t)
	waitFor(t, func() bool { return tr.State() == StateStarted }, "login to complete")

	require.NoError(t, srv.write(t, &mcs.StreamErrorStanza{Type: "reset", Text: "stream broken"}))
	waitFor(t, tr.Done, "transport to stop on stream error")
}

func TestRunStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "connection", ErrorConnection.String())
	assert.Equal(t, "notify", ErrorNotify.String())
}
