// Package fcm maintains the persistent MCS push connection that delivers
// Find My Device location responses. One Transport instance is one
// connection attempt's lifetime: it connects, logs in, listens, and shuts
// itself down on trouble. Reconnecting is the supervisor's job, by creating
// a fresh instance.
package fcm

import (
	"context"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfmd/findmygo/internal/mcs"
	"github.com/openfmd/findmygo/internal/metrics"
)

// RunState is the transport lifecycle phase. Transitions are strictly
// forward; a restart means a new instance.
type RunState int32

const (
	StateCreated RunState = iota
	StateStartingTasks
	StateStartingConnection
	StateStartingLogin
	StateStarted
	StateStopping
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStartingTasks:
		return "starting_tasks"
	case StateStartingConnection:
		return "starting_connection"
	case StateStartingLogin:
		return "starting_login"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrorKind labels the sequential error counters.
type ErrorKind int

const (
	ErrorConnection ErrorKind = iota
	ErrorRead
	ErrorLogin
	ErrorNotify
	errorKindCount
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorConnection:
		return "connection"
	case ErrorRead:
		return "read"
	case ErrorLogin:
		return "login"
	case ErrorNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// PushMessage is one delivered data message. RawData is still encrypted;
// decryption belongs to the consumer.
type PushMessage struct {
	PersistentID string
	From         string
	Category     string
	Token        string
	AppData      map[string]string
	RawData      []byte
}

// Handler receives delivered push messages. Handlers run on the listener
// goroutine; a slow handler stalls frame processing.
type Handler func(PushMessage)

// Credentials is the device identity the login frame presents, from a prior
// GCM check-in.
type Credentials struct {
	AndroidID     uint64
	SecurityToken uint64
}

// Transport is one MCS push connection. Create with New, drive with Start
// and Stop. Safe for concurrent Register/Unregister/Stop alongside the
// internal goroutines.
type Transport struct {
	cfg    Config
	creds  Credentials
	logger zerolog.Logger

	state    atomic.Int32
	doListen atomic.Bool

	mu      sync.Mutex // guards conn and stop transition
	conn    net.Conn
	stopped bool

	writeMu sync.Mutex // serializes frames onto the shared writer
	codec   *mcs.Codec

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	persistentMu  sync.Mutex
	persistentIDs []string
	seenIDs       map[string]bool

	errMu     sync.Mutex
	errCounts [errorKindCount]int

	inboundStreamID atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup

	rand interface{ Float64() float64 }
}

// New creates a transport for one connection attempt. persistentIDs carries
// message ids already delivered by a previous instance, to suppress
// redelivery at login.
func New(cfg Config, creds Credentials, persistentIDs []string, logger zerolog.Logger) *Transport {
	cfg.applyDefaults()
	t := &Transport{
		cfg:           cfg,
		creds:         creds,
		logger:        logger.With().Str("component", "fcm").Logger(),
		handlers:      make(map[string]Handler),
		persistentIDs: append([]string(nil), persistentIDs...),
		seenIDs:       make(map[string]bool, len(persistentIDs)),
		rand:          mathrand.New(mathrand.NewPCG(mathrand.Uint64(), mathrand.Uint64())),
	}
	for _, id := range persistentIDs {
		t.seenIDs[id] = true
	}
	t.state.Store(int32(StateCreated))
	return t
}

// State returns the current lifecycle phase.
func (t *Transport) State() RunState {
	return RunState(t.state.Load())
}

// Done reports whether the transport has finished listening, either by Stop
// or by its own error handling.
func (t *Transport) Done() bool {
	return t.State() == StateStopped || !t.doListen.Load()
}

// PersistentIDs returns a copy of the ids delivered so far, for handing to
// the next transport instance.
func (t *Transport) PersistentIDs() []string {
	t.persistentMu.Lock()
	defer t.persistentMu.Unlock()
	return append([]string(nil), t.persistentIDs...)
}

// Register installs a handler under key. All handlers see every delivered
// message; consumers filter for their own.
func (t *Transport) Register(key string, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[key] = h
}

// Unregister removes the handler under key. Unknown keys are a no-op.
func (t *Transport) Unregister(key string) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	delete(t.handlers, key)
}

// Start launches the listener and heartbeat goroutines and returns
// immediately. It may be called once per instance.
func (t *Transport) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateStartingTasks)) {
		return fmt.Errorf("transport already started (state %s)", t.State())
	}
	t.doListen.Store(true)

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.listen(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.heartbeatSender(ctx)
	}()
	return nil
}

// Stop shuts the transport down. Idempotent, safe to call concurrently with
// a running listener. The writer is closed gracefully within the configured
// timeout, then the connection is hard-aborted.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	conn := t.conn
	t.mu.Unlock()

	t.state.Store(int32(StateStopping))
	t.doListen.Store(false)
	if t.cancel != nil {
		t.cancel()
	}

	if conn != nil {
		t.closeWriter(conn)
		conn.Close()
	}

	t.wg.Wait()
	t.state.Store(int32(StateStopped))
	t.logger.Debug().Msg("transport stopped")
}

type closeWriter interface{ CloseWrite() error }

func (t *Transport) closeWriter(conn net.Conn) {
	cw, ok := conn.(closeWriter)
	if !ok {
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cw.CloseWrite(); err != nil {
			t.logger.Debug().Err(err).Msg("graceful writer close failed")
		}
	}()
	select {
	case <-done:
	case <-time.After(t.cfg.WriterCloseTimeout):
		t.logger.Warn().Msg("writer close timed out, aborting connection")
	}
}

// listen is the main read loop: connect, log in, then dispatch frames until
// the stream ends or the error budget runs out. Errors here end this
// instance quietly; the supervisor decides whether to start a new one.
func (t *Transport) listen(ctx context.Context) {
	defer t.doListen.Store(false)

	t.state.Store(int32(StateStartingConnection))
	conn, err := t.connect(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("connection attempts exhausted")
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.codec = mcs.NewCodec(conn)
	t.mu.Unlock()

	t.state.Store(int32(StateStartingLogin))
	if err := t.sendLogin(); err != nil {
		t.logger.Warn().Err(err).Msg("login send failed")
		t.recordError(ErrorLogin)
		return
	}

	for t.doListen.Load() {
		tag, payload, err := t.codec.ReadFrame()
		if err != nil {
			if t.doListen.Load() && err != io.EOF {
				t.logger.Warn().Err(err).Msg("read error, closing connection")
				t.recordError(ErrorRead)
			}
			return
		}

		msg, err := mcs.Decode(tag, payload)
		if err != nil {
			t.logger.Warn().Err(err).Str("tag", mcs.TagName(tag)).Msg("dropping undecodable frame")
			if t.recordError(ErrorRead) {
				return
			}
			continue
		}
		t.inboundStreamID.Add(1)
		t.resetError(ErrorRead)

		if !t.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one decoded message; false means stop listening.
func (t *Transport) dispatch(msg mcs.Message) bool {
	switch m := msg.(type) {
	case *mcs.LoginResponse:
		return t.handleLoginResponse(m)

	case *mcs.DataMessageStanza:
		t.handleDataMessage(m)
		return true

	case *mcs.HeartbeatPing:
		if err := t.writeFrame(&mcs.HeartbeatAck{
			StreamID:             m.StreamID,
			LastStreamIDReceived: t.inboundStreamID.Load(),
			Status:               m.Status,
		}); err != nil {
			t.logger.Warn().Err(err).Msg("heartbeat ack failed")
			return false
		}
		return true

	case *mcs.HeartbeatAck:
		t.logger.Trace().Int32("stream_id", m.StreamID).Msg("heartbeat ack received")
		return true

	case *mcs.Close:
		t.logger.Info().Msg("server closed the stream")
		return false

	case *mcs.StreamErrorStanza:
		t.logger.Warn().Str("type", m.Type).Str("text", m.Text).Msg("stream error from server")
		t.recordError(ErrorRead)
		return false

	case *mcs.Unknown:
		t.logger.Debug().Str("tag", mcs.TagName(m.RawTag)).Int("size", len(m.Raw)).Msg("ignoring unhandled message kind")
		return true

	default:
		return true
	}
}

func (t *Transport) handleLoginResponse(m *mcs.LoginResponse) bool {
	if m.Error != nil {
		t.logger.Error().
			Int32("code", m.Error.Code).
			Str("message", m.Error.Message).
			Msg("login rejected")
		return !t.recordError(ErrorLogin)
	}

	t.resetError(ErrorLogin)
	// The server has acknowledged our persistent ids; they are no longer
	// needed for dedup.
	t.persistentMu.Lock()
	t.persistentIDs = t.persistentIDs[:0]
	t.persistentMu.Unlock()

	t.state.Store(int32(StateStarted))
	t.logger.Info().Str("jid", m.JID).Msg("logged in to push endpoint")
	return true
}

func (t *Transport) handleDataMessage(m *mcs.DataMessageStanza) {
	t.persistentMu.Lock()
	duplicate := m.PersistentID != "" && t.seenIDs[m.PersistentID]
	t.persistentMu.Unlock()

	if !duplicate {
		push := PushMessage{
			PersistentID: m.PersistentID,
			From:         m.From,
			Category:     m.Category,
			Token:        m.Token,
			AppData:      make(map[string]string, len(m.AppData)),
			RawData:      m.RawData,
		}
		for _, kv := range m.AppData {
			push.AppData[kv.Key] = kv.Value
		}
		metrics.PushMessagesTotal.Inc()
		t.notify(push)
	} else {
		t.logger.Debug().Str("persistent_id", m.PersistentID).Msg("duplicate message, ack only")
	}

	// Ack regardless; the server decides redelivery.
	if m.PersistentID != "" {
		if err := t.sendSelectiveAck(m.PersistentID); err != nil {
			t.logger.Warn().Err(err).Msg("selective ack failed")
		}
		t.persistentMu.Lock()
		if !t.seenIDs[m.PersistentID] {
			t.seenIDs[m.PersistentID] = true
			t.persistentIDs = append(t.persistentIDs, m.PersistentID)
		}
		t.persistentMu.Unlock()
	}
}

// notify fans the message out to registered handlers. A panicking handler
// counts against the notify error budget instead of tearing the connection
// down.
func (t *Transport) notify(msg PushMessage) {
	t.handlersMu.RLock()
	handlers := make([]Handler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error().Interface("panic", r).Msg("push handler panicked")
					if t.recordError(ErrorNotify) {
						t.doListen.Store(false)
					}
				}
			}()
			h(msg)
			t.resetError(ErrorNotify)
		}()
	}
}

func (t *Transport) sendLogin() error {
	t.persistentMu.Lock()
	ids := append([]string(nil), t.persistentIDs...)
	t.persistentMu.Unlock()

	androidID := strconv.FormatUint(t.creds.AndroidID, 10)
	req := &mcs.LoginRequest{
		ID:                    "login-1",
		Domain:                "mcs.android.com",
		User:                  androidID,
		Resource:              androidID,
		AuthToken:             strconv.FormatUint(t.creds.SecurityToken, 10),
		DeviceID:              fmt.Sprintf("android-%x", t.creds.AndroidID),
		Settings:              []mcs.Setting{{Name: "new_vc", Value: "1"}},
		ReceivedPersistentIDs: ids,
		AdaptiveHeartbeat:     false,
		HeartbeatStat: &mcs.HeartbeatStat{
			IntervalMs: int32(t.cfg.HeartbeatInterval.Milliseconds()),
		},
		UseRMQ2:     true,
		AuthService: 2, // ANDROID_ID
		NetworkType: 1,
	}
	t.logger.Debug().Int("persistent_ids", len(ids)).Msg("sending login request")
	return t.writeFrame(req)
}

func (t *Transport) sendSelectiveAck(persistentID string) error {
	return t.writeFrame(&mcs.IqStanza{
		Type: mcs.IqSet,
		ID:   "",
		Extension: &mcs.Extension{
			ID:   mcs.SelectiveAckID,
			Data: mcs.EncodeSelectiveAck([]string{persistentID}),
		},
	})
}

func (t *Transport) writeFrame(msg mcs.Message) error {
	payload, err := mcs.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.codec.WriteFrame(msg.Tag(), payload)
}

// heartbeatSender pings on a fixed cadence while the session is up.
func (t *Transport) heartbeatSender(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !t.doListen.Load() {
			return
		}
		if t.State() != StateStarted {
			continue
		}
		if err := t.writeFrame(&mcs.HeartbeatPing{
			LastStreamIDReceived: t.inboundStreamID.Load(),
		}); err != nil {
			t.logger.Warn().Err(err).Msg("heartbeat send failed")
			return
		}
		t.logger.Trace().Msg("heartbeat sent")
	}
}

// connect opens the MCS connection with bounded retry.
func (t *Transport) connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.ConnectAttempts; attempt++ {
		if !t.doListen.Load() {
			return nil, fmt.Errorf("transport stopping")
		}
		conn, err := t.cfg.Dial(ctx, t.cfg.addr())
		if err == nil {
			t.resetError(ErrorConnection)
			metrics.PushConnectsTotal.WithLabelValues("ok").Inc()
			return conn, nil
		}
		lastErr = err
		metrics.PushConnectsTotal.WithLabelValues("error").Inc()
		t.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", t.cfg.ConnectAttempts).
			Msg("connect failed")
		if attempt < t.cfg.ConnectAttempts {
			if err := sleepCtx(ctx, t.connectBackoff(attempt)); err != nil {
				return nil, err
			}
		}
	}
	t.recordError(ErrorConnection)
	return nil, fmt.Errorf("connect to %s: %w", t.cfg.addr(), lastErr)
}

// connectBackoff doubles per attempt, capped, with 10-20% jitter added.
func (t *Transport) connectBackoff(attempt int) time.Duration {
	d := float64(t.cfg.ConnectBackoff)
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if d > float64(t.cfg.ConnectBackoffMax) {
		d = float64(t.cfg.ConnectBackoffMax)
	}
	d *= 1.1 + 0.1*t.rand.Float64()
	return time.Duration(d)
}

// recordError bumps a sequential error counter; true means the threshold
// was hit and the transport should stop.
func (t *Transport) recordError(kind ErrorKind) bool {
	t.errMu.Lock()
	t.errCounts[kind]++
	count := t.errCounts[kind]
	t.errMu.Unlock()
	metrics.PushErrorsTotal.WithLabelValues(kind.String()).Inc()

	if count >= t.cfg.ErrorThreshold {
		t.logger.Error().
			Str("kind", kind.String()).
			Int("count", count).
			Msg("consecutive error threshold reached, shutting down")
		t.doListen.Store(false)
		return true
	}
	return false
}

func (t *Transport) resetError(kind ErrorKind) {
	t.errMu.Lock()
	t.errCounts[kind] = 0
	t.errMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
