// Package locate orchestrates device actions over the nova API and collects
// the results that arrive asynchronously over the push transport.
package locate

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/openfmd/findmygo/internal/account"
	"github.com/openfmd/findmygo/internal/fcm"
)

// fcmPayloadKey is the app-data key the server uses to deliver device
// updates through the push channel.
const fcmPayloadKey = "com.google.android.apps.adm.FCM_PAYLOAD"

// DefaultTimeout bounds how long a locate waits for a pushed device update.
const DefaultTimeout = 60 * time.Second

// Requester issues authenticated nova API calls.
type Requester interface {
	Request(ctx context.Context, acct account.Context, path string, body []byte) ([]byte, error)
}

// Pusher is the slice of the push transport the orchestrator needs. The
// transport is owned and started by the caller; the orchestrator only
// attaches and detaches handlers.
type Pusher interface {
	Register(key string, h fcm.Handler)
	Unregister(key string)
}

// Report is a device update delivered in response to a locate action. The
// update bytes stay end-to-end encrypted; decryption is out of scope here.
type Report struct {
	DeviceID   string
	Update     []byte
	ReceivedAt time.Time
}

// Orchestrator issues device actions and matches pushed updates back to the
// request that caused them.
type Orchestrator struct {
	api        Requester
	push       Pusher
	fcmToken   string
	clientUUID string
	timeout    time.Duration
	logger     zerolog.Logger

	now func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout overrides how long Locate waits for a pushed update.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClientUUID pins the per-session client identifier. Useful for tests;
// by default a fresh identifier is generated at construction and reused for
// every action in the session.
func WithClientUUID(id string) Option {
	return func(o *Orchestrator) {
		o.clientUUID = id
	}
}

// New builds an orchestrator on top of an API client and a running push
// transport. fcmToken is the registration token updates are addressed to.
func New(api Requester, push Pusher, fcmToken string, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:        api,
		push:       push,
		fcmToken:   fcmToken,
		clientUUID: uuid.NewString(),
		timeout:    DefaultTimeout,
		logger:     logger.With().Str("component", "locate").Logger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Locate asks deviceID for a fresh location and waits for the resulting
// device update on the push channel. On timeout it returns a nil report and
// no error; updates for other devices arriving meanwhile are ignored.
func (o *Orchestrator) Locate(ctx context.Context, acct account.Context, deviceID string) (*Report, error) {
	req := actionRequest{
		DeviceID:    deviceID,
		FCMToken:    o.fcmToken,
		RequestUUID: uuid.NewString(),
		ClientUUID:  o.clientUUID,
	}
	payload, err := LocateRequest(req, o.now())
	if err != nil {
		return nil, err
	}

	key := ulid.Make().String()
	reports := make(chan *Report, 1)
	o.push.Register(key, func(msg fcm.PushMessage) {
		r, ok := o.reportFromPush(msg, deviceID)
		if !ok {
			return
		}
		select {
		case reports <- r:
		default:
		}
	})
	defer o.push.Unregister(key)

	if _, err := o.api.Request(ctx, acct, ActionPath, []byte(payload)); err != nil {
		return nil, err
	}

	o.logger.Debug().
		Str("device", deviceID).
		Str("request", req.RequestUUID).
		Msg("locate action sent, awaiting device update")

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case r := <-reports:
		return r, nil
	case <-timer.C:
		o.logger.Warn().
			Str("device", deviceID).
			Dur("timeout", o.timeout).
			Msg("no device update received before timeout")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PlaySound rings deviceID. The action is fire-and-forget; the server
// acknowledges over the push channel on its own schedule.
func (o *Orchestrator) PlaySound(ctx context.Context, acct account.Context, deviceID string) error {
	return o.sound(ctx, acct, deviceID, true)
}

// StopSound silences a previously started ring on deviceID.
func (o *Orchestrator) StopSound(ctx context.Context, acct account.Context, deviceID string) error {
	return o.sound(ctx, acct, deviceID, false)
}

func (o *Orchestrator) sound(ctx context.Context, acct account.Context, deviceID string, start bool) error {
	req := actionRequest{
		DeviceID:    deviceID,
		FCMToken:    o.fcmToken,
		RequestUUID: uuid.NewString(),
		ClientUUID:  o.clientUUID,
	}
	payload, err := SoundRequest(req, start)
	if err != nil {
		return err
	}
	_, err = o.api.Request(ctx, acct, ActionPath, []byte(payload))
	return err
}

// ListDevices fetches the raw device list response. The payload stays
// opaque; callers decode what they need.
func (o *Orchestrator) ListDevices(ctx context.Context, acct account.Context) ([]byte, error) {
	return o.api.Request(ctx, acct, ListDevicesPath, nil)
}

// reportFromPush extracts a device update from a push message and checks it
// belongs to the device this request targeted. Mismatched or undecodable
// messages are dropped.
func (o *Orchestrator) reportFromPush(msg fcm.PushMessage, deviceID string) (*Report, bool) {
	encoded, ok := msg.AppData[fcmPayloadKey]
	if !ok {
		return nil, false
	}
	update, err := decodePayload(encoded)
	if err != nil {
		o.logger.Warn().Err(err).Str("persistent_id", msg.PersistentID).Msg("undecodable push payload")
		return nil, false
	}
	got := deviceIDFromUpdate(update)
	if got == "" || got != deviceID {
		o.logger.Debug().
			Str("device", got).
			Str("want", deviceID).
			Msg("ignoring device update for different device")
		return nil, false
	}
	return &Report{DeviceID: got, Update: update, ReceivedAt: o.now()}, true
}

// decodePayload decodes the pushed base64 payload, restoring padding first:
// the push channel strips trailing '=' characters.
func decodePayload(encoded string) ([]byte, error) {
	if rem := len(encoded) % 4; rem != 0 {
		encoded += strings.Repeat("=", 4-rem)
	}
	return base64.StdEncoding.DecodeString(encoded)
}
