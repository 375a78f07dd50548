package locate

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Nova operation paths for device actions.
const (
	ActionPath      = "/nbe_execute_action"
	ListDevicesPath = "/nbe_list_devices"
)

// spotDevice is the device type discriminator used in action scopes.
const spotDevice = 2

// contributorAllLocations asks for reports from all contributing devices.
const contributorAllLocations = 2

// ExecuteActionRequest field layout. The action payload is treated as an
// opaque schema by everything above this file.
const (
	fieldScope           = 1
	fieldRequestMetadata = 2
	fieldAction          = 3

	scopeFieldType   = 1
	scopeFieldDevice = 2

	deviceFieldCanonicID = 1
	canonicIDFieldID     = 1

	metaFieldType      = 1
	metaFieldRequestID = 2
	metaFieldClientID  = 3
	metaFieldGCMRegID  = 4
	metaFieldUnknown   = 5

	actionFieldLocate    = 1
	actionFieldPlaySound = 2
	actionFieldStopSound = 3

	locateFieldEnablingTime = 1
	locateFieldContributor  = 2
	timeFieldSeconds        = 1
)

// actionRequest captures the parameters common to every device action.
type actionRequest struct {
	DeviceID    string
	FCMToken    string
	RequestUUID string
	ClientUUID  string
}

func (a actionRequest) validate() error {
	if a.DeviceID == "" {
		return fmt.Errorf("device id must not be empty")
	}
	if a.FCMToken == "" {
		return fmt.Errorf("fcm registration token must not be empty")
	}
	return nil
}

// envelope builds the shared scope and metadata blocks.
func (a actionRequest) envelope() []byte {
	var canonic []byte
	canonic = appendString(canonic, canonicIDFieldID, a.DeviceID)
	var device []byte
	device = appendMessage(device, deviceFieldCanonicID, canonic)
	var scope []byte
	scope = appendVarint(scope, scopeFieldType, spotDevice)
	scope = appendMessage(scope, scopeFieldDevice, device)

	var gcm []byte
	gcm = appendString(gcm, canonicIDFieldID, a.FCMToken)
	var meta []byte
	meta = appendVarint(meta, metaFieldType, spotDevice)
	meta = appendString(meta, metaFieldRequestID, a.RequestUUID)
	meta = appendString(meta, metaFieldClientID, a.ClientUUID)
	meta = appendMessage(meta, metaFieldGCMRegID, gcm)
	meta = appendVarint(meta, metaFieldUnknown, 1)

	var b []byte
	b = appendMessage(b, fieldScope, scope)
	b = appendMessage(b, fieldRequestMetadata, meta)
	return b
}

// LocateRequest builds the hex-encoded locate action payload. The timestamp
// is an arbitrary marker the server echoes for traffic shaping.
func LocateRequest(a actionRequest, now time.Time) (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}

	var ts []byte
	ts = appendVarint(ts, timeFieldSeconds, uint64(now.Unix()))
	var locate []byte
	locate = appendMessage(locate, locateFieldEnablingTime, ts)
	locate = appendVarint(locate, locateFieldContributor, contributorAllLocations)
	var action []byte
	action = appendMessage(action, actionFieldLocate, locate)

	b := a.envelope()
	b = appendMessage(b, fieldAction, action)
	return hex.EncodeToString(b), nil
}

// SoundRequest builds the hex-encoded play-sound or stop-sound payload.
func SoundRequest(a actionRequest, start bool) (string, error) {
	if err := a.validate(); err != nil {
		return "", err
	}

	var action []byte
	if start {
		action = appendMessage(action, actionFieldPlaySound, nil)
	} else {
		action = appendMessage(action, actionFieldStopSound, nil)
	}

	b := a.envelope()
	b = appendMessage(b, fieldAction, action)
	return hex.EncodeToString(b), nil
}

// deviceIDFromUpdate pulls the canonical device id out of a pushed device
// update so it can be matched against the requested device. The rest of the
// update stays opaque.
//
// The update is parsed with the request-side field layout
// (scope -> device -> canonicId -> id); the response schema nests its
// canonical ids under device metadata and is assumed to use the same field
// numbering. Verify against a real DeviceUpdate schema if one becomes
// available.
func deviceIDFromUpdate(update []byte) string {
	scope := messageField(update, fieldScope)
	if scope == nil {
		return ""
	}
	device := messageField(scope, scopeFieldDevice)
	if device == nil {
		return ""
	}
	canonic := messageField(device, deviceFieldCanonicID)
	if canonic == nil {
		return ""
	}
	return stringField(canonic, canonicIDFieldID)
}

// messageField returns the first length-delimited field with the given
// number, or nil.
func messageField(b []byte, want protowire.Number) []byte {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil
		}
		b = b[n:]
		if num == want && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil
			}
			return v
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil
		}
		b = b[n:]
	}
	return nil
}

func stringField(b []byte, want protowire.Number) string {
	v := messageField(b, want)
	return string(v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessage(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
