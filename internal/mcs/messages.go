package mcs

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/openfmd/findmygo/internal/errors"
)

// Message is one decoded MCS protocol message. The set of variants is closed;
// frames with tags this client does not model decode to Unknown.
type Message interface {
	Tag() byte
}

// Setting is a name/value pair carried in a login request.
type Setting struct {
	Name  string
	Value string
}

// HeartbeatStat asks the server to send heartbeats at a preferred interval.
type HeartbeatStat struct {
	IP         string
	Timeout    bool
	IntervalMs int32
}

// LoginRequest opens an MCS session.
type LoginRequest struct {
	ID                    string
	Domain                string
	User                  string
	Resource              string
	AuthToken             string
	DeviceID              string
	Settings              []Setting
	ReceivedPersistentIDs []string
	AdaptiveHeartbeat     bool
	HeartbeatStat         *HeartbeatStat
	UseRMQ2               bool
	AuthService           int32 // 2 = ANDROID_ID
	NetworkType           int32
}

func (*LoginRequest) Tag() byte { return TagLoginRequest }

// ErrorInfo is the error block of a LoginResponse.
type ErrorInfo struct {
	Code    int32
	Message string
}

// LoginResponse is the server's reply to a LoginRequest.
type LoginResponse struct {
	ID                   string
	JID                  string
	Error                *ErrorInfo
	StreamID             int32
	LastStreamIDReceived int32
	ServerTimestamp      int64
}

func (*LoginResponse) Tag() byte { return TagLoginResponse }

// HeartbeatPing is sent by either side to probe liveness.
type HeartbeatPing struct {
	StreamID             int32
	LastStreamIDReceived int32
	Status               int64
}

func (*HeartbeatPing) Tag() byte { return TagHeartbeatPing }

// HeartbeatAck answers a HeartbeatPing.
type HeartbeatAck struct {
	StreamID             int32
	LastStreamIDReceived int32
	Status               int64
}

func (*HeartbeatAck) Tag() byte { return TagHeartbeatAck }

// Close is the server's graceful shutdown signal. It carries no fields.
type Close struct{}

func (*Close) Tag() byte { return TagClose }

// IqType values for IqStanza.
const (
	IqGet    int32 = 0
	IqSet    int32 = 1
	IqResult int32 = 2
	IqError  int32 = 3
)

// Extension is the typed payload of an IqStanza.
type Extension struct {
	ID   int32
	Data []byte
}

// IqStanza carries acks and other control messages.
type IqStanza struct {
	Type                 int32
	ID                   string
	Extension            *Extension
	StreamID             int32
	LastStreamIDReceived int32
	Status               int64
}

func (*IqStanza) Tag() byte { return TagIqStanza }

// AppData is a key/value pair attached to a data message.
type AppData struct {
	Key   string
	Value string
}

// DataMessageStanza is an inbound push message. RawData stays encrypted;
// decryption belongs to the consumer, not the transport.
type DataMessageStanza struct {
	ID                   string
	From                 string
	Category             string
	Token                string
	AppData              []AppData
	PersistentID         string
	StreamID             int32
	LastStreamIDReceived int32
	RegID                string
	TTL                  int64
	Sent                 int64
	Status               int64
	RawData              []byte
}

func (*DataMessageStanza) Tag() byte { return TagDataMessageStanza }

// AppDataValue returns the value for key, or "" when absent.
func (d *DataMessageStanza) AppDataValue(key string) string {
	for _, kv := range d.AppData {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// StreamErrorStanza reports a stream-level protocol error.
type StreamErrorStanza struct {
	Type string
	Text string
}

func (*StreamErrorStanza) Tag() byte { return TagStreamErrorStanza }

// Unknown preserves a frame whose tag this client does not model.
type Unknown struct {
	RawTag byte
	Raw    []byte
}

func (u *Unknown) Tag() byte { return u.RawTag }

// ---- Encoding ----

// Encode serializes a message into its protobuf payload (without framing).
// All modeled kinds encode, including server-to-client ones, so test
// harnesses can speak both directions of the protocol.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *LoginRequest:
		return m.encode(), nil
	case *LoginResponse:
		return m.encode(), nil
	case *HeartbeatPing:
		return encodeHeartbeat(m.StreamID, m.LastStreamIDReceived, m.Status), nil
	case *HeartbeatAck:
		return encodeHeartbeat(m.StreamID, m.LastStreamIDReceived, m.Status), nil
	case *IqStanza:
		return m.encode(), nil
	case *DataMessageStanza:
		return m.encode(), nil
	case *StreamErrorStanza:
		return m.encode(), nil
	case *Close:
		return nil, nil
	case *Unknown:
		return m.Raw, nil
	default:
		return nil, fmt.Errorf("cannot encode message kind %s", TagName(msg.Tag()))
	}
}

func (m *LoginResponse) encode() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.JID)
	if m.Error != nil {
		var eb []byte
		eb = appendVarintField(eb, 1, uint64(m.Error.Code))
		eb = appendString(eb, 2, m.Error.Message)
		b = appendBytes(b, 3, eb)
	}
	if m.StreamID != 0 {
		b = appendVarintField(b, 5, uint64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = appendVarintField(b, 6, uint64(m.LastStreamIDReceived))
	}
	if m.ServerTimestamp != 0 {
		b = appendVarintField(b, 8, uint64(m.ServerTimestamp))
	}
	return b
}

func (m *DataMessageStanza) encode() []byte {
	var b []byte
	b = appendString(b, 2, m.ID)
	b = appendString(b, 3, m.From)
	b = appendString(b, 5, m.Category)
	b = appendString(b, 6, m.Token)
	for _, kv := range m.AppData {
		var ab []byte
		ab = appendString(ab, 1, kv.Key)
		ab = appendString(ab, 2, kv.Value)
		b = appendBytes(b, 7, ab)
	}
	b = appendString(b, 9, m.PersistentID)
	if m.StreamID != 0 {
		b = appendVarintField(b, 10, uint64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = appendVarintField(b, 11, uint64(m.LastStreamIDReceived))
	}
	b = appendString(b, 12, m.RegID)
	if m.TTL != 0 {
		b = appendVarintField(b, 14, uint64(m.TTL))
	}
	if len(m.RawData) > 0 {
		b = appendBytes(b, 18, m.RawData)
	}
	return b
}

func (m *StreamErrorStanza) encode() []byte {
	var b []byte
	b = appendString(b, 1, m.Type)
	b = appendString(b, 2, m.Text)
	return b
}

func (m *LoginRequest) encode() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.Domain)
	b = appendString(b, 3, m.User)
	b = appendString(b, 4, m.Resource)
	b = appendString(b, 5, m.AuthToken)
	b = appendString(b, 6, m.DeviceID)
	for _, s := range m.Settings {
		var sb []byte
		sb = appendString(sb, 1, s.Name)
		sb = appendString(sb, 2, s.Value)
		b = appendBytes(b, 8, sb)
	}
	for _, id := range m.ReceivedPersistentIDs {
		b = appendString(b, 10, id)
	}
	if m.AdaptiveHeartbeat {
		b = appendBool(b, 12, true)
	}
	if m.HeartbeatStat != nil {
		var hb []byte
		hb = appendString(hb, 1, m.HeartbeatStat.IP)
		hb = appendBool(hb, 2, m.HeartbeatStat.Timeout)
		hb = appendVarintField(hb, 3, uint64(m.HeartbeatStat.IntervalMs))
		b = appendBytes(b, 13, hb)
	}
	if m.UseRMQ2 {
		b = appendBool(b, 14, true)
	}
	b = appendVarintField(b, 16, uint64(m.AuthService))
	if m.NetworkType != 0 {
		b = appendVarintField(b, 17, uint64(m.NetworkType))
	}
	return b
}

func encodeHeartbeat(streamID, lastStreamID int32, status int64) []byte {
	var b []byte
	if streamID != 0 {
		b = appendVarintField(b, 1, uint64(streamID))
	}
	if lastStreamID != 0 {
		b = appendVarintField(b, 2, uint64(lastStreamID))
	}
	if status != 0 {
		b = appendVarintField(b, 3, uint64(status))
	}
	return b
}

func (m *IqStanza) encode() []byte {
	var b []byte
	b = appendVarintField(b, 2, uint64(m.Type))
	b = appendString(b, 3, m.ID)
	if m.Extension != nil {
		var eb []byte
		eb = appendVarintField(eb, 1, uint64(m.Extension.ID))
		eb = appendBytes(eb, 2, m.Extension.Data)
		b = appendBytes(b, 7, eb)
	}
	if m.StreamID != 0 {
		b = appendVarintField(b, 9, uint64(m.StreamID))
	}
	if m.LastStreamIDReceived != 0 {
		b = appendVarintField(b, 10, uint64(m.LastStreamIDReceived))
	}
	return b
}

// EncodeSelectiveAck builds the SelectiveAck extension payload for one or
// more persistent IDs.
func EncodeSelectiveAck(persistentIDs []string) []byte {
	var b []byte
	for _, id := range persistentIDs {
		b = appendString(b, 1, id)
	}
	return b
}

// ---- Decoding ----

// Decode parses a frame payload into its message variant. Tags outside the
// modeled set (or modeled kinds this client never receives) decode to
// Unknown.
func Decode(tag byte, payload []byte) (Message, error) {
	switch tag {
	case TagLoginResponse:
		return decodeLoginResponse(payload)
	case TagHeartbeatPing:
		s, l, st, err := decodeHeartbeat(payload)
		if err != nil {
			return nil, err
		}
		return &HeartbeatPing{StreamID: s, LastStreamIDReceived: l, Status: st}, nil
	case TagHeartbeatAck:
		s, l, st, err := decodeHeartbeat(payload)
		if err != nil {
			return nil, err
		}
		return &HeartbeatAck{StreamID: s, LastStreamIDReceived: l, Status: st}, nil
	case TagClose:
		return &Close{}, nil
	case TagIqStanza:
		return decodeIqStanza(payload)
	case TagDataMessageStanza:
		return decodeDataMessage(payload)
	case TagStreamErrorStanza:
		return decodeStreamError(payload)
	default:
		return &Unknown{RawTag: tag, Raw: payload}, nil
	}
}

type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error)

// walkFields iterates the top-level fields of a protobuf payload, calling
// visit with the remaining buffer positioned at each field's value. visit
// must return the buffer advanced past the value.
func walkFields(payload []byte, visit fieldVisitor) error {
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr(protowire.ParseError(n))
		}
		b = b[n:]
		var err error
		b, err = visit(num, typ, b)
		if err != nil {
			return err
		}
	}
	return nil
}

// skipField advances past a field value of the given type.
func skipField(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return nil, decodeErr(protowire.ParseError(n))
	}
	return b[n:], nil
}

func consumeString(b []byte) (string, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return "", nil, decodeErr(protowire.ParseError(n))
	}
	return string(v), b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, decodeErr(protowire.ParseError(n))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, b[n:], nil
}

func consumeVarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, decodeErr(protowire.ParseError(n))
	}
	return v, b[n:], nil
}

func decodeLoginResponse(payload []byte) (*LoginResponse, error) {
	m := &LoginResponse{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 1:
			m.ID, b, err = consumeString(b)
		case 2:
			m.JID, b, err = consumeString(b)
		case 3:
			var eb []byte
			eb, b, err = consumeBytes(b)
			if err == nil {
				m.Error, err = decodeErrorInfo(eb)
			}
		case 5:
			var v uint64
			v, b, err = consumeVarint(b)
			m.StreamID = int32(v)
		case 6:
			var v uint64
			v, b, err = consumeVarint(b)
			m.LastStreamIDReceived = int32(v)
		case 8:
			var v uint64
			v, b, err = consumeVarint(b)
			m.ServerTimestamp = int64(v)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeErrorInfo(payload []byte) (*ErrorInfo, error) {
	e := &ErrorInfo{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 1:
			var v uint64
			v, b, err = consumeVarint(b)
			e.Code = int32(v)
		case 2:
			e.Message, b, err = consumeString(b)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeHeartbeat(payload []byte) (streamID, lastStreamID int32, status int64, err error) {
	err = walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 1:
			var v uint64
			v, b, err = consumeVarint(b)
			streamID = int32(v)
		case 2:
			var v uint64
			v, b, err = consumeVarint(b)
			lastStreamID = int32(v)
		case 3:
			var v uint64
			v, b, err = consumeVarint(b)
			status = int64(v)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	return streamID, lastStreamID, status, err
}

func decodeIqStanza(payload []byte) (*IqStanza, error) {
	m := &IqStanza{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 2:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Type = int32(v)
		case 3:
			m.ID, b, err = consumeString(b)
		case 7:
			var eb []byte
			eb, b, err = consumeBytes(b)
			if err == nil {
				m.Extension, err = decodeExtension(eb)
			}
		case 9:
			var v uint64
			v, b, err = consumeVarint(b)
			m.StreamID = int32(v)
		case 10:
			var v uint64
			v, b, err = consumeVarint(b)
			m.LastStreamIDReceived = int32(v)
		case 12:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Status = int64(v)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeExtension(payload []byte) (*Extension, error) {
	e := &Extension{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 1:
			var v uint64
			v, b, err = consumeVarint(b)
			e.ID = int32(v)
		case 2:
			e.Data, b, err = consumeBytes(b)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decodeDataMessage(payload []byte) (*DataMessageStanza, error) {
	m := &DataMessageStanza{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 2:
			m.ID, b, err = consumeString(b)
		case 3:
			m.From, b, err = consumeString(b)
		case 5:
			m.Category, b, err = consumeString(b)
		case 6:
			m.Token, b, err = consumeString(b)
		case 7:
			var ab []byte
			ab, b, err = consumeBytes(b)
			if err == nil {
				var kv AppData
				kv, err = decodeAppData(ab)
				m.AppData = append(m.AppData, kv)
			}
		case 9:
			m.PersistentID, b, err = consumeString(b)
		case 10:
			var v uint64
			v, b, err = consumeVarint(b)
			m.StreamID = int32(v)
		case 11:
			var v uint64
			v, b, err = consumeVarint(b)
			m.LastStreamIDReceived = int32(v)
		case 12:
			m.RegID, b, err = consumeString(b)
		case 14:
			var v uint64
			v, b, err = consumeVarint(b)
			m.TTL = int64(v)
		case 15:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Sent = int64(v)
		case 17:
			var v uint64
			v, b, err = consumeVarint(b)
			m.Status = int64(v)
		case 18:
			m.RawData, b, err = consumeBytes(b)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeAppData(payload []byte) (AppData, error) {
	var kv AppData
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 1:
			kv.Key, b, err = consumeString(b)
		case 2:
			kv.Value, b, err = consumeString(b)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	return kv, err
}

func decodeStreamError(payload []byte) (*StreamErrorStanza, error) {
	m := &StreamErrorStanza{}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) ([]byte, error) {
		var err error
		switch num {
		case 1:
			m.Type, b, err = consumeString(b)
		case 2:
			m.Text, b, err = consumeString(b)
		default:
			b, err = skipField(num, typ, b)
		}
		return b, err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ---- protowire append helpers ----

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func decodeErr(err error) error {
	return errors.NewFrameError("mcs", "malformed protobuf payload", err)
}
