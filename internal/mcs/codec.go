// Package mcs implements the MCS wire protocol used by the FCM push socket:
// length-delimited binary frames (tag byte + varint32 length + payload) over
// a TLS stream, plus the small set of protobuf messages the transport
// exchanges with the server.
package mcs

import (
	"bufio"
	"fmt"
	"io"

	"github.com/openfmd/findmygo/internal/errors"
)

// Protocol constants for the MCS endpoint.
const (
	Version             = 41
	minSupportedVersion = 38

	Host = "mtalk.google.com"
	Port = 5228

	// IqStanza extension IDs used for message acknowledgement.
	SelectiveAckID = 12
	StreamAckID    = 13
)

// Frame tags. The full enumeration is part of the protocol even though this
// client only ever constructs a few of them.
const (
	TagHeartbeatPing       byte = 0
	TagHeartbeatAck        byte = 1
	TagLoginRequest        byte = 2
	TagLoginResponse       byte = 3
	TagClose               byte = 4
	TagMessageStanza       byte = 5
	TagPresenceStanza      byte = 6
	TagIqStanza            byte = 7
	TagDataMessageStanza   byte = 8
	TagBatchPresenceStanza byte = 9
	TagStreamErrorStanza   byte = 10
	TagHTTPRequest         byte = 11
	TagHTTPResponse        byte = 12
	TagBindAccountRequest  byte = 13
	TagBindAccountResponse byte = 14
	TagTalkMetadata        byte = 15
	tagCount               byte = 16
)

var tagName = map[byte]string{
	TagHeartbeatPing:       "HEARTBEAT_PING",
	TagHeartbeatAck:        "HEARTBEAT_ACK",
	TagLoginRequest:        "LOGIN_REQUEST",
	TagLoginResponse:       "LOGIN_RESPONSE",
	TagClose:               "CLOSE",
	TagMessageStanza:       "MESSAGE_STANZA",
	TagPresenceStanza:      "PRESENCE_STANZA",
	TagIqStanza:            "IQ_STANZA",
	TagDataMessageStanza:   "DATA_MESSAGE_STANZA",
	TagBatchPresenceStanza: "BATCH_PRESENCE_STANZA",
	TagStreamErrorStanza:   "STREAM_ERROR_STANZA",
	TagHTTPRequest:         "HTTP_REQUEST",
	TagHTTPResponse:        "HTTP_RESPONSE",
	TagBindAccountRequest:  "BIND_ACCOUNT_REQUEST",
	TagBindAccountResponse: "BIND_ACCOUNT_RESPONSE",
	TagTalkMetadata:        "TALK_METADATA",
}

// TagName returns the human-readable name of a frame tag.
func TagName(t byte) string {
	if name, ok := tagName[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", t)
}

// KnownTag reports whether t maps to a defined message kind.
func KnownTag(t byte) bool {
	return t < tagCount
}

// Codec reads and writes MCS frames on one connection. The first frame in
// each direction carries a 1-byte protocol version before the tag; the codec
// tracks that state per direction.
//
// Codec is not safe for concurrent writers; the transport serializes
// WriteFrame calls.
type Codec struct {
	r          *bufio.Reader
	w          io.Writer
	firstRead  bool
	firstWrite bool
}

// NewCodec wraps a connection in a frame codec.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r:          bufio.NewReader(rw),
		w:          rw,
		firstRead:  true,
		firstWrite: true,
	}
}

// ReadFrame reads one frame and returns its tag and payload. A stream that
// ends mid-frame yields a FrameError wrapping io.ErrUnexpectedEOF.
func (c *Codec) ReadFrame() (byte, []byte, error) {
	if c.firstRead {
		version, err := c.r.ReadByte()
		if err != nil {
			return 0, nil, readErr("version byte", err)
		}
		if version < minSupportedVersion {
			return 0, nil, errors.NewFrameError("mcs", fmt.Sprintf("unsupported protocol version %d", version), nil)
		}
		c.firstRead = false
	}

	tag, err := c.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			// Clean stream end at a frame boundary.
			return 0, nil, io.EOF
		}
		return 0, nil, readErr("tag byte", err)
	}

	size, err := c.readVarint32()
	if err != nil {
		return 0, nil, readErr("length varint", err)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return 0, nil, readErr("payload", err)
	}
	return tag, payload, nil
}

// WriteFrame assembles a complete frame (version byte on the first write,
// then tag + varint32 length + payload) and writes it in a single call so a
// frame can never be interleaved with another writer's bytes.
func (c *Codec) WriteFrame(tag byte, payload []byte) error {
	buf := make([]byte, 0, 2+5+len(payload))
	if c.firstWrite {
		buf = append(buf, Version)
	}
	buf = append(buf, tag)
	buf = appendVarint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", TagName(tag), err)
	}
	c.firstWrite = false
	return nil
}

// readVarint32 decodes a little-endian base-128 varint, 7 data bits per
// byte, high bit as continuation. Values beyond 32 bits wrap naturally; the
// protocol never legitimately produces them, so no explicit bound is
// enforced.
func (c *Codec) readVarint32() (uint32, error) {
	var res uint32
	var shift uint
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return 0, err
		}
		res |= uint32(b&0x7F) << shift
		if b&0x80 == 0 {
			return res, nil
		}
		shift += 7
	}
}

func appendVarint32(buf []byte, x uint32) []byte {
	if x == 0 {
		return append(buf, 0)
	}
	for x != 0 {
		b := byte(x & 0x7F)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

func readErr(what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = io.ErrUnexpectedEOF
	}
	return errors.NewFrameError("mcs", "short read of "+what, err)
}
