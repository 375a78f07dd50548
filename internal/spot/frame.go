// Package spot implements a minimal gRPC-over-HTTP/2 unary client for the
// SpotService device-location API: length-prefixed message framing with
// optional gzip, trailer-based status handling, and token fallback on auth
// failures.
package spot

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openfmd/findmygo/internal/errors"
)

// gRPC wire framing: 1-byte compressed flag, 4-byte big-endian length,
// then the message bytes.
const frameHeaderSize = 5

// maxFrameSize bounds a single decoded message. Spot responses are small;
// anything near this size indicates a broken stream.
const maxFrameSize = 16 << 20

// EncodeFrame wraps a serialized message in a gRPC data frame. Requests are
// always sent uncompressed.
func EncodeFrame(msg []byte) []byte {
	out := make([]byte, frameHeaderSize+len(msg))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(len(msg)))
	copy(out[frameHeaderSize:], msg)
	return out
}

// DecodeFrame reads one gRPC data frame from r and returns the message
// bytes, transparently inflating gzip-compressed frames. A body that ends
// before a complete frame yields a FrameError.
func DecodeFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.NewFrameError("grpc", "short frame header", io.ErrUnexpectedEOF)
	}

	compressed := header[0]
	size := binary.BigEndian.Uint32(header[1:5])
	if size > maxFrameSize {
		return nil, errors.NewFrameError("grpc", fmt.Sprintf("frame size %d exceeds limit", size), nil)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, errors.NewFrameError("grpc", "short frame body", io.ErrUnexpectedEOF)
	}

	switch compressed {
	case 0:
		return msg, nil
	case 1:
		zr, err := gzip.NewReader(bytes.NewReader(msg))
		if err != nil {
			return nil, errors.NewFrameError("grpc", "gzip header", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, maxFrameSize+1))
		if err != nil {
			return nil, errors.NewFrameError("grpc", "gzip inflate", err)
		}
		if len(out) > maxFrameSize {
			return nil, errors.NewFrameError("grpc", "inflated frame exceeds limit", nil)
		}
		return out, nil
	default:
		return nil, errors.NewFrameError("grpc", fmt.Sprintf("unknown compression flag %d", compressed), nil)
	}
}
