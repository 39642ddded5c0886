// Package protocol implements the wire framing between server and
// client: a little-endian 16-bit length header followed by exactly
// that many bytes of UTF-8 text. The codec has no knowledge of JSON
// or payload semantics; it only moves bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload, in bytes, a single frame may
// carry. Larger writes fail the send; larger reads are fatal.
const MaxFrameSize = 65535

const (
	// FramePing is a text-literal control frame, silently consumed by
	// ReadFrame; the caller should retry the read.
	FramePing = "PING"
	// FrameEnd is a text-literal control frame signalling the peer
	// wants the connection closed.
	FrameEnd = "END"
)

// ErrFrameTooLarge is returned by WriteFrame when payload exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")

// ErrConnectionClosed is returned by ReadFrame when the peer sent the
// END control frame.
var ErrConnectionClosed = errors.New("protocol: peer sent END")

// WriteFrame writes a single length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("writing frame of %d bytes: %w", len(payload), ErrFrameTooLarge)
	}
	header := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(header, uint16(len(payload)))
	buf := append(header, payload...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one application frame from r, transparently
// consuming and retrying past PING control frames and translating an
// END control frame into ErrConnectionClosed. Any short read of the
// 2-byte header is a fatal, connection-closing error.
func ReadFrame(r io.Reader) ([]byte, error) {
	for {
		var header [2]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("reading frame header: %w", err)
		}
		length := binary.LittleEndian.Uint16(header[:])
		if int(length) > MaxFrameSize {
			return nil, fmt.Errorf("reading frame: declared length %d: %w", length, ErrFrameTooLarge)
		}
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, fmt.Errorf("reading frame payload: %w", err)
			}
		}
		switch string(payload) {
		case FramePing:
			continue
		case FrameEnd:
			return nil, ErrConnectionClosed
		default:
			return payload, nil
		}
	}
}
