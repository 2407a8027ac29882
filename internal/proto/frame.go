package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

// DefaultMaxFrameSize bounds a single frame on stream transports. It sits
// above the default payload limit so oversized publishes still reach the
// validator and get a rejected ack instead of a dropped stream.
const DefaultMaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned by ReadFrame when the length prefix exceeds max.
var ErrFrameTooLarge = errors.New("proto: frame exceeds maximum size")

// WriteFrame writes a length-prefixed frame to w
func WriteFrame(w io.Writer, data []byte) error {
	// 4-byte big-endian length prefix
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	if int64(length) > int64(max) {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
