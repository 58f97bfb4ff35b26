// Package protocol implements the length-prefixed frame codec shared by the
// server sessions and the client messenger.
//
// A frame is a 4-byte unsigned big-endian length followed by exactly that many
// bytes of UTF-8 JSON. The JSON object always carries a "type" discriminator
// naming one of the Message variants in this package.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the width of the length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize caps the payload a peer may declare (10 MiB).
	DefaultMaxFrameSize = 10 << 20
)

// ErrFraming is matched by every *FramingError via errors.Is.
var ErrFraming = errors.New("framing error")

// FramingError reports a frame that was read but could not be turned into a
// message. The stream stays aligned on the next frame, so callers log it and
// keep reading.
type FramingError struct {
	Reason string
	Length uint32
	Type   Type
	Err    error
}

func (e *FramingError) Error() string {
	msg := "framing error: " + e.Reason
	if e.Type != "" {
		msg += fmt.Sprintf(" (type %q)", e.Type)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FramingError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrFraming) match any FramingError.
func (e *FramingError) Is(target error) bool { return target == ErrFraming }

// IsFramingError reports whether err is non-fatal to the connection it came from.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrFraming)
}

// Encode serializes msg into a JSON payload carrying its discriminator.
// Passing a variant that cannot be marshalled is a programming error and panics.
func Encode(msg Message) []byte {
	if msg == nil {
		panic("protocol: encode nil message")
	}
	if _, ok := decoders[msg.Type()]; !ok {
		panic(fmt.Sprintf("protocol: encode unsupported message type %q", msg.Type()))
	}

	body, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %s: %v", msg.Type(), err))
	}

	discriminator, _ := json.Marshal(msg.Type())

	var buf bytes.Buffer
	buf.Grow(len(body) + len(discriminator) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(discriminator)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes()
}

// Decode parses a payload produced by Encode. Unknown discriminators and
// malformed JSON are reported as *FramingError.
func Decode(payload []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, &FramingError{Reason: "malformed payload", Length: uint32(len(payload)), Err: err}
	}
	if head.Type == "" {
		return nil, &FramingError{Reason: "missing type discriminator", Length: uint32(len(payload))}
	}

	decode, ok := decoders[head.Type]
	if !ok {
		return nil, &FramingError{Reason: "unknown message type", Length: uint32(len(payload)), Type: head.Type}
	}

	msg, err := decode(payload)
	if err != nil {
		return nil, &FramingError{Reason: "invalid fields", Length: uint32(len(payload)), Type: head.Type, Err: err}
	}
	return msg, nil
}

// Frame encodes msg and prepends the length prefix, ready to be written as one unit.
func Frame(msg Message) []byte {
	return Wrap(Encode(msg))
}

// Wrap prepends the length prefix to an encoded payload.
func Wrap(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// WriteFrame writes the prefix and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(Wrap(payload)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and returns its payload.
//
// A zero or over-limit length yields a *FramingError. Over-limit payloads are
// discarded from the stream without being buffered so the next frame can be
// read. Any other error means the stream is unusable.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, &FramingError{Reason: "empty frame"}
	}
	if uint64(length) > uint64(maxSize) {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, fmt.Errorf("discard oversized frame: %w", err)
		}
		return nil, &FramingError{Reason: fmt.Sprintf("frame exceeds %d bytes", maxSize), Length: length}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// Codec reads and writes whole messages against a configured frame ceiling.
type Codec struct {
	MaxFrameSize int
}

// NewCodec returns a Codec enforcing maxFrameSize, or the default when <= 0.
func NewCodec(maxFrameSize int) Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return Codec{MaxFrameSize: maxFrameSize}
}

// ReadMessage reads the next frame from r and decodes it.
func (c Codec) ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r, c.limit())
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}

// WriteMessage encodes msg and writes it as one frame.
func (c Codec) WriteMessage(w io.Writer, msg Message) error {
	payload := Encode(msg)
	if len(payload) > c.limit() {
		return &FramingError{Reason: fmt.Sprintf("outgoing frame exceeds %d bytes", c.limit()), Length: uint32(len(payload)), Type: msg.Type()}
	}
	return WriteFrame(w, payload)
}

func (c Codec) limit() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}
