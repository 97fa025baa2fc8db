package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// MaxFrameSize bounds a TCP frame (type plus payload).
	MaxFrameSize = MaxAllocation
	// MaxDatagramSize is the largest UDP datagram that is sent without
	// risking IP fragmentation.
	MaxDatagramSize = 1400

	typeSize = 4
)

var (
	ErrFrameSize        = errors.New("invalid frame size")
	ErrDatagramTooLarge = errors.New("datagram exceeds safe size")
	ErrShortDatagram    = errors.New("datagram too short")
)

// Frame is one packet: its type and payload.
type Frame struct {
	Type    int32
	Payload []byte
}

// Packet is an outbound packet being built.
type Packet struct {
	Writer
	typ int32
}

// New starts a packet of type t.
func New[T Kind](t T) *Packet {
	return &Packet{Writer: Writer{buf: make([]byte, 0, 64)}, typ: int32(t)}
}

// Frame returns the finished packet.
func (p *Packet) Frame() Frame {
	return Frame{Type: p.typ, Payload: p.Bytes()}
}

// EncodeFrame returns the TCP encoding of f:
//
//	[uint32 length][int32 type][payload]
//
// where length counts the type and payload bytes.
func EncodeFrame(f Frame) ([]byte, error) {
	size := typeSize + len(f.Payload)
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, size)
	}
	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Type))
	copy(buf[8:], f.Payload)
	return buf, nil
}

// WriteFrame writes the TCP encoding of f to w in a single write.
func WriteFrame(w io.Writer, f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

// ReadFrame reads one TCP frame, reassembling partial reads. A zero or
// oversized length leaves the stream unsynchronised, so it is returned as an
// ErrFrameSize error and the caller must drop the connection.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size < typeSize || size > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameSize, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return DecodeMessage(body)
}

// DecodeMessage decodes a frame body without the length prefix, as carried by
// one WebSocket message.
func DecodeMessage(body []byte) (Frame, error) {
	if len(body) < typeSize {
		return Frame{}, fmt.Errorf("%w: %d", ErrFrameSize, len(body))
	}
	return Frame{
		Type:    int32(binary.BigEndian.Uint32(body[0:4])),
		Payload: body[typeSize:],
	}, nil
}

// EncodeMessage is the inverse of DecodeMessage.
func EncodeMessage(f Frame) ([]byte, error) {
	raw, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	return raw[4:], nil
}

// EncodeDatagram returns the UDP encoding of f: [int32 type][payload].
func EncodeDatagram(f Frame) ([]byte, error) {
	size := typeSize + len(f.Payload)
	if size > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrDatagramTooLarge, size)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Type))
	copy(buf[4:], f.Payload)
	return buf, nil
}

// DecodeDatagram is the inverse of EncodeDatagram.
func DecodeDatagram(b []byte) (Frame, error) {
	if len(b) < typeSize {
		return Frame{}, ErrShortDatagram
	}
	return Frame{Type: int32(binary.BigEndian.Uint32(b[0:4])), Payload: b[typeSize:]}, nil
}

// EncodeClientDatagram prefixes a client datagram with the sender's id so the
// server can bind the source endpoint to a connection.
func EncodeClientDatagram(id int32, f Frame) ([]byte, error) {
	size := 4 + typeSize + len(f.Payload)
	if size > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrDatagramTooLarge, size)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(id))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Type))
	copy(buf[8:], f.Payload)
	return buf, nil
}

// DecodeClientDatagram is the inverse of EncodeClientDatagram.
func DecodeClientDatagram(b []byte) (int32, Frame, error) {
	if len(b) < 4+typeSize {
		return 0, Frame{}, ErrShortDatagram
	}
	id := int32(binary.BigEndian.Uint32(b[0:4]))
	f, err := DecodeDatagram(b[4:])
	return id, f, err
}

// TimestampLayout is the format of ping timestamps.
const TimestampLayout = "2006-01-02 15:04:05.000"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a ping timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}
