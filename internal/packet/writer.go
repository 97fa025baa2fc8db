package packet

import (
	"fmt"
	"math"
	"time"

	elementkey "github.com/jape-engine/japenet/internal/elementKey"
)

// Vector3 is a position or direction.
type Vector3 struct {
	X, Y, Z float32
}

// Quaternion is a rotation.
type Quaternion struct {
	X, Y, Z, W float32
}

// Identity is the rotation that does nothing.
var Identity = Quaternion{W: 1}

// Writer appends big-endian encoded values to a buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Reset empties the buffer, keeping its capacity.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = append(w.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }

func (w *Writer) WriteUint64(v uint64) {
	w.buf = append(w.buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math.Float32bits(v)) }

func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math.Float64bits(v)) }

// WriteString appends a uint32 length followed by the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes appends a uint32 length followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteKey appends the compact form of an element key.
func (w *Writer) WriteKey(k elementkey.Key) {
	w.WriteBytes(k.Bytes())
}

func (w *Writer) WriteVector3(v Vector3) {
	w.WriteFloat32(v.X)
	w.WriteFloat32(v.Y)
	w.WriteFloat32(v.Z)
}

func (w *Writer) WriteQuaternion(q Quaternion) {
	w.WriteFloat32(q.X)
	w.WriteFloat32(q.Y)
	w.WriteFloat32(q.Z)
	w.WriteFloat32(q.W)
}

// WriteTime appends t as UTC unix nanoseconds.
func (w *Writer) WriteTime(t time.Time) {
	w.WriteInt64(t.UTC().UnixNano())
}

// WriteCount appends a collection length.
func (w *Writer) WriteCount(n int) error {
	if n < 0 || n > MaxCollectionCount {
		return fmt.Errorf("count %d out of range", n)
	}
	w.WriteInt32(int32(n))
	return nil
}

// WriteValue appends a tag byte followed by the encoding of v. Supported
// types are nil, bool, int, int32, int64, float32, float64, string, []byte,
// elementkey.Key, Vector3, Quaternion, time.Time and []any. An int is
// written as Int64.
func (w *Writer) WriteValue(v any) error {
	return w.writeValue(v, 0)
}

func (w *Writer) writeValue(v any, depth int) error {
	switch v := v.(type) {
	case nil:
		w.WriteUint8(uint8(TagNil))
	case bool:
		w.WriteUint8(uint8(TagBool))
		w.WriteBool(v)
	case int:
		w.WriteUint8(uint8(TagInt64))
		w.WriteInt64(int64(v))
	case int32:
		w.WriteUint8(uint8(TagInt32))
		w.WriteInt32(v)
	case int64:
		w.WriteUint8(uint8(TagInt64))
		w.WriteInt64(v)
	case float32:
		w.WriteUint8(uint8(TagFloat32))
		w.WriteFloat32(v)
	case float64:
		w.WriteUint8(uint8(TagFloat64))
		w.WriteFloat64(v)
	case string:
		w.WriteUint8(uint8(TagString))
		w.WriteString(v)
	case []byte:
		w.WriteUint8(uint8(TagBytes))
		w.WriteBytes(v)
	case elementkey.Key:
		w.WriteUint8(uint8(TagKey))
		w.WriteKey(v)
	case Vector3:
		w.WriteUint8(uint8(TagVector3))
		w.WriteVector3(v)
	case Quaternion:
		w.WriteUint8(uint8(TagQuaternion))
		w.WriteQuaternion(v)
	case time.Time:
		w.WriteUint8(uint8(TagTime))
		w.WriteTime(v)
	case []any:
		if depth >= MaxDepth {
			return ErrTooDeep
		}
		w.WriteUint8(uint8(TagArray))
		return w.writeArgs(v, depth+1)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

// WriteArgs appends a count followed by each tagged value. It is used for
// RPC arguments and stream data.
func (w *Writer) WriteArgs(args []any) error {
	return w.writeArgs(args, 0)
}

func (w *Writer) writeArgs(args []any, depth int) error {
	if err := w.WriteCount(len(args)); err != nil {
		return err
	}
	for i, a := range args {
		if err := w.writeValue(a, depth); err != nil {
			return fmt.Errorf("arg %d: %w", i, err)
		}
	}
	return nil
}

// WritePairs appends a count followed by name/value pairs in the order of
// names. It is the body of Sync packets.
func (w *Writer) WritePairs(names []string, values map[string]any) error {
	if err := w.WriteCount(len(names)); err != nil {
		return err
	}
	for _, name := range names {
		w.WriteString(name)
		if err := w.WriteValue(values[name]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
