package packet

import (
	"fmt"
	"io"
	"math"
	"time"

	elementkey "github.com/jape-engine/japenet/internal/elementKey"
	neterrors "github.com/jape-engine/japenet/internal/netErrors"
)

// Reader decodes values written by Writer. Every method returns a
// *neterrors.ProtocolError when the payload is truncated or inconsistent;
// no method panics on bad input.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Finish reports an error if unread bytes remain.
func (r *Reader) Finish() error {
	if n := r.Remaining(); n > 0 {
		return neterrors.Protocol("finish", fmt.Errorf("%w: %d bytes", ErrTrailingData, n))
	}
	return nil
}

func (r *Reader) next(op string, n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, neterrors.Protocol(op, io.ErrUnexpectedEOF)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.next("read uint8", 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.next("read bool", 1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.next("read uint32", 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.next("read uint64", 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	return math.Float32frombits(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

func (r *Reader) readLen(op string) (int, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return 0, neterrors.Protocol(op, io.ErrUnexpectedEOF)
	}
	if n > MaxAllocation {
		return 0, neterrors.Protocol(op, fmt.Errorf("%w: %d", ErrTooLarge, n))
	}
	if int(n) > r.Remaining() {
		return 0, neterrors.Protocol(op, io.ErrUnexpectedEOF)
	}
	return int(n), nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.readLen("read string")
	if err != nil {
		return "", err
	}
	b, err := r.next("read string", n)
	return string(b), err
}

// ReadBytes returns a copy of a length-prefixed byte slice.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.readLen("read bytes")
	if err != nil {
		return nil, err
	}
	b, err := r.next("read bytes", n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// ReadKey decodes an element key.
func (r *Reader) ReadKey() (elementkey.Key, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return elementkey.Key{}, err
	}
	k, err := elementkey.Parse(b)
	if err != nil {
		return elementkey.Key{}, neterrors.Protocol("read key", err)
	}
	return k, nil
}

func (r *Reader) ReadVector3() (Vector3, error) {
	b, err := r.next("read vector3", 12)
	if err != nil {
		return Vector3{}, err
	}
	sub := NewReader(b)
	x, _ := sub.ReadFloat32()
	y, _ := sub.ReadFloat32()
	z, _ := sub.ReadFloat32()
	return Vector3{x, y, z}, nil
}

func (r *Reader) ReadQuaternion() (Quaternion, error) {
	b, err := r.next("read quaternion", 16)
	if err != nil {
		return Quaternion{}, err
	}
	sub := NewReader(b)
	x, _ := sub.ReadFloat32()
	y, _ := sub.ReadFloat32()
	z, _ := sub.ReadFloat32()
	w, _ := sub.ReadFloat32()
	return Quaternion{x, y, z, w}, nil
}

func (r *Reader) ReadTime() (time.Time, error) {
	n, err := r.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

// ReadCount decodes a collection length written by WriteCount.
func (r *Reader) ReadCount() (int, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return 0, err
	}
	switch {
	case n < 0:
		return 0, neterrors.Protocol("read count", fmt.Errorf("%w: %d", ErrNegativeCount, n))
	case n > MaxCollectionCount:
		return 0, neterrors.Protocol("read count", fmt.Errorf("%w: %d", ErrTooLarge, n))
	case int(n) > r.Remaining():
		// every element takes at least one byte
		return 0, neterrors.Protocol("read count", io.ErrUnexpectedEOF)
	}
	return int(n), nil
}

// ReadValue decodes one tagged value.
func (r *Reader) ReadValue() (any, error) {
	return r.readValue(0)
}

func (r *Reader) readValue(depth int) (any, error) {
	t, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	switch Tag(t) {
	case TagNil:
		return nil, nil
	case TagBool:
		return r.ReadBool()
	case TagInt32:
		return r.ReadInt32()
	case TagInt64:
		return r.ReadInt64()
	case TagFloat32:
		return r.ReadFloat32()
	case TagFloat64:
		return r.ReadFloat64()
	case TagString:
		return r.ReadString()
	case TagBytes:
		return r.ReadBytes()
	case TagKey:
		return r.ReadKey()
	case TagVector3:
		return r.ReadVector3()
	case TagQuaternion:
		return r.ReadQuaternion()
	case TagTime:
		return r.ReadTime()
	case TagArray:
		if depth >= MaxDepth {
			return nil, neterrors.Protocol("read value", ErrTooDeep)
		}
		return r.readArgs(depth + 1)
	default:
		return nil, neterrors.Protocol("read value", fmt.Errorf("%w: %d", ErrUnknownTag, t))
	}
}

// ReadArgs decodes a tagged array written by WriteArgs.
func (r *Reader) ReadArgs() ([]any, error) {
	return r.readArgs(0)
}

func (r *Reader) readArgs(depth int) ([]any, error) {
	n, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	args := make([]any, n)
	for i := range args {
		if args[i], err = r.readValue(depth); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// ReadPairs decodes name/value pairs written by WritePairs.
func (r *Reader) ReadPairs() (map[string]any, error) {
	n, err := r.ReadCount()
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]any, n)
	for i := 0; i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if pairs[name], err = r.ReadValue(); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}
