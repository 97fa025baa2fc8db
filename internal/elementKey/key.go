// Package elementkey encodes the identity of a networked element: the
// element's type and the identifier of the object that owns it. Keys are sent
// in a compact form so remote lookups never carry full type names.
package elementkey

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Encoding says how the owner identifier is packed on the wire.
type Encoding uint8

const (
	// Hex is used when the owning object carries a stable numeric id.
	Hex Encoding = iota
	// ASCII is used for objects without a runtime-assigned id, e.g. objects
	// authored into a scene.
	ASCII
)

func (e Encoding) String() string {
	switch e {
	case Hex:
		return "hex"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// SplitChar separates type and owner in the printable form of a key.
const SplitChar = '_'

const headerSize = 4 + 1 + 2

// MaxOwnerLength is the longest owner identifier a key can carry.
const MaxOwnerLength = 0xffff

var (
	ErrShortKey    = errors.New("key too short")
	ErrKeyLength   = errors.New("key owner length mismatch")
	ErrKeyEncoding = errors.New("unknown key encoding")
)

// Key identifies one element instance. Keys are values: once built they never
// change, so they can be used for lookups across ticks.
type Key struct {
	// Type is the declaring type name. It is empty for keys parsed off the
	// wire, which only carry TypeID.
	Type     string
	TypeID   uint32
	Owner    string
	Encoding Encoding
}

// TypeID returns the wire id of a type name.
func TypeID(typeName string) uint32 {
	return uint32(xxhash.Sum64String(typeName))
}

// New builds the key of an element of typeName owned by owner. hasID reports
// whether the owner identifier is a runtime-assigned numeric id; such owners
// are packed as hex when they are valid hex strings.
func New(typeName, owner string, hasID bool) Key {
	if len(owner) > MaxOwnerLength {
		owner = owner[:MaxOwnerLength]
	}
	k := Key{Type: typeName, TypeID: TypeID(typeName), Owner: owner, Encoding: ASCII}
	if hasID && isHex(owner) {
		k.Owner = strings.ToLower(owner)
		k.Encoding = Hex
	}
	return k
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// Equal reports whether two keys address the same element. The owner
// encoding does not take part in the comparison.
func (k Key) Equal(o Key) bool {
	return k.TypeID == o.TypeID && k.Owner == o.Owner
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k.TypeID == 0 && k.Owner == ""
}

func (k Key) String() string {
	name := k.Type
	if name == "" {
		name = fmt.Sprintf("%08x", k.TypeID)
	}
	return name + string(SplitChar) + k.Owner
}

// Bytes returns the wire form:
//
//	[uint32 type id][uint8 encoding][uint16 owner length][owner]
//
// For Hex owners the length counts hex digits and the digits are packed two
// per byte, left padded with a zero digit when odd.
func (k Key) Bytes() []byte {
	var owner []byte
	n := len(k.Owner)
	switch k.Encoding {
	case Hex:
		digits := k.Owner
		if len(digits)%2 == 1 {
			digits = "0" + digits
		}
		owner, _ = hex.DecodeString(digits)
	default:
		owner = []byte(k.Owner)
	}
	buf := make([]byte, headerSize+len(owner))
	binary.BigEndian.PutUint32(buf[0:4], k.TypeID)
	buf[4] = byte(k.Encoding)
	binary.BigEndian.PutUint16(buf[5:7], uint16(n))
	copy(buf[headerSize:], owner)
	return buf
}

// Parse decodes the wire form produced by Bytes.
func Parse(b []byte) (Key, error) {
	if len(b) < headerSize {
		return Key{}, ErrShortKey
	}
	k := Key{
		TypeID:   binary.BigEndian.Uint32(b[0:4]),
		Encoding: Encoding(b[4]),
	}
	n := int(binary.BigEndian.Uint16(b[5:7]))
	body := b[headerSize:]
	switch k.Encoding {
	case Hex:
		if len(body) != (n+1)/2 {
			return Key{}, ErrKeyLength
		}
		digits := hex.EncodeToString(body)
		if n%2 == 1 {
			digits = digits[1:]
		}
		k.Owner = digits
	case ASCII:
		if len(body) != n {
			return Key{}, ErrKeyLength
		}
		k.Owner = string(body)
	default:
		return Key{}, ErrKeyEncoding
	}
	return k, nil
}

// Compare reports whether the raw wire key b addresses k.
func (k Key) Compare(b []byte) bool {
	o, err := Parse(b)
	if err != nil {
		return false
	}
	return k.Equal(o)
}
