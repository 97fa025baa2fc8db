package packet

import (
	"errors"
	"strconv"
)

// Tag identifies the type of a tagged value.
type Tag uint8

const (
	TagNil Tag = iota
	TagBool
	TagInt32
	TagInt64
	TagFloat32
	TagFloat64
	TagString
	TagBytes
	TagKey
	TagVector3
	TagQuaternion
	TagTime
	TagArray
	tagMax
)

var tagNames = [...]string{
	TagNil:        "nil",
	TagBool:       "bool",
	TagInt32:      "int32",
	TagInt64:      "int64",
	TagFloat32:    "float32",
	TagFloat64:    "float64",
	TagString:     "string",
	TagBytes:      "bytes",
	TagKey:        "key",
	TagVector3:    "vector3",
	TagQuaternion: "quaternion",
	TagTime:       "time",
	TagArray:      "array",
}

func (t Tag) String() string {
	if t < tagMax {
		return tagNames[t]
	}
	return "tag(" + strconv.Itoa(int(t)) + ")"
}

// Decoding limits. A length or count above these is treated as malformed.
const (
	MaxAllocation      = 1 << 20
	MaxCollectionCount = 1 << 16
	MaxDepth           = 16
)

var (
	ErrUnsupportedType = errors.New("unsupported value type")
	ErrTooDeep         = errors.New("values nested too deep")
	ErrUnknownTag      = errors.New("unknown value tag")
	ErrNegativeCount   = errors.New("negative count")
	ErrTooLarge        = errors.New("length exceeds limit")
	ErrTrailingData    = errors.New("trailing data")
)
