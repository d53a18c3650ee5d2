package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType tags the storage encoding of a tensor's elements.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (dt DType) String() string {
	switch dt {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(dt))
	}
}

// Size returns the number of bytes one element occupies.
func (dt DType) Size() int {
	switch dt {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

// IsFloat reports whether dt is one of the floating-point storage types.
func (dt DType) IsFloat() bool {
	return dt == DTypeF32 || dt == DTypeF16 || dt == DTypeBF16
}

// ParseDType accepts the short names used on the command line and in the API.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "float":
		return DTypeF32, nil
	case "f16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeInvalid, fmt.Errorf("unknown dtype %q", s)
	}
}

// Float16 and BFloat16 are the half-precision storage types.
type (
	Float16  = float16.Float16
	BFloat16 = bfloat16.BF16
)

// Float is the closed set of floating-point storage types.
type Float interface {
	float32 | float16.Float16 | bfloat16.BF16
}

// Element is every storage type a Tensor can hold.
type Element interface {
	Float | int32
}

// DTypeOf maps a storage type to its tag.
func DTypeOf[E Element]() DType {
	var zero E
	switch any(zero).(type) {
	case float32:
		return DTypeF32
	case float16.Float16:
		return DTypeF16
	case bfloat16.BF16:
		return DTypeBF16
	case int32:
		return DTypeI32
	default:
		return DTypeInvalid
	}
}
