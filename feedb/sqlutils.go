package feedb

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// sqlInt16 turns a small enum-like integer type into the int16 the schema
// stores it as.
//
// We use the constraints.Integer constraint here which maps to all signed and
// unsigned integer types.
func sqlInt16[T constraints.Integer](num T) int16 {
	return int16(num)
}

// sqlInt64 turns an unsigned amount into the signed BIGINT the schema stores
// it as, refusing values that don't fit.
func sqlInt64[T constraints.Unsigned](num T) (int64, error) {
	if uint64(num) > math.MaxInt64 {
		return 0, fmt.Errorf("value %v out of range", num)
	}

	return int64(num), nil
}
