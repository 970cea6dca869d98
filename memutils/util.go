package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Number is any integer type that sizes, offsets and alignments may be expressed in
type Number interface {
	constraints.Integer
}

// CheckPow2 returns an error wrapping PowerOfTwoError if number is not a power of two, or
// NonPositiveError if it is not greater than zero. name is used to describe the value in the error.
func CheckPow2[T Number](number T, name string) error {
	if number <= 0 {
		return cerrors.Wrapf(NonPositiveError, "%s is %d", name, number)
	}
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned returns true if value is a multiple of alignment, which must be a power of two
func IsAligned[T Number](value T, alignment T) bool {
	return value&(alignment-1) == 0
}
