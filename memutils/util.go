package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// HeaderAlignment is the natural alignment of the heap. Block sizes, user
// pointers and boundary tags are all multiples of it.
const HeaderAlignment = 8

type Number interface {
	~int | ~uint | ~uint64 | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func CheckAligned[T Number](number T, name string) error {
	if number%HeaderAlignment != 0 {
		return cerrors.Wrapf(AlignmentError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value uint64, alignment uint64) uint64 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown(value uint64, alignment uint64) uint64 {
	return value &^ (alignment - 1)
}

// RoundUp8 rounds a request size up to the next HeaderAlignment multiple.
func RoundUp8(value uint64) uint64 {
	return AlignUp(value, HeaderAlignment)
}
