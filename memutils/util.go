package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// PagesFor returns the number of whole pages that are mapped to serve a payload of the requested size.
// One page is always added on top of the integer quotient so that the block header fits.
func PagesFor(payload int, pageSize int) int {
	return payload/pageSize + 1
}
