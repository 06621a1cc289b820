package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// CorruptHeaderError is returned when a block header read back from mapped memory does not carry the
// expected marker or disagrees with its own position
var CorruptHeaderError error = errors.New("block header is corrupt")
