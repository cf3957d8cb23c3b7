package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// AlignmentError is the error returned from CheckAligned if the number being tested is not a multiple of HeaderAlignment
var AlignmentError error = errors.New("number must be a multiple of the heap alignment")
