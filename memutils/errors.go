package memutils

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")
	// NonPositiveError is the error returned from CheckPow2 if the number being tested is zero or negative
	NonPositiveError error = errors.New("number must be greater than zero")
)
