package base

import "errors"

var (
	ErrInvalidOffset  = errors.New("offset out of bucket bounds")
	ErrEntryTooLarge  = errors.New("entry does not fit in an empty bucket")
	ErrInvalidPointer = errors.New("invalid bucket pointer")
)
