package queue

import "errors"

var (
	// ErrNotFound means the item is not in the expected area. For Claim this
	// usually means another consumer won the rename.
	ErrNotFound = errors.New("queue item not found")
	// ErrInvalidRef means a ref is not a well-formed token.
	ErrInvalidRef = errors.New("invalid queue item ref")
	// ErrCorruptItem means an item file exists but cannot be decoded.
	ErrCorruptItem = errors.New("queue item unreadable")
)
