package slabcache

import "errors"

var (
	// ErrInvalidSize is returned by Create when size is zero.
	ErrInvalidSize = errors.New("slabcache: object size must be greater than zero")

	// ErrInvalidAlign is returned by Create when align is neither zero
	// nor a power of two.
	ErrInvalidAlign = errors.New("slabcache: align must be zero or a power of two")

	// ErrBootstrapFailed indicates the one-time internal metadata
	// bootstrap failed: an internal metadata type does not fit the small
	// regime, an internal cache could not get its first page, or the hash
	// index retrofit could not be allocated. Every Create call shares this
	// failure once it has occurred.
	ErrBootstrapFailed = errors.New("slabcache: internal cache bootstrap failed")
)
