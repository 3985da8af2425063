// Package pagesupplier provides concrete implementations of the
// slabcache.PageSupplier contract: a source of page-aligned, page-sized
// memory blocks.
package pagesupplier

import (
	"context"
	"errors"
)

// ErrExhausted is returned by Acquire when wait is false and no page is
// currently available. ResilientSupplier.Acquire also returns it, wrapped,
// when a call is rate limited, whatever the value of wait.
var ErrExhausted = errors.New("pagesupplier: no pages available")

// Supplier mirrors slabcache.PageSupplier so pagesupplier types can be
// referenced and tested independently of the slabcache package.
type Supplier interface {
	Acquire(ctx context.Context, wait bool) ([]byte, error)
	Release(page []byte) error
	PageSize() int
}
