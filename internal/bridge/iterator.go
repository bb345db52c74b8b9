package bridge

import "context"

// PageFunc fetches the page at cursor; the first call gets "". An empty
// next cursor means there are no more pages.
type PageFunc[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// Iterator walks a paginated directory listing one item at a time. Pages are
// fetched lazily as the caller advances. It is forward-only and cannot be
// restarted; ask the Client for a new one to start over.
//
//	for it.Next(ctx) {
//		item := it.Value()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[T any] struct {
	fetch  PageFunc[T]
	buf    []T
	cursor string
	more   bool
	cur    T
	err    error
}

// NewIterator returns an iterator that pulls pages from fetch on demand.
func NewIterator[T any](fetch PageFunc[T]) *Iterator[T] {
	return &Iterator[T]{fetch: fetch, more: true}
}

// Next advances to the next item, fetching a page if needed. It returns
// false at the end of the listing or when a page fetch fails; Err tells
// the two apart.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	for len(it.buf) == 0 {
		if !it.more || it.err != nil {
			return false
		}

		items, next, err := it.fetch(ctx, it.cursor)
		if err != nil {
			it.err = err
			return false
		}
		it.buf = items
		it.cursor = next
		it.more = next != ""
	}

	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Value returns the item Next advanced to.
func (it *Iterator[T]) Value() T {
	return it.cur
}

// Err returns the page fetch error that stopped iteration, if any.
func (it *Iterator[T]) Err() error {
	return it.err
}

// Collect drains the iterator into a slice.
func Collect[T any](ctx context.Context, it *Iterator[T]) ([]T, error) {
	var items []T
	for it.Next(ctx) {
		items = append(items, it.Value())
	}
	return items, it.Err()
}
