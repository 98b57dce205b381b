// Package registry provides the concurrency-safe keyed table that backs the
// agent registry.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrEmptyKey rejects registration under the empty key.
var ErrEmptyKey = errors.New("key cannot be empty")

// DuplicateKeyError reports an attempt to register an occupied key.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("key '%s' is already registered", e.Key)
}

// NotFoundError reports a key with no entry.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key '%s' not found", e.Key)
}

// Table maps string keys to items of type T. All methods are safe for
// concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func NewTable[T any]() *Table[T] {
	return &Table[T]{items: make(map[string]T)}
}

// Register stores the item under a previously unused key. Updating an
// existing entry goes through Replace instead.
func (t *Table[T]) Register(key string, item T) error {
	if key == "" {
		return ErrEmptyKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, taken := t.items[key]; taken {
		return &DuplicateKeyError{Key: key}
	}
	t.items[key] = item
	return nil
}

// Replace stores the item under the key, overwriting any existing entry.
func (t *Table[T]) Replace(key string, item T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = item
}

func (t *Table[T]) Get(key string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[key]
	return item, ok
}

func (t *Table[T]) List() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()

	items := make([]T, 0, len(t.items))
	for _, item := range t.items {
		items = append(items, item)
	}
	return items
}

// Keys returns the keys in sorted order.
func (t *Table[T]) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, len(t.items))
	for key := range t.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (t *Table[T]) Remove(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.items[key]; !ok {
		return &NotFoundError{Key: key}
	}
	delete(t.items, key)
	return nil
}

func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
