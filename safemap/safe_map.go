// Package safemap provides a type-safe concurrent map built on sync.Map,
// for registries read and mutated from many goroutines at once.
package safemap

import "sync"

// SafeMap is a generic concurrent map. The zero value is empty and ready to
// use; a SafeMap must not be copied after first use.
//
// Range tolerates concurrent mutation, including deletes made from inside
// the callback, which makes it suitable for registries whose entries remove
// themselves while being visited.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// New returns an empty SafeMap.
func New[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing entry.
//
// Parameters:
//   - k: The key to store under
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored under k.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value associated with k, or the zero value of V if absent
//   - true if the key was present, false otherwise
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Delete removes the entry for k. Deleting an absent key is a no-op.
//
// Parameters:
//   - k: The key to delete
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// CompareAndDelete removes the entry for k only when its current value
// equals v. V must be comparable at runtime; pointer values compare by
// identity.
//
// Parameters:
//   - k: The key to delete
//   - v: The value the entry must still hold for the delete to happen
//
// Returns:
//   - true if the entry existed with value v and was deleted
func (m *SafeMap[K, V]) CompareAndDelete(k K, v V) bool {
	return m.m.CompareAndDelete(k, v)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
//
// Parameters:
//   - f: Function called per entry; return false to stop the iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts the entries by iterating over them; O(n).
//
// Returns:
//   - The number of entries currently in the map
func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Has reports whether k is present.
//
// Parameters:
//   - k: The key to check
//
// Returns:
//   - true if the key is in the map
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}
