// Package fdreg implements small registries associating open file
// descriptors with per-subsystem state.
//
// Each subsystem of the interception layer (uevent sockets, ioctl replay
// sessions, script recorders) owns its own Registry instance with its own
// payload type. Entries are created when a descriptor is successfully
// opened and destroyed when it is closed; a registry never outlives the
// process.
package fdreg

import "fmt"

// Capacity is the maximum number of live entries a Registry may hold.
//
// The interception layer only ever tracks a handful of device descriptors
// at a time; reaching the limit means descriptors are leaked somewhere in
// the layer itself, which is why Add fails hard instead of growing.
const Capacity = 50

// Registry maps file descriptor numbers to values of type T.
//
// Registries are not safe for concurrent use; they inherit the calling
// process's own synchronization discipline, like every other part of the
// interception layer.
type Registry[T any] struct {
	name    string
	entries map[int]T
}

// New returns an empty registry. The name appears in panic messages to
// identify which subsystem misbehaved.
func New[T any](name string) *Registry[T] {
	return &Registry[T]{
		name:    name,
		entries: make(map[int]T),
	}
}

// Add records state for a descriptor.
//
// The descriptor must not already be present and the registry must not be
// full; either condition is an internal error of the interception layer
// and panics.
func (r *Registry[T]) Add(fd int, data T) {
	if _, exists := r.entries[fd]; exists {
		panic(fmt.Sprintf("fdreg: %s: fd %d is already registered", r.name, fd))
	}
	if len(r.entries) == Capacity {
		panic(fmt.Sprintf("fdreg: %s: overflow at %d entries", r.name, Capacity))
	}
	r.entries[fd] = data
}

// Remove deletes the state recorded for a descriptor and returns it.
//
// Removing a descriptor that was never added panics, for the same reason
// Add fails on duplicates: it indicates a bookkeeping bug in the layer.
func (r *Registry[T]) Remove(fd int) T {
	data, exists := r.entries[fd]
	if !exists {
		panic(fmt.Sprintf("fdreg: %s: removing fd %d which is not registered", r.name, fd))
	}
	delete(r.entries, fd)
	return data
}

// Get returns the state recorded for a descriptor, if any.
func (r *Registry[T]) Get(fd int) (T, bool) {
	data, exists := r.entries[fd]
	return data, exists
}

// Contains reports whether the descriptor is registered.
func (r *Registry[T]) Contains(fd int) bool {
	_, exists := r.entries[fd]
	return exists
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	return len(r.entries)
}
