package fdreg_test

import (
	"testing"

	"github.com/stealthrocket/devmock/internal/assert"
	"github.com/stealthrocket/devmock/internal/fdreg"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := fdreg.New[string]("test")

	r.Add(3, "three")
	r.Add(7, "seven")
	assert.Equal(t, r.Len(), 2)

	v, ok := r.Get(3)
	assert.Equal(t, ok, true)
	assert.Equal(t, v, "three")

	assert.Equal(t, r.Contains(7), true)
	assert.Equal(t, r.Contains(4), false)

	assert.Equal(t, r.Remove(3), "three")
	assert.Equal(t, r.Len(), 1)

	_, ok = r.Get(3)
	assert.Equal(t, ok, false)
}

func TestRegistryReusesDescriptorNumbers(t *testing.T) {
	r := fdreg.New[int]("test")
	r.Add(5, 1)
	r.Remove(5)
	r.Add(5, 2) // closed descriptors may be handed out again
	v, _ := r.Get(5)
	assert.Equal(t, v, 2)
}

func TestRegistryDuplicateAddPanics(t *testing.T) {
	r := fdreg.New[int]("test")
	r.Add(1, 0)
	assert.Panics(t, func() { r.Add(1, 0) })
}

func TestRegistryMissingRemovePanics(t *testing.T) {
	r := fdreg.New[int]("test")
	assert.Panics(t, func() { r.Remove(42) })
}

func TestRegistryOverflowPanics(t *testing.T) {
	r := fdreg.New[int]("test")
	for fd := 0; fd < fdreg.Capacity; fd++ {
		r.Add(fd, fd)
	}
	assert.Panics(t, func() { r.Add(fdreg.Capacity, 0) })
}
