package abroker

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestSerialMapAllocatesSequentially(t *testing.T) {
	m := newSerialMap[string]()
	assert.Check(t, is.Equal(uint32(0), m.insert("a")))
	assert.Check(t, is.Equal(uint32(1), m.insert("b")))
	assert.Check(t, is.Equal(uint32(2), m.insert("c")))
	assert.Check(t, is.Equal(3, m.len()))
}

func TestSerialMapReusesOnlyAfterRemoval(t *testing.T) {
	m := newSerialMap[int]()
	m.insert(0)
	m.insert(1)

	v, ok := m.remove(0)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(0, v))

	// next has advanced past 0; 0 is free but comes around only after wrap.
	assert.Check(t, is.Equal(uint32(2), m.insert(2)))

	_, ok = m.get(0)
	assert.Check(t, !ok)
	v, ok = m.get(1)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(1, v))
}

func TestSerialMapWrapsAroundLiveEntries(t *testing.T) {
	m := newSerialMap[int]()
	m.next = math.MaxUint32
	assert.Check(t, is.Equal(uint32(math.MaxUint32), m.insert(1)))

	// next wrapped to 0.
	assert.Check(t, is.Equal(uint32(0), m.insert(2)))

	// A live serial is skipped on the next lap.
	m.next = math.MaxUint32
	assert.Check(t, is.Equal(uint32(1), m.insert(3)))
}

func TestSerialMapRemoveMissing(t *testing.T) {
	m := newSerialMap[int]()
	_, ok := m.remove(42)
	assert.Check(t, !ok)
}

func TestSerialMapForEach(t *testing.T) {
	m := newSerialMap[int]()
	m.insert(10)
	m.insert(20)
	sum := 0
	m.forEach(func(_ uint32, v int) { sum += v })
	assert.Check(t, is.Equal(30, sum))
}
