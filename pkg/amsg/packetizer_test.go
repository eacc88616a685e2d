package amsg

import (
	"encoding/binary"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func frameOf(t *testing.T, m Message) []byte {
	t.Helper()
	frame, err := EncodeMessage(m)
	assert.NilError(t, err)
	return frame
}

func TestPacketizerWholeFrame(t *testing.T) {
	p := NewPacketizer(0)
	p.Extend(frameOf(t, &Shutdown{}))
	frame, err := p.Next()
	assert.NilError(t, err)
	assert.DeepEqual(t, frame, []byte{5, 0, 0, 0, 2})

	frame, err = p.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Nil(frame))
}

func TestPacketizerByteAtATime(t *testing.T) {
	p := NewPacketizer(0)
	want := frameOf(t, &Sync{Serial: 99})
	for i, b := range want {
		frame, err := p.Next()
		assert.NilError(t, err)
		assert.Check(t, is.Nil(frame), "frame complete after %d of %d bytes", i, len(want))
		p.Extend([]byte{b})
	}
	frame, err := p.Next()
	assert.NilError(t, err)
	assert.DeepEqual(t, frame, want)
}

func TestPacketizerCoalescedFrames(t *testing.T) {
	p := NewPacketizer(0)
	first := frameOf(t, &Sync{Serial: 1})
	second := frameOf(t, &Shutdown{})
	p.Extend(append(append([]byte{}, first...), second...))

	frame, err := p.Next()
	assert.NilError(t, err)
	assert.DeepEqual(t, frame, first)

	frame, err = p.Next()
	assert.NilError(t, err)
	assert.DeepEqual(t, frame, second)

	frame, err = p.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Nil(frame))
}

func TestPacketizerRejectsOversizedFrame(t *testing.T) {
	p := NewPacketizer(1024)
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 1025)
	p.Extend(header[:])
	_, err := p.Next()
	assert.Assert(t, err != nil)
}

func TestPacketizerRejectsTinyLength(t *testing.T) {
	p := NewPacketizer(0)
	p.Extend([]byte{4, 0, 0, 0})
	_, err := p.Next()
	assert.Assert(t, err != nil)
}

func TestPacketizerSparePath(t *testing.T) {
	p := NewPacketizer(0)
	want := frameOf(t, &Sync{Serial: 7})

	spare := p.Spare(len(want))
	assert.Assert(t, len(spare) >= len(want))
	copy(spare, want)
	p.Advance(len(want))

	frame, err := p.Next()
	assert.NilError(t, err)
	assert.DeepEqual(t, frame, want)
}

func TestPacketizerCompacts(t *testing.T) {
	p := NewPacketizer(0)
	frame := frameOf(t, &Sync{Serial: 0})
	// Push enough frames through to cross the compaction threshold several
	// times; the packetizer must keep delivering intact frames.
	for i := 0; i < (compactAt/len(frame))*3; i++ {
		p.Extend(frame)
		got, err := p.Next()
		assert.NilError(t, err)
		assert.DeepEqual(t, got, frame)
	}
	assert.Check(t, p.start < compactAt+len(frame))
}
