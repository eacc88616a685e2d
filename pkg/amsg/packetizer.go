package amsg

import (
	"encoding/binary"
	"fmt"
)

// Packetizer reassembles complete frames from an arbitrarily chunked byte
// stream. It keeps one contiguous growable buffer; the consumed prefix is
// compacted away once it reaches compactAt bytes.
type Packetizer struct {
	buf    []byte
	start  int
	maxLen uint32
}

// compactAt is the consumed-prefix size at which Extend recopies the
// remaining bytes to the front of the buffer.
const compactAt = 32 << 10

// NewPacketizer returns a packetizer rejecting frames longer than maxLen. A
// maxLen of 0 selects DefaultMaxMessageLen.
func NewPacketizer(maxLen uint32) *Packetizer {
	if maxLen == 0 {
		maxLen = DefaultMaxMessageLen
	}
	return &Packetizer{maxLen: maxLen}
}

// Extend appends a batch of transport bytes.
func (p *Packetizer) Extend(b []byte) {
	p.compact()
	p.buf = append(p.buf, b...)
}

// Spare returns at least n bytes of writable spare capacity at the end of the
// internal buffer. After writing m bytes into it, call Advance(m). This lets
// readers fill the buffer without an intermediate copy.
func (p *Packetizer) Spare(n int) []byte {
	if cap(p.buf)-len(p.buf) < n {
		grown := make([]byte, len(p.buf)-p.start, len(p.buf)-p.start+n)
		copy(grown, p.buf[p.start:])
		p.buf = grown
		p.start = 0
	}
	return p.buf[len(p.buf) : len(p.buf)+n]
}

// Advance records that n bytes of spare capacity were filled.
func (p *Packetizer) Advance(n int) {
	p.buf = p.buf[:len(p.buf)+n]
}

// Next detaches the next complete frame, or returns nil if more bytes are
// needed. The returned slice aliases the internal buffer and stays valid only
// until the next call on the Packetizer. A non-nil error means the stream is
// corrupt and the connection must die.
func (p *Packetizer) Next() ([]byte, error) {
	pending := p.buf[p.start:]
	if len(pending) < 4 {
		return nil, nil
	}
	length := binary.LittleEndian.Uint32(pending)
	if length < frameHeaderLen || length > p.maxLen {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}
	if uint32(len(pending)) < length {
		return nil, nil
	}
	frame := pending[:length:length]
	p.start += int(length)
	return frame, nil
}

func (p *Packetizer) compact() {
	if p.start < compactAt {
		return
	}
	n := copy(p.buf, p.buf[p.start:])
	p.buf = p.buf[:n]
	p.start = 0
}
