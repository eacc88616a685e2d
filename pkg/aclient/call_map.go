package aclient

import "github.com/aldrinbus/aldrin-go/pkg/amsg"

// callResult resolves one outstanding function call.
type callResult struct {
	result amsg.CallFunctionResult
	value  []byte
	err    error
}

type pendingFunctionCall struct {
	reply   chan callResult
	aborted bool
}

// functionCallMap tracks outstanding calls by client-chosen serial. Aborted
// entries stay in the map so the eventual reply is recognized and discarded
// instead of being mistaken for a fresh serial's reply.
type functionCallMap struct {
	elems map[uint32]*pendingFunctionCall
	next  uint32
}

func newFunctionCallMap() *functionCallMap {
	return &functionCallMap{elems: make(map[uint32]*pendingFunctionCall)}
}

func (m *functionCallMap) insert() (uint32, *pendingFunctionCall) {
	for {
		serial := m.next
		m.next++
		if _, live := m.elems[serial]; !live {
			p := &pendingFunctionCall{reply: make(chan callResult, 1)}
			m.elems[serial] = p
			return serial, p
		}
	}
}

// abort marks a call aborted, keeping the entry for the eventual reply.
func (m *functionCallMap) abort(serial uint32) bool {
	p, ok := m.elems[serial]
	if !ok || p.aborted {
		return false
	}
	p.aborted = true
	return true
}

// resolve removes an entry and delivers the result unless it was aborted.
func (m *functionCallMap) resolve(serial uint32, res callResult) {
	p, ok := m.elems[serial]
	if !ok {
		return
	}
	delete(m.elems, serial)
	if !p.aborted {
		p.reply <- res
	}
}

// resolveAll fails every live entry, for teardown.
func (m *functionCallMap) resolveAll(err error) {
	for serial, p := range m.elems {
		delete(m.elems, serial)
		if !p.aborted {
			p.reply <- callResult{err: err}
		}
	}
}
