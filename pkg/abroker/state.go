package abroker

import (
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	mapset "github.com/deckarep/golang-set/v2"
)

// subscription names one (service, event) pair a connection subscribed to.
type subscription struct {
	service aids.ServiceCookie
	event   uint32
}

// outCall records where a caller's pending call was forwarded.
type outCall struct {
	callee       ConnectionId
	calleeSerial uint32
}

// pendingCall is the callee-side record of one forwarded call.
type pendingCall struct {
	caller       ConnectionId
	callerSerial uint32
	service      aids.ServiceCookie
	aborted      bool
}

// pendingQuery is the registrant-side record of one forwarded introspection
// query.
type pendingQuery struct {
	caller       ConnectionId
	callerSerial uint32
}

// connEntry is the broker's record of one established connection. All
// cross-references are ids; the directory owns every entry.
type connEntry struct {
	id      ConnectionId
	version amsg.ProtocolVersion
	conn    *Connection

	objects       mapset.Set[aids.ObjectUuid]
	channels      mapset.Set[aids.ChannelCookie]
	listeners     mapset.Set[aids.BusListenerCookie]
	subscriptions mapset.Set[subscription]
	introspection mapset.Set[aids.TypeId]

	// outCalls maps this connection's own call serials to their forwarded
	// location; calls holds callee-side serials the broker allocated for
	// calls routed *to* this connection.
	outCalls map[uint32]outCall
	calls    *serialMap[*pendingCall]

	// queries holds introspection queries forwarded to this connection.
	queries *serialMap[pendingQuery]
}

func newConnEntry(id ConnectionId, version amsg.ProtocolVersion, conn *Connection) *connEntry {
	return &connEntry{
		id:            id,
		version:       version,
		conn:          conn,
		objects:       mapset.NewThreadUnsafeSet[aids.ObjectUuid](),
		channels:      mapset.NewThreadUnsafeSet[aids.ChannelCookie](),
		listeners:     mapset.NewThreadUnsafeSet[aids.BusListenerCookie](),
		subscriptions: mapset.NewThreadUnsafeSet[subscription](),
		introspection: mapset.NewThreadUnsafeSet[aids.TypeId](),
		outCalls:      make(map[uint32]outCall),
		calls:         newSerialMap[*pendingCall](),
		queries:       newSerialMap[pendingQuery](),
	}
}

type objectEntry struct {
	id       aids.ObjectId
	owner    ConnectionId
	services mapset.Set[aids.ServiceCookie]
}

type serviceEntry struct {
	id    aids.ServiceId
	owner ConnectionId
	info  amsg.ServiceInfo

	// subscriptions maps event ids to the connections subscribed to them.
	subscriptions map[uint32]mapset.Set[ConnectionId]
}

// subscribers returns the deduplicated set of connections subscribed to any
// event of the service.
func (s *serviceEntry) subscribers() mapset.Set[ConnectionId] {
	all := mapset.NewThreadUnsafeSet[ConnectionId]()
	for _, conns := range s.subscriptions {
		conns.Each(func(id ConnectionId) bool {
			all.Add(id)
			return false
		})
	}
	return all
}

type endStateKind uint8

const (
	endUnclaimed endStateKind = iota
	endClaimed
	endClosed
)

// channelEndState tracks one end of a channel. conn is valid when claimed.
type channelEndState struct {
	state endStateKind
	conn  ConnectionId
}

type channelEntry struct {
	cookie  aids.ChannelCookie
	creator ConnectionId

	sender   channelEndState
	receiver channelEndState

	// credit is how many items the sender may still forward.
	credit uint32
}

func (c *channelEntry) end(e amsg.ChannelEnd) *channelEndState {
	if e == amsg.ChannelEndSender {
		return &c.sender
	}
	return &c.receiver
}

func (c *channelEntry) bothClosed() bool {
	return c.sender.state == endClosed && c.receiver.state == endClosed
}

type listenerEntry struct {
	cookie aids.BusListenerCookie
	owner  ConnectionId

	filters []amsg.BusListenerFilter

	// armed is set while the listener reports new lifecycle events; scope is
	// the scope of the most recent start.
	armed bool
	scope amsg.BusListenerScope
}

func filterEqual(a, b amsg.BusListenerFilter) bool {
	if a.Kind != b.Kind {
		return false
	}
	if (a.Object == nil) != (b.Object == nil) || (a.Object != nil && *a.Object != *b.Object) {
		return false
	}
	if (a.Service == nil) != (b.Service == nil) || (a.Service != nil && *a.Service != *b.Service) {
		return false
	}
	return true
}

func (l *listenerEntry) addFilter(f amsg.BusListenerFilter) {
	for _, have := range l.filters {
		if filterEqual(have, f) {
			return
		}
	}
	l.filters = append(l.filters, f)
}

func (l *listenerEntry) removeFilter(f amsg.BusListenerFilter) {
	for i, have := range l.filters {
		if filterEqual(have, f) {
			l.filters = append(l.filters[:i], l.filters[i+1:]...)
			return
		}
	}
}

func (l *listenerEntry) matchesObject(u aids.ObjectUuid) bool {
	for _, f := range l.filters {
		if f.Kind != amsg.FilterObject {
			continue
		}
		if f.Object == nil || *f.Object == u {
			return true
		}
	}
	return false
}

func (l *listenerEntry) matchesService(obj aids.ObjectUuid, svc aids.ServiceUuid) bool {
	for _, f := range l.filters {
		if f.Kind != amsg.FilterService {
			continue
		}
		if f.Object != nil && *f.Object != obj {
			continue
		}
		if f.Service == nil || *f.Service == svc {
			return true
		}
	}
	return false
}
