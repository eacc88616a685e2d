// Package abroker implements the aldrin broker core: a single-task state
// machine that multiplexes connections, routes messages between them,
// maintains the object/service/channel/bus-listener directories and enforces
// per-channel credit flow control.
package abroker

import (
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

// Broker owns the bus directories and routes every message. All state is
// confined to the goroutine running Run; connections and handles communicate
// with it exclusively through the event channel.
type Broker struct {
	cfg     cfg
	logger  logrus.FieldLogger
	events  chan brokerEvent
	stopped chan struct{}

	conns     map[ConnectionId]*connEntry
	objects   map[aids.ObjectUuid]*objectEntry
	cookies   map[aids.ObjectCookie]aids.ObjectUuid
	services  map[aids.ServiceCookie]*serviceEntry
	channels  map[aids.ChannelCookie]*channelEntry
	listeners map[aids.BusListenerCookie]*listenerEntry

	// introspection maps a TypeId to the connections able to answer for it.
	introspection map[aids.TypeId]mapset.Set[ConnectionId]

	stats BrokerStatistics

	shutdownInitiated bool
}

// New creates a broker and its primary handle.
func New(opts ...Opt) (*Broker, *BrokerHandle) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	b := &Broker{
		cfg:           c,
		logger:        c.logger,
		events:        make(chan brokerEvent, c.eventDepth),
		stopped:       make(chan struct{}),
		conns:         make(map[ConnectionId]*connEntry),
		objects:       make(map[aids.ObjectUuid]*objectEntry),
		cookies:       make(map[aids.ObjectCookie]aids.ObjectUuid),
		services:      make(map[aids.ServiceCookie]*serviceEntry),
		channels:      make(map[aids.ChannelCookie]*channelEntry),
		listeners:     make(map[aids.BusListenerCookie]*listenerEntry),
		introspection: make(map[aids.TypeId]mapset.Set[ConnectionId]),
		stats:         BrokerStatistics{Start: time.Now()},
	}
	return b, &BrokerHandle{broker: b}
}

// Run drives the scheduler until the broker shuts down. It must be called
// exactly once.
func (b *Broker) Run() {
	defer close(b.stopped)
	for ev := range b.events {
		b.dispatch(ev)
		if b.shutdownInitiated && len(b.conns) == 0 {
			b.logger.Debug("broker stopped")
			return
		}
	}
}

func (b *Broker) dispatch(ev brokerEvent) {
	switch ev := ev.(type) {
	case evNewConnection:
		b.addConnection(ev)
	case evMessage:
		b.stats.MessagesReceived++
		if conn, ok := b.conns[ev.id]; ok {
			b.handleMessage(conn, ev.msg)
		}
	case evConnectionShutdown:
		if conn, ok := b.conns[ev.id]; ok {
			b.shutdownConnection(conn)
		}
	case evShutdownConnection:
		if conn, ok := b.conns[ev.id]; ok {
			b.shutdownConnection(conn)
		}
	case evShutdownBroker:
		b.initiateShutdown()
	case evShutdownIdleBroker:
		if len(b.conns) == 0 {
			b.initiateShutdown()
		}
	case evTakeStatistics:
		ev.reply <- b.stats.take(len(b.conns))
	}
}

func (b *Broker) addConnection(ev evNewConnection) {
	if b.shutdownInitiated {
		// Refuse late arrivals: complete the shutdown exchange immediately.
		ev.conn.trySend(&amsg.Shutdown{})
		ev.conn.finishEgress()
		return
	}
	b.conns[ev.id] = newConnEntry(ev.id, ev.version, ev.conn)
	b.stats.ConnectionsAdded++
	b.logger.WithFields(logrus.Fields{"conn": ev.id, "version": ev.version}).Debug("connection added")
}

// initiateShutdown starts the shutdown exchange with every connection. Run
// returns once the last one is gone.
func (b *Broker) initiateShutdown() {
	b.shutdownInitiated = true
	for _, conn := range b.conns {
		b.shutdownConnection(conn)
	}
}

// shutdownConnection sweeps every directory entry owned by the connection,
// notifies correlated peers and completes the egress side of the shutdown
// exchange. Deterministic order: calls, queries, subscriptions, services,
// objects, channels, listeners, introspection.
func (b *Broker) shutdownConnection(conn *connEntry) {
	delete(b.conns, conn.id)
	b.stats.ConnectionsShutDown++

	// Calls this connection issued: the callee is told not to bother.
	for serial, out := range conn.outCalls {
		if callee, ok := b.conns[out.callee]; ok {
			if pending, live := callee.calls.get(out.calleeSerial); live && !pending.aborted {
				pending.aborted = true
				b.send(callee, &amsg.AbortFunctionCall{Serial: out.calleeSerial})
			}
		}
		delete(conn.outCalls, serial)
	}

	// Calls routed to this connection: callers get Aborted.
	conn.calls.forEach(func(_ uint32, pending *pendingCall) {
		if pending.aborted {
			return
		}
		if caller, ok := b.conns[pending.caller]; ok {
			delete(caller.outCalls, pending.callerSerial)
			b.send(caller, &amsg.CallFunctionReply{
				Serial: pending.callerSerial,
				Result: amsg.CallFunctionAborted,
			})
		}
	})

	// Introspection queries routed to this connection become unavailable.
	conn.queries.forEach(func(_ uint32, q pendingQuery) {
		if caller, ok := b.conns[q.caller]; ok {
			b.send(caller, &amsg.QueryIntrospectionReply{
				Serial: q.callerSerial,
				Result: amsg.QueryIntrospectionUnavailable,
			})
		}
	})

	conn.subscriptions.Each(func(sub subscription) bool {
		if svc, ok := b.services[sub.service]; ok {
			b.dropSubscription(svc, sub.event, conn.id)
		}
		return false
	})

	// Services and objects the connection owned, services first.
	conn.objects.Each(func(u aids.ObjectUuid) bool {
		if obj, ok := b.objects[u]; ok {
			b.destroyObject(obj)
		}
		return false
	})

	conn.channels.Each(func(cookie aids.ChannelCookie) bool {
		if ch, ok := b.channels[cookie]; ok {
			b.dropChannelParticipant(ch, conn.id)
		}
		return false
	})

	conn.listeners.Each(func(cookie aids.BusListenerCookie) bool {
		b.removeListener(cookie)
		return false
	})

	conn.introspection.Each(func(id aids.TypeId) bool {
		b.dropIntrospection(id, conn.id)
		return false
	})

	conn.conn.trySend(&amsg.Shutdown{})
	conn.conn.finishEgress()
	b.logger.WithField("conn", conn.id).Debug("connection shut down")
}

// send enqueues m to a connection, shutting the connection down if its egress
// queue overflowed. This is the only way the broker emits frames.
func (b *Broker) send(conn *connEntry, m amsg.Message) {
	if conn.conn.trySend(m) {
		b.stats.MessagesSent++
		return
	}
	if _, live := b.conns[conn.id]; live {
		b.logger.WithField("conn", conn.id).Warn("egress overflow, dropping connection")
		b.shutdownConnection(conn)
	}
}

// handleMessage is the routing core: one ingress message from an established
// connection produces zero or more egress messages.
func (b *Broker) handleMessage(conn *connEntry, msg amsg.Message) {
	switch m := msg.(type) {
	case *amsg.CreateObject:
		b.createObject(conn, m)
	case *amsg.DestroyObject:
		b.destroyObjectRequest(conn, m)
	case *amsg.CreateService:
		b.createService(conn, m)
	case *amsg.DestroyService:
		b.destroyServiceRequest(conn, m)
	case *amsg.CallFunction:
		b.callFunction(conn, m)
	case *amsg.CallFunctionReply:
		b.callFunctionReply(conn, m)
	case *amsg.AbortFunctionCall:
		b.abortFunctionCall(conn, m)
	case *amsg.SubscribeEvent:
		b.subscribeEvent(conn, m)
	case *amsg.UnsubscribeEvent:
		b.unsubscribeEvent(conn, m)
	case *amsg.EmitEvent:
		b.emitEvent(conn, m)
	case *amsg.QueryServiceInfo:
		b.queryServiceInfo(conn, m)
	case *amsg.CreateChannel:
		b.createChannel(conn, m)
	case *amsg.CloseChannelEnd:
		b.closeChannelEnd(conn, m)
	case *amsg.DestroyChannelEnd:
		b.destroyChannelEnd(conn, m)
	case *amsg.ClaimChannelEnd:
		b.claimChannelEnd(conn, m)
	case *amsg.SendItem:
		b.sendItem(conn, m)
	case *amsg.AddChannelCapacity:
		b.addChannelCapacity(conn, m)
	case *amsg.CreateBusListener:
		b.createBusListener(conn, m)
	case *amsg.DestroyBusListener:
		b.destroyBusListener(conn, m)
	case *amsg.AddBusListenerFilter:
		b.addBusListenerFilter(conn, m)
	case *amsg.RemoveBusListenerFilter:
		b.removeBusListenerFilter(conn, m)
	case *amsg.ClearBusListenerFilters:
		b.clearBusListenerFilters(conn, m)
	case *amsg.StartBusListener:
		b.startBusListener(conn, m)
	case *amsg.StopBusListener:
		b.stopBusListener(conn, m)
	case *amsg.Sync:
		b.send(conn, &amsg.SyncReply{Serial: m.Serial})
	case *amsg.RegisterIntrospection:
		b.registerIntrospection(conn, m)
	case *amsg.QueryIntrospection:
		b.queryIntrospection(conn, m)
	case *amsg.QueryIntrospectionReply:
		b.queryIntrospectionReply(conn, m)
	default:
		// A kind only the broker may emit arrived from a client.
		b.logger.WithFields(logrus.Fields{"conn": conn.id, "kind": msg.Kind()}).
			Warn("unexpected message, dropping connection")
		b.shutdownConnection(conn)
	}
}

func (b *Broker) createObject(conn *connEntry, m *amsg.CreateObject) {
	if _, exists := b.objects[m.Uuid]; exists {
		b.send(conn, &amsg.CreateObjectReply{Serial: m.Serial, Result: amsg.CreateObjectDuplicate})
		return
	}
	obj := &objectEntry{
		id:       aids.ObjectId{Uuid: m.Uuid, Cookie: aids.NewObjectCookie()},
		owner:    conn.id,
		services: mapset.NewThreadUnsafeSet[aids.ServiceCookie](),
	}
	b.objects[m.Uuid] = obj
	b.cookies[obj.id.Cookie] = m.Uuid
	conn.objects.Add(m.Uuid)
	b.stats.ObjectsCreated++

	b.send(conn, &amsg.CreateObjectReply{
		Serial: m.Serial,
		Result: amsg.CreateObjectOk,
		Cookie: obj.id.Cookie,
	})
	b.emitBusEvent(amsg.ObjectCreatedEvent(obj.id))
}

func (b *Broker) destroyObjectRequest(conn *connEntry, m *amsg.DestroyObject) {
	uuid, ok := b.cookies[m.Cookie]
	if !ok {
		b.send(conn, &amsg.DestroyObjectReply{Serial: m.Serial, Result: amsg.DestroyObjectInvalidObject})
		return
	}
	obj := b.objects[uuid]
	if obj.owner != conn.id {
		b.send(conn, &amsg.DestroyObjectReply{Serial: m.Serial, Result: amsg.DestroyObjectForeignObject})
		return
	}
	b.destroyObject(obj)
	b.send(conn, &amsg.DestroyObjectReply{Serial: m.Serial, Result: amsg.DestroyObjectOk})
}

// destroyObject tears down an object and all of its services.
func (b *Broker) destroyObject(obj *objectEntry) {
	obj.services.Each(func(cookie aids.ServiceCookie) bool {
		if svc, ok := b.services[cookie]; ok {
			b.destroyService(svc)
		}
		return false
	})

	delete(b.objects, obj.id.Uuid)
	delete(b.cookies, obj.id.Cookie)
	if owner, ok := b.conns[obj.owner]; ok {
		owner.objects.Remove(obj.id.Uuid)
	}
	b.stats.ObjectsDestroyed++
	b.emitBusEvent(amsg.ObjectDestroyedEvent(obj.id))
}

func (b *Broker) createService(conn *connEntry, m *amsg.CreateService) {
	uuid, ok := b.cookies[m.ObjectCookie]
	if !ok {
		b.send(conn, &amsg.CreateServiceReply{Serial: m.Serial, Result: amsg.CreateServiceInvalidObject})
		return
	}
	obj := b.objects[uuid]
	if obj.owner != conn.id {
		b.send(conn, &amsg.CreateServiceReply{Serial: m.Serial, Result: amsg.CreateServiceForeignObject})
		return
	}

	duplicate := false
	obj.services.Each(func(cookie aids.ServiceCookie) bool {
		if svc, ok := b.services[cookie]; ok && svc.id.Uuid == m.Uuid {
			duplicate = true
			return true
		}
		return false
	})
	if duplicate {
		b.send(conn, &amsg.CreateServiceReply{Serial: m.Serial, Result: amsg.CreateServiceDuplicate})
		return
	}

	svc := &serviceEntry{
		id: aids.ServiceId{
			Object: obj.id,
			Uuid:   m.Uuid,
			Cookie: aids.NewServiceCookie(),
		},
		owner:         conn.id,
		info:          m.Info,
		subscriptions: make(map[uint32]mapset.Set[ConnectionId]),
	}
	b.services[svc.id.Cookie] = svc
	obj.services.Add(svc.id.Cookie)
	b.stats.ServicesCreated++

	b.send(conn, &amsg.CreateServiceReply{
		Serial: m.Serial,
		Result: amsg.CreateServiceOk,
		Cookie: svc.id.Cookie,
	})
	b.emitBusEvent(amsg.ServiceCreatedEvent(svc.id))
}

func (b *Broker) destroyServiceRequest(conn *connEntry, m *amsg.DestroyService) {
	svc, ok := b.services[m.Cookie]
	if !ok {
		b.send(conn, &amsg.DestroyServiceReply{Serial: m.Serial, Result: amsg.DestroyServiceInvalidService})
		return
	}
	if svc.owner != conn.id {
		b.send(conn, &amsg.DestroyServiceReply{Serial: m.Serial, Result: amsg.DestroyServiceForeignObject})
		return
	}
	b.destroyService(svc)
	b.send(conn, &amsg.DestroyServiceReply{Serial: m.Serial, Result: amsg.DestroyServiceOk})
}

// destroyService removes a service, aborts its pending calls and pushes
// ServiceDestroyed to its subscribers.
func (b *Broker) destroyService(svc *serviceEntry) {
	// Pending calls to a dying service resolve as InvalidService.
	if callee, ok := b.conns[svc.owner]; ok {
		var stale []uint32
		callee.calls.forEach(func(serial uint32, pending *pendingCall) {
			if pending.service != svc.id.Cookie {
				return
			}
			stale = append(stale, serial)
			if pending.aborted {
				return
			}
			if caller, live := b.conns[pending.caller]; live {
				delete(caller.outCalls, pending.callerSerial)
				b.send(caller, &amsg.CallFunctionReply{
					Serial: pending.callerSerial,
					Result: amsg.CallFunctionInvalidService,
				})
			}
		})
		for _, serial := range stale {
			callee.calls.remove(serial)
		}
	}

	svc.subscribers().Each(func(id ConnectionId) bool {
		if sub, ok := b.conns[id]; ok {
			b.send(sub, &amsg.ServiceDestroyed{Cookie: svc.id.Cookie})
		}
		return false
	})
	for event, conns := range svc.subscriptions {
		conns.Each(func(id ConnectionId) bool {
			if sub, ok := b.conns[id]; ok {
				sub.subscriptions.Remove(subscription{service: svc.id.Cookie, event: event})
			}
			return false
		})
	}

	delete(b.services, svc.id.Cookie)
	if obj, ok := b.objects[svc.id.Object.Uuid]; ok {
		obj.services.Remove(svc.id.Cookie)
	}
	b.stats.ServicesDestroyed++
	b.emitBusEvent(amsg.ServiceDestroyedEvent(svc.id))
}

func (b *Broker) subscribeEvent(conn *connEntry, m *amsg.SubscribeEvent) {
	svc, ok := b.services[m.Cookie]
	if !ok {
		b.send(conn, &amsg.SubscribeEventReply{Serial: m.Serial, Result: amsg.SubscribeEventInvalidService})
		return
	}
	conns, ok := svc.subscriptions[m.Event]
	if !ok {
		conns = mapset.NewThreadUnsafeSet[ConnectionId]()
		svc.subscriptions[m.Event] = conns
	}
	first := conns.Cardinality() == 0
	conns.Add(conn.id)
	conn.subscriptions.Add(subscription{service: m.Cookie, event: m.Event})
	b.send(conn, &amsg.SubscribeEventReply{Serial: m.Serial, Result: amsg.SubscribeEventOk})

	// Tell the service owner when an event gains its first subscriber so it
	// can start emitting.
	if first && svc.owner != conn.id {
		if owner, ok := b.conns[svc.owner]; ok {
			b.send(owner, &amsg.SubscribeEvent{Serial: 0, Cookie: m.Cookie, Event: m.Event})
		}
	}
}

func (b *Broker) unsubscribeEvent(conn *connEntry, m *amsg.UnsubscribeEvent) {
	svc, ok := b.services[m.Cookie]
	if !ok {
		return
	}
	b.dropSubscription(svc, m.Event, conn.id)
	conn.subscriptions.Remove(subscription{service: m.Cookie, event: m.Event})
}

// dropSubscription removes one subscriber, telling the owner when an event
// lost its last one.
func (b *Broker) dropSubscription(svc *serviceEntry, event uint32, id ConnectionId) {
	conns, ok := svc.subscriptions[event]
	if !ok {
		return
	}
	conns.Remove(id)
	if conns.Cardinality() > 0 {
		return
	}
	delete(svc.subscriptions, event)
	if owner, ok := b.conns[svc.owner]; ok && svc.owner != id {
		b.send(owner, &amsg.UnsubscribeEvent{Cookie: svc.id.Cookie, Event: event})
	}
}

func (b *Broker) emitEvent(conn *connEntry, m *amsg.EmitEvent) {
	svc, ok := b.services[m.Cookie]
	if !ok {
		return
	}
	conns, ok := svc.subscriptions[m.Event]
	if !ok {
		return
	}
	conns.Each(func(id ConnectionId) bool {
		if sub, live := b.conns[id]; live {
			b.send(sub, m)
			b.stats.EventsForwarded++
		}
		return false
	})
}

func (b *Broker) queryServiceInfo(conn *connEntry, m *amsg.QueryServiceInfo) {
	svc, ok := b.services[m.Cookie]
	if !ok {
		b.send(conn, &amsg.QueryServiceInfoReply{Serial: m.Serial, Result: amsg.QueryServiceInfoInvalidService})
		return
	}
	b.send(conn, &amsg.QueryServiceInfoReply{
		Serial: m.Serial,
		Result: amsg.QueryServiceInfoOk,
		Info:   svc.info,
	})
}

func (b *Broker) callFunction(conn *connEntry, m *amsg.CallFunction) {
	svc, ok := b.services[m.Cookie]
	if !ok {
		b.send(conn, &amsg.CallFunctionReply{Serial: m.Serial, Result: amsg.CallFunctionInvalidService})
		return
	}
	callee, ok := b.conns[svc.owner]
	if !ok {
		b.send(conn, &amsg.CallFunctionReply{Serial: m.Serial, Result: amsg.CallFunctionInvalidService})
		return
	}
	if _, dup := conn.outCalls[m.Serial]; dup {
		// The serial is still in flight; the caller broke the protocol.
		b.send(conn, &amsg.CallFunctionReply{Serial: m.Serial, Result: amsg.CallFunctionInvalidArgs})
		return
	}

	calleeSerial := callee.calls.insert(&pendingCall{
		caller:       conn.id,
		callerSerial: m.Serial,
		service:      m.Cookie,
	})
	conn.outCalls[m.Serial] = outCall{callee: callee.id, calleeSerial: calleeSerial}
	b.stats.FunctionCallsForwarded++

	b.send(callee, &amsg.CallFunction{
		Serial:   calleeSerial,
		Cookie:   m.Cookie,
		Function: m.Function,
		Value:    m.Value,
	})
}

func (b *Broker) callFunctionReply(conn *connEntry, m *amsg.CallFunctionReply) {
	pending, ok := conn.calls.remove(m.Serial)
	if !ok {
		// Unsolicited reply; drop it.
		return
	}
	if pending.aborted {
		return
	}
	caller, ok := b.conns[pending.caller]
	if !ok {
		return
	}
	delete(caller.outCalls, pending.callerSerial)
	b.send(caller, &amsg.CallFunctionReply{
		Serial: pending.callerSerial,
		Result: m.Result,
		Value:  m.Value,
	})
}

func (b *Broker) abortFunctionCall(conn *connEntry, m *amsg.AbortFunctionCall) {
	out, ok := conn.outCalls[m.Serial]
	if !ok {
		return
	}
	delete(conn.outCalls, m.Serial)
	callee, ok := b.conns[out.callee]
	if !ok {
		return
	}
	if pending, live := callee.calls.get(out.calleeSerial); live && !pending.aborted {
		// Keep the entry so a late reply is recognized and discarded.
		pending.aborted = true
		b.send(callee, &amsg.AbortFunctionCall{Serial: out.calleeSerial})
	}
}

func (b *Broker) registerIntrospection(conn *connEntry, m *amsg.RegisterIntrospection) {
	for _, id := range m.TypeIds {
		conns, ok := b.introspection[id]
		if !ok {
			conns = mapset.NewThreadUnsafeSet[ConnectionId]()
			b.introspection[id] = conns
		}
		conns.Add(conn.id)
		conn.introspection.Add(id)
	}
}

func (b *Broker) queryIntrospection(conn *connEntry, m *amsg.QueryIntrospection) {
	target := b.pickRegistrant(m.TypeId)
	if target == nil {
		b.send(conn, &amsg.QueryIntrospectionReply{Serial: m.Serial, Result: amsg.QueryIntrospectionUnavailable})
		return
	}
	serial := target.queries.insert(pendingQuery{caller: conn.id, callerSerial: m.Serial})
	b.send(target, &amsg.QueryIntrospection{Serial: serial, TypeId: m.TypeId})
}

// pickRegistrant selects the registrant with the lowest connection id so
// repeated queries behave deterministically.
func (b *Broker) pickRegistrant(id aids.TypeId) *connEntry {
	conns, ok := b.introspection[id]
	if !ok {
		return nil
	}
	var best *connEntry
	conns.Each(func(cid ConnectionId) bool {
		if conn, live := b.conns[cid]; live {
			if best == nil || conn.id < best.id {
				best = conn
			}
		}
		return false
	})
	return best
}

func (b *Broker) queryIntrospectionReply(conn *connEntry, m *amsg.QueryIntrospectionReply) {
	q, ok := conn.queries.remove(m.Serial)
	if !ok {
		return
	}
	if caller, live := b.conns[q.caller]; live {
		b.send(caller, &amsg.QueryIntrospectionReply{
			Serial: q.callerSerial,
			Result: m.Result,
			Value:  m.Value,
		})
	}
}

func (b *Broker) dropIntrospection(id aids.TypeId, cid ConnectionId) {
	if conns, ok := b.introspection[id]; ok {
		conns.Remove(cid)
		if conns.Cardinality() == 0 {
			delete(b.introspection, id)
		}
	}
}
