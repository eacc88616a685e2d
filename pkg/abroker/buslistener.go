package abroker

import (
	"bytes"
	"sort"

	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/google/uuid"
)

// Bus-listener engine. Listeners carry a filter set and, once started with a
// scope, receive object/service lifecycle events. The initial replay walks
// the directory in a fixed order so observers see a deterministic picture:
// objects ascending by (uuid, cookie), each immediately followed by its
// services ascending by (uuid, cookie).

func (b *Broker) createBusListener(conn *connEntry, m *amsg.CreateBusListener) {
	l := &listenerEntry{
		cookie: aids.NewBusListenerCookie(),
		owner:  conn.id,
	}
	b.listeners[l.cookie] = l
	conn.listeners.Add(l.cookie)
	b.stats.BusListenersCreated++

	b.send(conn, &amsg.CreateBusListenerReply{Serial: m.Serial, Cookie: l.cookie})
}

func (b *Broker) destroyBusListener(conn *connEntry, m *amsg.DestroyBusListener) {
	l, ok := b.listeners[m.Cookie]
	if !ok || l.owner != conn.id {
		b.send(conn, &amsg.DestroyBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerInvalid})
		return
	}
	b.removeListener(m.Cookie)
	if owner, live := b.conns[l.owner]; live {
		owner.listeners.Remove(m.Cookie)
	}
	b.send(conn, &amsg.DestroyBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerOk})
}

func (b *Broker) removeListener(cookie aids.BusListenerCookie) {
	if _, ok := b.listeners[cookie]; ok {
		delete(b.listeners, cookie)
		b.stats.BusListenersDestroyed++
	}
}

func (b *Broker) addBusListenerFilter(conn *connEntry, m *amsg.AddBusListenerFilter) {
	if l, ok := b.listeners[m.Cookie]; ok && l.owner == conn.id {
		l.addFilter(m.Filter)
	}
}

func (b *Broker) removeBusListenerFilter(conn *connEntry, m *amsg.RemoveBusListenerFilter) {
	if l, ok := b.listeners[m.Cookie]; ok && l.owner == conn.id {
		l.removeFilter(m.Filter)
	}
}

func (b *Broker) clearBusListenerFilters(conn *connEntry, m *amsg.ClearBusListenerFilters) {
	if l, ok := b.listeners[m.Cookie]; ok && l.owner == conn.id {
		l.filters = nil
	}
}

func (b *Broker) startBusListener(conn *connEntry, m *amsg.StartBusListener) {
	l, ok := b.listeners[m.Cookie]
	if !ok || l.owner != conn.id {
		b.send(conn, &amsg.StartBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerInvalid})
		return
	}
	if l.armed {
		b.send(conn, &amsg.StartBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerAlreadyStarted})
		return
	}

	l.scope = m.Scope
	l.armed = m.Scope.ReportsNew()
	b.send(conn, &amsg.StartBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerOk})

	if m.Scope.ReplaysCurrent() {
		b.replayCurrent(conn, l)
	}
	b.send(conn, &amsg.BusListenerCurrentFinished{Cookie: l.cookie})
}

func (b *Broker) stopBusListener(conn *connEntry, m *amsg.StopBusListener) {
	l, ok := b.listeners[m.Cookie]
	if !ok || l.owner != conn.id {
		b.send(conn, &amsg.StopBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerInvalid})
		return
	}
	if !l.armed {
		b.send(conn, &amsg.StopBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerNotStarted})
		return
	}
	l.armed = false
	b.send(conn, &amsg.StopBusListenerReply{Serial: m.Serial, Result: amsg.BusListenerOk})
}

// replayCurrent emits the live directory to one listener.
func (b *Broker) replayCurrent(conn *connEntry, l *listenerEntry) {
	objects := make([]*objectEntry, 0, len(b.objects))
	for _, obj := range b.objects {
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool {
		return objectIdLess(objects[i].id, objects[j].id)
	})

	for _, obj := range objects {
		if l.matchesObject(obj.id.Uuid) {
			b.send(conn, &amsg.EmitBusEvent{Cookie: l.cookie, Event: amsg.ObjectCreatedEvent(obj.id)})
			b.stats.BusEventsEmitted++
		}

		services := make([]*serviceEntry, 0, obj.services.Cardinality())
		obj.services.Each(func(cookie aids.ServiceCookie) bool {
			if svc, ok := b.services[cookie]; ok {
				services = append(services, svc)
			}
			return false
		})
		sort.Slice(services, func(i, j int) bool {
			return serviceIdLess(services[i].id, services[j].id)
		})
		for _, svc := range services {
			if l.matchesService(obj.id.Uuid, svc.id.Uuid) {
				b.send(conn, &amsg.EmitBusEvent{Cookie: l.cookie, Event: amsg.ServiceCreatedEvent(svc.id)})
				b.stats.BusEventsEmitted++
			}
		}
	}
}

// emitBusEvent fans one lifecycle event out to every armed, matching
// listener.
func (b *Broker) emitBusEvent(ev amsg.BusEvent) {
	for _, l := range b.listeners {
		if !l.armed {
			continue
		}
		matches := false
		switch ev.Kind {
		case amsg.BusEventObjectCreated, amsg.BusEventObjectDestroyed:
			matches = l.matchesObject(ev.Object.Uuid)
		default:
			matches = l.matchesService(ev.Service.Object.Uuid, ev.Service.Uuid)
		}
		if !matches {
			continue
		}
		if owner, ok := b.conns[l.owner]; ok {
			b.send(owner, &amsg.EmitBusEvent{Cookie: l.cookie, Event: ev})
			b.stats.BusEventsEmitted++
		}
	}
}

func objectIdLess(a, d aids.ObjectId) bool {
	au, du := uuid.UUID(a.Uuid), uuid.UUID(d.Uuid)
	if c := bytes.Compare(au[:], du[:]); c != 0 {
		return c < 0
	}
	ac, dc := uuid.UUID(a.Cookie), uuid.UUID(d.Cookie)
	return bytes.Compare(ac[:], dc[:]) < 0
}

func serviceIdLess(a, d aids.ServiceId) bool {
	au, du := uuid.UUID(a.Uuid), uuid.UUID(d.Uuid)
	if c := bytes.Compare(au[:], du[:]); c != 0 {
		return c < 0
	}
	ac, dc := uuid.UUID(a.Cookie), uuid.UUID(d.Cookie)
	return bytes.Compare(ac[:], dc[:]) < 0
}
