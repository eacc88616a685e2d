package abroker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
)

const testTimeout = 5 * time.Second

type testBus struct {
	t      *testing.T
	broker *Broker
	handle *BrokerHandle
	done   chan struct{}
}

func newTestBus(t *testing.T, opts ...Opt) *testBus {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	opts = append([]Opt{WithLogger(logger)}, opts...)

	b, h := New(opts...)
	bus := &testBus{t: t, broker: b, handle: h, done: make(chan struct{})}
	go func() {
		defer close(bus.done)
		b.Run()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = h.Shutdown(ctx)
		select {
		case <-bus.done:
		case <-ctx.Done():
			t.Error("broker did not stop")
		}
	})
	return bus
}

// testClient speaks raw frames to the broker over an in-memory pipe, the way
// the conformance tester drives a broker under test.
type testClient struct {
	t    *testing.T
	conn net.Conn
	p    *amsg.Packetizer
}

// connectNoHandshake attaches a transport without performing the handshake.
func (bus *testBus) connectNoHandshake() *testClient {
	bus.t.Helper()
	client, server := net.Pipe()
	c := bus.handle.AddConnection(server)
	go c.Run()
	return &testClient{t: bus.t, conn: client, p: amsg.NewPacketizer(0)}
}

// connect attaches a client and completes the Connect2 handshake.
func (bus *testBus) connect() *testClient {
	bus.t.Helper()
	tc := bus.connectNoHandshake()
	tc.send(&amsg.Connect2{MajorVersion: amsg.MajorVersion, MinorVersion: amsg.MinorVersion, Value: avalue.UnitValue()})
	reply := recvAs[*amsg.ConnectReply2](tc)
	assert.Equal(bus.t, amsg.ConnectOk, reply.Result)
	return tc
}

func (tc *testClient) send(m amsg.Message) {
	tc.t.Helper()
	frame, err := amsg.EncodeMessage(m)
	assert.NilError(tc.t, err)
	tc.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err = tc.conn.Write(frame)
	assert.NilError(tc.t, err)
}

func (tc *testClient) recv() amsg.Message {
	tc.t.Helper()
	for {
		frame, err := tc.p.Next()
		assert.NilError(tc.t, err)
		if frame != nil {
			m, err := amsg.DecodeMessage(frame)
			assert.NilError(tc.t, err)
			return m
		}
		buf := make([]byte, 4<<10)
		tc.conn.SetReadDeadline(time.Now().Add(testTimeout))
		n, err := tc.conn.Read(buf)
		if n > 0 {
			tc.p.Extend(buf[:n])
			continue
		}
		assert.NilError(tc.t, err)
	}
}

func recvAs[T amsg.Message](tc *testClient) T {
	tc.t.Helper()
	m := tc.recv()
	got, ok := m.(T)
	if !ok {
		tc.t.Fatalf("received %T (kind %d), expected %T", m, m.Kind(), *new(T))
	}
	return got
}

func (tc *testClient) close() { tc.conn.Close() }

// createObject drives a full create-object exchange.
func (tc *testClient) createObject(serial uint32, u aids.ObjectUuid) aids.ObjectId {
	tc.t.Helper()
	tc.send(&amsg.CreateObject{Serial: serial, Uuid: u})
	reply := recvAs[*amsg.CreateObjectReply](tc)
	assert.Equal(tc.t, serial, reply.Serial)
	assert.Equal(tc.t, amsg.CreateObjectOk, reply.Result)
	return aids.ObjectId{Uuid: u, Cookie: reply.Cookie}
}

// createService drives a full create-service exchange.
func (tc *testClient) createService(serial uint32, obj aids.ObjectId, u aids.ServiceUuid) aids.ServiceId {
	tc.t.Helper()
	tc.send(&amsg.CreateService{Serial: serial, ObjectCookie: obj.Cookie, Uuid: u})
	reply := recvAs[*amsg.CreateServiceReply](tc)
	assert.Equal(tc.t, amsg.CreateServiceOk, reply.Result)
	return aids.ServiceId{Object: obj, Uuid: u, Cookie: reply.Cookie}
}

func newObjectUuid() aids.ObjectUuid   { return aids.ObjectUuid(uuid.New()) }
func newServiceUuid() aids.ServiceUuid { return aids.ServiceUuid(uuid.New()) }

func TestConnectOkAndShutdownByClient(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connectNoHandshake()
	defer tc.close()

	tc.send(&amsg.Connect2{MajorVersion: 1, MinorVersion: 14, Value: avalue.UnitValue()})
	reply := recvAs[*amsg.ConnectReply2](tc)
	assert.Equal(t, amsg.ConnectOk, reply.Result)
	assert.Equal(t, uint32(14), reply.Minor)

	tc.send(&amsg.Shutdown{})
	recvAs[*amsg.Shutdown](tc)
}

func TestConnectVersionMismatch(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connectNoHandshake()
	defer tc.close()

	tc.send(&amsg.Connect2{MajorVersion: 2, MinorVersion: 0, Value: avalue.UnitValue()})
	reply := recvAs[*amsg.ConnectReply2](tc)
	assert.Equal(t, amsg.ConnectIncompatibleVersion, reply.Result)
	assert.Equal(t, uint32(amsg.MinorVersion), reply.Minor)
}

func TestConnectNegotiatesLowerMinor(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connectNoHandshake()
	defer tc.close()

	tc.send(&amsg.Connect2{MajorVersion: 1, MinorVersion: 9, Value: avalue.UnitValue()})
	reply := recvAs[*amsg.ConnectReply2](tc)
	assert.Equal(t, amsg.ConnectOk, reply.Result)
	assert.Equal(t, uint32(9), reply.Minor)
}

func TestLegacyConnectVersionMismatch(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connectNoHandshake()
	defer tc.close()

	tc.send(&amsg.Connect{Version: amsg.MinorVersion - 1, Value: avalue.UnitValue()})
	reply := recvAs[*amsg.ConnectReply](tc)
	assert.Equal(t, amsg.ConnectReplyVersionMismatch, reply.Result)
	assert.Equal(t, uint32(amsg.MinorVersion), reply.Version)
}

func TestShutdownByBroker(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	go bus.handle.Shutdown(ctx)

	recvAs[*amsg.Shutdown](tc)
	tc.send(&amsg.Shutdown{})

	select {
	case <-bus.done:
	case <-time.After(testTimeout):
		t.Fatal("broker did not stop after all connections shut down")
	}
}

func TestCreateObjectDuplicate(t *testing.T) {
	bus := newTestBus(t)
	c1 := bus.connect()
	defer c1.close()
	c2 := bus.connect()
	defer c2.close()

	u := newObjectUuid()
	c1.createObject(0, u)

	c2.send(&amsg.CreateObject{Serial: 5, Uuid: u})
	reply := recvAs[*amsg.CreateObjectReply](c2)
	assert.Equal(t, uint32(5), reply.Serial)
	assert.Equal(t, amsg.CreateObjectDuplicate, reply.Result)
}

func TestDestroyedUuidCanBeRecreatedWithFreshCookie(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	u := newObjectUuid()
	first := tc.createObject(0, u)

	tc.send(&amsg.DestroyObject{Serial: 1, Cookie: first.Cookie})
	destroyed := recvAs[*amsg.DestroyObjectReply](tc)
	assert.Equal(t, amsg.DestroyObjectOk, destroyed.Result)

	second := tc.createObject(2, u)
	assert.Assert(t, first.Cookie != second.Cookie)
}

func TestDestroyForeignObject(t *testing.T) {
	bus := newTestBus(t)
	c1 := bus.connect()
	defer c1.close()
	c2 := bus.connect()
	defer c2.close()

	obj := c1.createObject(0, newObjectUuid())

	c2.send(&amsg.DestroyObject{Serial: 1, Cookie: obj.Cookie})
	reply := recvAs[*amsg.DestroyObjectReply](c2)
	assert.Equal(t, amsg.DestroyObjectForeignObject, reply.Result)
}

func TestFunctionCallRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	callee := bus.connect()
	defer callee.close()
	caller := bus.connect()
	defer caller.close()

	obj := callee.createObject(0, newObjectUuid())
	svc := callee.createService(1, obj, newServiceUuid())

	args := avalue.MustSerialize(avalue.U32(7))
	caller.send(&amsg.CallFunction{Serial: 7, Cookie: svc.Cookie, Function: 2, Value: args})

	fwd := recvAs[*amsg.CallFunction](callee)
	assert.Equal(t, uint32(2), fwd.Function)
	assert.DeepEqual(t, []byte(args), []byte(fwd.Value))

	ret := avalue.MustSerialize(avalue.String("done"))
	callee.send(&amsg.CallFunctionReply{Serial: fwd.Serial, Result: amsg.CallFunctionOk, Value: ret})

	reply := recvAs[*amsg.CallFunctionReply](caller)
	assert.Equal(t, uint32(7), reply.Serial)
	assert.Equal(t, amsg.CallFunctionOk, reply.Result)
	assert.DeepEqual(t, []byte(ret), []byte(reply.Value))
}

func TestCallFunctionInvalidService(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	tc.send(&amsg.CallFunction{Serial: 3, Cookie: aids.NewServiceCookie(), Function: 0, Value: avalue.UnitValue()})
	reply := recvAs[*amsg.CallFunctionReply](tc)
	assert.Equal(t, uint32(3), reply.Serial)
	assert.Equal(t, amsg.CallFunctionInvalidService, reply.Result)
}

func TestCallerDisconnectAbortsForwardedCall(t *testing.T) {
	bus := newTestBus(t)
	callee := bus.connect()
	defer callee.close()
	caller := bus.connect()
	defer caller.close()

	obj := callee.createObject(0, newObjectUuid())
	svc := callee.createService(1, obj, newServiceUuid())

	caller.send(&amsg.CallFunction{Serial: 7, Cookie: svc.Cookie, Function: 0, Value: avalue.UnitValue()})
	fwd := recvAs[*amsg.CallFunction](callee)

	// The caller leaves before the reply.
	caller.send(&amsg.Shutdown{})
	recvAs[*amsg.Shutdown](caller)

	abort := recvAs[*amsg.AbortFunctionCall](callee)
	assert.Equal(t, fwd.Serial, abort.Serial)

	// A late reply is discarded; the callee stays usable.
	callee.send(&amsg.CallFunctionReply{Serial: fwd.Serial, Result: amsg.CallFunctionOk, Value: avalue.UnitValue()})
	callee.send(&amsg.Sync{Serial: 9})
	sync := recvAs[*amsg.SyncReply](callee)
	assert.Equal(t, uint32(9), sync.Serial)
}

func TestCalleeDisconnectAbortsPendingCall(t *testing.T) {
	bus := newTestBus(t)
	callee := bus.connect()
	defer callee.close()
	caller := bus.connect()
	defer caller.close()

	obj := callee.createObject(0, newObjectUuid())
	svc := callee.createService(1, obj, newServiceUuid())

	caller.send(&amsg.CallFunction{Serial: 4, Cookie: svc.Cookie, Function: 0, Value: avalue.UnitValue()})
	recvAs[*amsg.CallFunction](callee)

	callee.send(&amsg.Shutdown{})
	recvAs[*amsg.Shutdown](callee)

	reply := recvAs[*amsg.CallFunctionReply](caller)
	assert.Equal(t, uint32(4), reply.Serial)
	assert.Equal(t, amsg.CallFunctionAborted, reply.Result)
}

func TestAbortFunctionCallForwarded(t *testing.T) {
	bus := newTestBus(t)
	callee := bus.connect()
	defer callee.close()
	caller := bus.connect()
	defer caller.close()

	obj := callee.createObject(0, newObjectUuid())
	svc := callee.createService(1, obj, newServiceUuid())

	caller.send(&amsg.CallFunction{Serial: 11, Cookie: svc.Cookie, Function: 1, Value: avalue.UnitValue()})
	fwd := recvAs[*amsg.CallFunction](callee)

	caller.send(&amsg.AbortFunctionCall{Serial: 11})
	abort := recvAs[*amsg.AbortFunctionCall](callee)
	assert.Equal(t, fwd.Serial, abort.Serial)
}

func TestEventSubscribeEmitFanout(t *testing.T) {
	bus := newTestBus(t)
	owner := bus.connect()
	defer owner.close()
	sub1 := bus.connect()
	defer sub1.close()
	sub2 := bus.connect()
	defer sub2.close()

	obj := owner.createObject(0, newObjectUuid())
	svc := owner.createService(1, obj, newServiceUuid())

	sub1.send(&amsg.SubscribeEvent{Serial: 0, Cookie: svc.Cookie, Event: 3})
	assert.Equal(t, amsg.SubscribeEventOk, recvAs[*amsg.SubscribeEventReply](sub1).Result)
	// The owner learns the event gained its first subscriber.
	first := recvAs[*amsg.SubscribeEvent](owner)
	assert.Equal(t, uint32(3), first.Event)

	sub2.send(&amsg.SubscribeEvent{Serial: 0, Cookie: svc.Cookie, Event: 3})
	assert.Equal(t, amsg.SubscribeEventOk, recvAs[*amsg.SubscribeEventReply](sub2).Result)

	payload := avalue.MustSerialize(avalue.String("tick"))
	owner.send(&amsg.EmitEvent{Cookie: svc.Cookie, Event: 3, Value: payload})

	for _, sub := range []*testClient{sub1, sub2} {
		ev := recvAs[*amsg.EmitEvent](sub)
		assert.Equal(t, uint32(3), ev.Event)
		assert.Equal(t, svc.Cookie, ev.Cookie)
		assert.DeepEqual(t, []byte(payload), []byte(ev.Value))
	}
}

func TestUnsubscribeNotifiesOwnerOnLastDrop(t *testing.T) {
	bus := newTestBus(t)
	owner := bus.connect()
	defer owner.close()
	sub := bus.connect()
	defer sub.close()

	obj := owner.createObject(0, newObjectUuid())
	svc := owner.createService(1, obj, newServiceUuid())

	sub.send(&amsg.SubscribeEvent{Serial: 0, Cookie: svc.Cookie, Event: 1})
	recvAs[*amsg.SubscribeEventReply](sub)
	recvAs[*amsg.SubscribeEvent](owner)

	sub.send(&amsg.UnsubscribeEvent{Cookie: svc.Cookie, Event: 1})
	drop := recvAs[*amsg.UnsubscribeEvent](owner)
	assert.Equal(t, uint32(1), drop.Event)

	// With no subscribers left, emits go nowhere; the barrier proves the
	// subscriber's stream stays silent.
	owner.send(&amsg.EmitEvent{Cookie: svc.Cookie, Event: 1, Value: avalue.UnitValue()})
	sub.send(&amsg.Sync{Serial: 2})
	recvAs[*amsg.SyncReply](sub)
}

func TestServiceDestroyedPushedToSubscribers(t *testing.T) {
	bus := newTestBus(t)
	owner := bus.connect()
	defer owner.close()
	sub := bus.connect()
	defer sub.close()

	obj := owner.createObject(0, newObjectUuid())
	svc := owner.createService(1, obj, newServiceUuid())

	sub.send(&amsg.SubscribeEvent{Serial: 0, Cookie: svc.Cookie, Event: 0})
	recvAs[*amsg.SubscribeEventReply](sub)
	recvAs[*amsg.SubscribeEvent](owner)

	owner.send(&amsg.DestroyService{Serial: 2, Cookie: svc.Cookie})
	assert.Equal(t, amsg.DestroyServiceOk, recvAs[*amsg.DestroyServiceReply](owner).Result)

	gone := recvAs[*amsg.ServiceDestroyed](sub)
	assert.Equal(t, svc.Cookie, gone.Cookie)
}

func TestQueryServiceInfo(t *testing.T) {
	bus := newTestBus(t)
	owner := bus.connect()
	defer owner.close()

	obj := owner.createObject(0, newObjectUuid())
	owner.send(&amsg.CreateService{Serial: 1, ObjectCookie: obj.Cookie, Uuid: newServiceUuid(), Info: amsg.ServiceInfo{Version: 9}})
	created := recvAs[*amsg.CreateServiceReply](owner)
	assert.Equal(t, amsg.CreateServiceOk, created.Result)

	owner.send(&amsg.QueryServiceInfo{Serial: 2, Cookie: created.Cookie})
	info := recvAs[*amsg.QueryServiceInfoReply](owner)
	assert.Equal(t, amsg.QueryServiceInfoOk, info.Result)
	assert.Equal(t, uint32(9), info.Info.Version)
}

func TestSyncBarrier(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	tc.send(&amsg.CreateObject{Serial: 0, Uuid: newObjectUuid()})
	tc.send(&amsg.Sync{Serial: 3})

	// The reply queued before the barrier arrives first.
	recvAs[*amsg.CreateObjectReply](tc)
	sync := recvAs[*amsg.SyncReply](tc)
	assert.Equal(t, uint32(3), sync.Serial)
}

func TestIdleShutdown(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NilError(t, bus.handle.ShutdownIdle(ctx))

	select {
	case <-bus.done:
	case <-time.After(testTimeout):
		t.Fatal("idle broker did not stop")
	}
}

func TestIdleShutdownIgnoredWhileBusy(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NilError(t, bus.handle.ShutdownIdle(ctx))

	// The broker keeps serving.
	tc.send(&amsg.Sync{Serial: 1})
	recvAs[*amsg.SyncReply](tc)
}

func TestTakeStatisticsResetsCounters(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	tc.createObject(0, newObjectUuid())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	stats, err := bus.handle.TakeStatistics(ctx)
	assert.NilError(t, err)
	assert.Equal(t, 1, stats.NumConnections)
	assert.Equal(t, uint64(1), stats.ObjectsCreated)
	assert.Assert(t, stats.MessagesReceived >= 1)

	next, err := bus.handle.TakeStatistics(ctx)
	assert.NilError(t, err)
	assert.Equal(t, uint64(0), next.ObjectsCreated)
	// Intervals are contiguous.
	assert.Assert(t, next.Start.Equal(stats.End))
}

func TestUnexpectedMessageDropsConnection(t *testing.T) {
	bus := newTestBus(t)
	tc := bus.connect()
	defer tc.close()

	// Clients must never send ItemReceived; the broker fail-stops them.
	tc.send(&amsg.ItemReceived{Cookie: aids.NewChannelCookie(), Value: avalue.UnitValue()})
	recvAs[*amsg.Shutdown](tc)
}
