package aclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aldrinbus/aldrin-go/pkg/abroker"
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func newTestBroker(t *testing.T) *abroker.BrokerHandle {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	broker, handle := abroker.New(abroker.WithLogger(logger))
	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Run()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = handle.Shutdown(ctx)
		<-done
	})
	return handle
}

func connectClient(t *testing.T, handle *abroker.BrokerHandle, opts ...Opt) *Client {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	conn := handle.AddConnection(serverSide)
	go conn.Run()

	type result struct {
		cl  *Client
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		cl, err := Connect(clientSide, opts...)
		resCh <- result{cl, err}
	}()
	res := <-resCh
	assert.NilError(t, res.err)
	go res.cl.Run()
	t.Cleanup(res.cl.Shutdown)
	return res.cl
}

func TestClientHandshake(t *testing.T) {
	handle := newTestBroker(t)
	cl := connectClient(t, handle)
	assert.Check(t, is.Equal(amsg.CurrentVersion(), cl.Version()))
}

func TestClientObjectLifecycle(t *testing.T) {
	handle := newTestBroker(t)
	cl := connectClient(t, handle)
	ctx := testContext(t)

	u := aids.ObjectUuid(uuid.New())
	obj, err := cl.CreateObject(ctx, u)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(u, obj.Uuid))

	_, err = cl.CreateObject(ctx, u)
	assert.ErrorIs(t, err, ErrDuplicateObject)

	assert.NilError(t, cl.DestroyObject(ctx, obj.Cookie))

	// A destroyed uuid is free again, with a fresh cookie.
	again, err := cl.CreateObject(ctx, u)
	assert.NilError(t, err)
	assert.Check(t, obj.Cookie != again.Cookie)
}

func TestClientServiceAndCall(t *testing.T) {
	handle := newTestBroker(t)

	served := connectClient(t, handle, WithCallHandler(func(call *IncomingCall) {
		// Echo the argument back doubled.
		v, err := call.Value.Deserialize()
		if err != nil {
			call.Reply(amsg.CallFunctionInvalidArgs, nil)
			return
		}
		n := v.(avalue.U32)
		call.Reply(amsg.CallFunctionOk, avalue.MustSerialize(avalue.U32(n*2)))
	}))
	caller := connectClient(t, handle)
	ctx := testContext(t)

	obj, err := served.CreateObject(ctx, aids.ObjectUuid(uuid.New()))
	assert.NilError(t, err)
	svc, err := served.CreateService(ctx, obj, aids.ServiceUuid(uuid.New()), amsg.ServiceInfo{Version: 1})
	assert.NilError(t, err)

	result, value, err := caller.CallFunction(ctx, svc.Cookie, 0, avalue.MustSerialize(avalue.U32(21)))
	assert.NilError(t, err)
	assert.Check(t, is.Equal(amsg.CallFunctionOk, result))
	got, err := value.Deserialize()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(avalue.U32(42), got.(avalue.U32)))
}

func TestClientCallInvalidService(t *testing.T) {
	handle := newTestBroker(t)
	cl := connectClient(t, handle)
	ctx := testContext(t)

	_, _, err := cl.CallFunction(ctx, aids.NewServiceCookie(), 0, avalue.UnitValue())
	assert.ErrorIs(t, err, ErrInvalidService)
}

func TestClientEventsDelivered(t *testing.T) {
	handle := newTestBroker(t)

	events := make(chan *amsg.EmitEvent, 1)
	sub := connectClient(t, handle, WithEventHandler(func(ev *amsg.EmitEvent) {
		events <- ev
	}))
	owner := connectClient(t, handle)
	ctx := testContext(t)

	obj, err := owner.CreateObject(ctx, aids.ObjectUuid(uuid.New()))
	assert.NilError(t, err)
	svc, err := owner.CreateService(ctx, obj, aids.ServiceUuid(uuid.New()), amsg.ServiceInfo{})
	assert.NilError(t, err)

	assert.NilError(t, sub.SubscribeEvent(ctx, svc.Cookie, 5))
	assert.NilError(t, owner.EmitEvent(svc.Cookie, 5, avalue.MustSerialize(avalue.String("ping"))))

	select {
	case ev := <-events:
		assert.Check(t, is.Equal(uint32(5), ev.Event))
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestClientChannelFlow(t *testing.T) {
	handle := newTestBroker(t)

	items := make(chan *amsg.ItemReceived, 4)
	receiver := connectClient(t, handle, WithItemHandler(func(it *amsg.ItemReceived) {
		items <- it
	}))
	sender := connectClient(t, handle)
	ctx := testContext(t)

	cookie, err := receiver.CreateChannel(ctx, amsg.ChannelEndWithCapacity{End: amsg.ChannelEndReceiver, Capacity: 2})
	assert.NilError(t, err)

	capacity, err := sender.ClaimChannelEnd(ctx, cookie, amsg.ChannelEndWithCapacity{End: amsg.ChannelEndSender})
	assert.NilError(t, err)
	assert.Check(t, is.Equal(uint32(2), capacity))

	assert.NilError(t, sender.SendItem(cookie, avalue.MustSerialize(avalue.U32(1))))
	assert.NilError(t, sender.SendItem(cookie, avalue.MustSerialize(avalue.U32(2))))

	for want := uint32(1); want <= 2; want++ {
		select {
		case it := <-items:
			v, err := it.Value.Deserialize()
			assert.NilError(t, err)
			assert.Check(t, is.Equal(avalue.U32(want), v.(avalue.U32)))
		case <-ctx.Done():
			t.Fatal("item not delivered")
		}
	}
}

func TestClientSyncBarrier(t *testing.T) {
	handle := newTestBroker(t)
	cl := connectClient(t, handle)
	assert.NilError(t, cl.Sync(testContext(t)))
}

func TestClientBusListener(t *testing.T) {
	handle := newTestBroker(t)
	cl := connectClient(t, handle)
	ctx := testContext(t)

	l, err := cl.CreateBusListener(ctx)
	assert.NilError(t, err)
	assert.NilError(t, cl.AddBusListenerFilter(l, amsg.AnyObject()))
	assert.NilError(t, cl.StartBusListener(ctx, l, amsg.ScopeAll))

	assert.ErrorIs(t, cl.StartBusListener(ctx, l, amsg.ScopeAll), ErrAlreadyStarted)
	assert.NilError(t, cl.StopBusListener(ctx, l))
	assert.ErrorIs(t, cl.StopBusListener(ctx, l), ErrNotStarted)
	assert.NilError(t, cl.DestroyBusListener(ctx, l))
}

func TestClientQueryIntrospectionUnavailable(t *testing.T) {
	handle := newTestBroker(t)
	querier := connectClient(t, handle)
	ctx := testContext(t)

	_, err := querier.QueryIntrospection(ctx, aids.TypeId(uuid.New()))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientShutdownResolvesPendingCalls(t *testing.T) {
	handle := newTestBroker(t)

	// The service never answers, so the call hangs until shutdown.
	arrived := make(chan struct{}, 1)
	served := connectClient(t, handle, WithCallHandler(func(call *IncomingCall) {
		arrived <- struct{}{}
	}))
	caller := connectClient(t, handle)
	ctx := testContext(t)

	obj, err := served.CreateObject(ctx, aids.ObjectUuid(uuid.New()))
	assert.NilError(t, err)
	svc, err := served.CreateService(ctx, obj, aids.ServiceUuid(uuid.New()), amsg.ServiceInfo{})
	assert.NilError(t, err)

	callErr := make(chan error, 1)
	go func() {
		_, _, err := caller.CallFunction(context.Background(), svc.Cookie, 0, avalue.UnitValue())
		callErr <- err
	}()

	// Tear the callee down once the call reached it; the broker aborts the
	// pending call.
	select {
	case <-arrived:
	case <-ctx.Done():
		t.Fatal("call never reached the service")
	}
	served.Shutdown()

	select {
	case err := <-callErr:
		assert.ErrorIs(t, err, ErrCallAborted)
	case <-time.After(testTimeout):
		t.Fatal("pending call not resolved")
	}
}

func TestFunctionCallMapAbortDiscardsLateReply(t *testing.T) {
	m := newFunctionCallMap()
	serial, pending := m.insert()

	assert.Check(t, m.abort(serial))
	assert.Check(t, !m.abort(serial))

	// The late reply is swallowed.
	m.resolve(serial, callResult{result: amsg.CallFunctionOk})
	select {
	case <-pending.reply:
		t.Fatal("aborted call must not resolve")
	default:
	}

	// The serial is free again only after the reply arrived.
	_, ok := m.elems[serial]
	assert.Check(t, !ok)
}

func TestFunctionCallMapResolveAll(t *testing.T) {
	m := newFunctionCallMap()
	_, p1 := m.insert()
	_, p2 := m.insert()
	m.resolveAll(ErrShutdown)

	for _, p := range []*pendingFunctionCall{p1, p2} {
		res := <-p.reply
		assert.ErrorIs(t, res.err, ErrShutdown)
	}
}
