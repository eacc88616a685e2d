package aclient

import (
	"context"
	"errors"

	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
	"github.com/aldrinbus/aldrin-go/pkg/avalue"
)

// Directory failures surfaced as errors on the request surface.
var (
	ErrDuplicateObject  = errors.New("duplicate object")
	ErrInvalidObject    = errors.New("invalid object")
	ErrForeignObject    = errors.New("foreign object")
	ErrDuplicateService = errors.New("duplicate service")
	ErrInvalidService   = errors.New("invalid service")
	ErrInvalidChannel   = errors.New("invalid channel")
	ErrAlreadyClaimed   = errors.New("channel end already claimed")
	ErrForeignChannel   = errors.New("foreign channel")
	ErrInvalidListener  = errors.New("invalid bus listener")
	ErrAlreadyStarted   = errors.New("bus listener already started")
	ErrNotStarted       = errors.New("bus listener not started")
	ErrCallAborted      = errors.New("call aborted")
	ErrInvalidFunction  = errors.New("invalid function")
	ErrInvalidArgs      = errors.New("invalid arguments")
	ErrUnavailable      = errors.New("introspection unavailable")
)

// CreateObject creates an object with the given UUID.
func (cl *Client) CreateObject(ctx context.Context, u aids.ObjectUuid) (aids.ObjectId, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.CreateObject{Serial: serial, Uuid: u}
	})
	if err != nil {
		return aids.ObjectId{}, err
	}
	reply := m.(*amsg.CreateObjectReply)
	if reply.Result != amsg.CreateObjectOk {
		return aids.ObjectId{}, ErrDuplicateObject
	}
	return aids.ObjectId{Uuid: u, Cookie: reply.Cookie}, nil
}

// DestroyObject destroys an object this connection owns.
func (cl *Client) DestroyObject(ctx context.Context, cookie aids.ObjectCookie) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.DestroyObject{Serial: serial, Cookie: cookie}
	})
	if err != nil {
		return err
	}
	switch m.(*amsg.DestroyObjectReply).Result {
	case amsg.DestroyObjectOk:
		return nil
	case amsg.DestroyObjectForeignObject:
		return ErrForeignObject
	default:
		return ErrInvalidObject
	}
}

// CreateService binds a service to an object this connection owns.
func (cl *Client) CreateService(ctx context.Context, obj aids.ObjectId, u aids.ServiceUuid, info amsg.ServiceInfo) (aids.ServiceId, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.CreateService{Serial: serial, ObjectCookie: obj.Cookie, Uuid: u, Info: info}
	})
	if err != nil {
		return aids.ServiceId{}, err
	}
	reply := m.(*amsg.CreateServiceReply)
	switch reply.Result {
	case amsg.CreateServiceOk:
		return aids.ServiceId{Object: obj, Uuid: u, Cookie: reply.Cookie}, nil
	case amsg.CreateServiceDuplicate:
		return aids.ServiceId{}, ErrDuplicateService
	case amsg.CreateServiceForeignObject:
		return aids.ServiceId{}, ErrForeignObject
	default:
		return aids.ServiceId{}, ErrInvalidObject
	}
}

// DestroyService destroys a service this connection owns.
func (cl *Client) DestroyService(ctx context.Context, cookie aids.ServiceCookie) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.DestroyService{Serial: serial, Cookie: cookie}
	})
	if err != nil {
		return err
	}
	switch m.(*amsg.DestroyServiceReply).Result {
	case amsg.DestroyServiceOk:
		return nil
	case amsg.DestroyServiceForeignObject:
		return ErrForeignObject
	default:
		return ErrInvalidService
	}
}

// QueryServiceInfo fetches the info recorded for a live service.
func (cl *Client) QueryServiceInfo(ctx context.Context, cookie aids.ServiceCookie) (amsg.ServiceInfo, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.QueryServiceInfo{Serial: serial, Cookie: cookie}
	})
	if err != nil {
		return amsg.ServiceInfo{}, err
	}
	reply := m.(*amsg.QueryServiceInfoReply)
	if reply.Result != amsg.QueryServiceInfoOk {
		return amsg.ServiceInfo{}, ErrInvalidService
	}
	return reply.Info, nil
}

// CallFunction invokes a function and waits for its reply. Cancelling ctx
// aborts the call; a reply that races the abort is discarded.
func (cl *Client) CallFunction(ctx context.Context, svc aids.ServiceCookie, function uint32, value avalue.SerializedValue) (amsg.CallFunctionResult, avalue.SerializedValue, error) {
	cl.mu.Lock()
	serial, pending := cl.calls.insert()
	cl.mu.Unlock()

	err := cl.send(&amsg.CallFunction{Serial: serial, Cookie: svc, Function: function, Value: value})
	if err != nil {
		cl.mu.Lock()
		cl.calls.resolve(serial, callResult{})
		cl.mu.Unlock()
		return 0, nil, err
	}

	select {
	case res := <-pending.reply:
		if res.err != nil {
			return 0, nil, res.err
		}
		switch res.result {
		case amsg.CallFunctionOk, amsg.CallFunctionErr:
			return res.result, res.value, nil
		case amsg.CallFunctionAborted:
			return 0, nil, ErrCallAborted
		case amsg.CallFunctionInvalidService:
			return 0, nil, ErrInvalidService
		case amsg.CallFunctionInvalidFunction:
			return 0, nil, ErrInvalidFunction
		default:
			return 0, nil, ErrInvalidArgs
		}
	case <-ctx.Done():
		cl.AbortCall(serial)
		return 0, nil, ctx.Err()
	case <-cl.deadCh:
		return 0, nil, ErrShutdown
	}
}

// AbortCall cancels an outstanding call by serial.
func (cl *Client) AbortCall(serial uint32) {
	cl.mu.Lock()
	aborted := cl.calls.abort(serial)
	cl.mu.Unlock()
	if aborted {
		cl.trySend(&amsg.AbortFunctionCall{Serial: serial})
	}
}

// SubscribeEvent subscribes this connection to one event.
func (cl *Client) SubscribeEvent(ctx context.Context, svc aids.ServiceCookie, event uint32) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.SubscribeEvent{Serial: serial, Cookie: svc, Event: event}
	})
	if err != nil {
		return err
	}
	if m.(*amsg.SubscribeEventReply).Result != amsg.SubscribeEventOk {
		return ErrInvalidService
	}
	return nil
}

// UnsubscribeEvent drops one event subscription. Fire-and-forget.
func (cl *Client) UnsubscribeEvent(svc aids.ServiceCookie, event uint32) error {
	return cl.send(&amsg.UnsubscribeEvent{Cookie: svc, Event: event})
}

// EmitEvent broadcasts an event from a service this connection owns.
func (cl *Client) EmitEvent(svc aids.ServiceCookie, event uint32, value avalue.SerializedValue) error {
	return cl.send(&amsg.EmitEvent{Cookie: svc, Event: event, Value: value})
}

// Sync completes once the broker has forwarded everything enqueued for this
// connection before the barrier.
func (cl *Client) Sync(ctx context.Context) error {
	_, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.Sync{Serial: serial}
	})
	return err
}

// CreateChannel creates a channel with this connection holding the given end.
func (cl *Client) CreateChannel(ctx context.Context, end amsg.ChannelEndWithCapacity) (aids.ChannelCookie, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.CreateChannel{Serial: serial, End: end}
	})
	if err != nil {
		return aids.ChannelCookie{}, err
	}
	return m.(*amsg.CreateChannelReply).Cookie, nil
}

func channelEndErr(result amsg.ChannelEndResult) error {
	switch result {
	case amsg.ChannelEndOk:
		return nil
	case amsg.ChannelEndAlreadyClaimed:
		return ErrAlreadyClaimed
	case amsg.ChannelEndForeignChannel:
		return ErrForeignChannel
	default:
		return ErrInvalidChannel
	}
}

// ClaimChannelEnd claims the unclaimed end of a channel. For a sender claim,
// the returned capacity is the receiver's current grant.
func (cl *Client) ClaimChannelEnd(ctx context.Context, cookie aids.ChannelCookie, end amsg.ChannelEndWithCapacity) (uint32, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.ClaimChannelEnd{Serial: serial, Cookie: cookie, End: end}
	})
	if err != nil {
		return 0, err
	}
	reply := m.(*amsg.ClaimChannelEndReply)
	if err := channelEndErr(reply.Result); err != nil {
		return 0, err
	}
	return reply.Capacity, nil
}

// CloseChannelEnd closes one end this connection holds.
func (cl *Client) CloseChannelEnd(ctx context.Context, cookie aids.ChannelCookie, end amsg.ChannelEnd) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.CloseChannelEnd{Serial: serial, Cookie: cookie, End: end}
	})
	if err != nil {
		return err
	}
	return channelEndErr(m.(*amsg.CloseChannelEndReply).Result)
}

// DestroyChannelEnd removes the unclaimed end of a channel this connection
// created.
func (cl *Client) DestroyChannelEnd(ctx context.Context, cookie aids.ChannelCookie, end amsg.ChannelEnd) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.DestroyChannelEnd{Serial: serial, Cookie: cookie, End: end}
	})
	if err != nil {
		return err
	}
	return channelEndErr(m.(*amsg.DestroyChannelEndReply).Result)
}

// SendItem sends one item, consuming one credit.
func (cl *Client) SendItem(cookie aids.ChannelCookie, value avalue.SerializedValue) error {
	return cl.send(&amsg.SendItem{Cookie: cookie, Value: value})
}

// AddChannelCapacity grants the sender more credit.
func (cl *Client) AddChannelCapacity(cookie aids.ChannelCookie, capacity uint32) error {
	return cl.send(&amsg.AddChannelCapacity{Cookie: cookie, Capacity: capacity})
}

// CreateBusListener creates an idle bus listener.
func (cl *Client) CreateBusListener(ctx context.Context) (aids.BusListenerCookie, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.CreateBusListener{Serial: serial}
	})
	if err != nil {
		return aids.BusListenerCookie{}, err
	}
	return m.(*amsg.CreateBusListenerReply).Cookie, nil
}

// DestroyBusListener removes a bus listener.
func (cl *Client) DestroyBusListener(ctx context.Context, cookie aids.BusListenerCookie) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.DestroyBusListener{Serial: serial, Cookie: cookie}
	})
	if err != nil {
		return err
	}
	if m.(*amsg.DestroyBusListenerReply).Result != amsg.BusListenerOk {
		return ErrInvalidListener
	}
	return nil
}

// AddBusListenerFilter adds one filter. Fire-and-forget.
func (cl *Client) AddBusListenerFilter(cookie aids.BusListenerCookie, f amsg.BusListenerFilter) error {
	return cl.send(&amsg.AddBusListenerFilter{Cookie: cookie, Filter: f})
}

// StartBusListener arms a listener with the given scope.
func (cl *Client) StartBusListener(ctx context.Context, cookie aids.BusListenerCookie, scope amsg.BusListenerScope) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.StartBusListener{Serial: serial, Cookie: cookie, Scope: scope}
	})
	if err != nil {
		return err
	}
	switch m.(*amsg.StartBusListenerReply).Result {
	case amsg.BusListenerOk:
		return nil
	case amsg.BusListenerAlreadyStarted:
		return ErrAlreadyStarted
	default:
		return ErrInvalidListener
	}
}

// StopBusListener silences a running listener.
func (cl *Client) StopBusListener(ctx context.Context, cookie aids.BusListenerCookie) error {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.StopBusListener{Serial: serial, Cookie: cookie}
	})
	if err != nil {
		return err
	}
	switch m.(*amsg.StopBusListenerReply).Result {
	case amsg.BusListenerOk:
		return nil
	case amsg.BusListenerNotStarted:
		return ErrNotStarted
	default:
		return ErrInvalidListener
	}
}

// RegisterIntrospection announces answerable TypeIds. Fire-and-forget.
func (cl *Client) RegisterIntrospection(ids ...aids.TypeId) error {
	return cl.send(&amsg.RegisterIntrospection{TypeIds: ids})
}

// QueryIntrospection fetches the introspection value for a TypeId.
func (cl *Client) QueryIntrospection(ctx context.Context, id aids.TypeId) (avalue.SerializedValue, error) {
	m, err := cl.request(ctx, func(serial uint32) amsg.Message {
		return &amsg.QueryIntrospection{Serial: serial, TypeId: id}
	})
	if err != nil {
		return nil, err
	}
	reply := m.(*amsg.QueryIntrospectionReply)
	if reply.Result != amsg.QueryIntrospectionOk {
		return nil, ErrUnavailable
	}
	return reply.Value, nil
}
