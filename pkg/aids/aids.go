// Package aids defines the identifier types used across the aldrin protocol.
// All are 128-bit UUIDs carried on the wire as 16 raw bytes in RFC 4122 byte
// order. Cookies are broker-assigned and distinguish successive incarnations
// of the same application-chosen UUID.
package aids

import "github.com/google/uuid"

// ObjectUuid is the application-chosen identity of an object.
type ObjectUuid uuid.UUID

// ObjectCookie is the broker-assigned token for one incarnation of an object.
type ObjectCookie uuid.UUID

// ServiceUuid is the application-chosen identity of a service on an object.
type ServiceUuid uuid.UUID

// ServiceCookie is the broker-assigned token for one incarnation of a service.
type ServiceCookie uuid.UUID

// ChannelCookie is the broker-assigned identity of one channel.
type ChannelCookie uuid.UUID

// BusListenerCookie is the broker-assigned identity of one bus listener.
type BusListenerCookie uuid.UUID

// TypeId identifies an introspectable type.
type TypeId uuid.UUID

// ObjectId pairs an object's UUID with its current cookie.
type ObjectId struct {
	Uuid   ObjectUuid
	Cookie ObjectCookie
}

// ServiceId names one incarnation of a service on one incarnation of an
// object.
type ServiceId struct {
	Object ObjectId
	Uuid   ServiceUuid
	Cookie ServiceCookie
}

func (u ObjectUuid) String() string        { return uuid.UUID(u).String() }
func (c ObjectCookie) String() string      { return uuid.UUID(c).String() }
func (u ServiceUuid) String() string       { return uuid.UUID(u).String() }
func (c ServiceCookie) String() string     { return uuid.UUID(c).String() }
func (c ChannelCookie) String() string     { return uuid.UUID(c).String() }
func (c BusListenerCookie) String() string { return uuid.UUID(c).String() }
func (t TypeId) String() string            { return uuid.UUID(t).String() }

// NewObjectCookie returns a fresh random cookie.
func NewObjectCookie() ObjectCookie { return ObjectCookie(uuid.New()) }

// NewServiceCookie returns a fresh random cookie.
func NewServiceCookie() ServiceCookie { return ServiceCookie(uuid.New()) }

// NewChannelCookie returns a fresh random cookie.
func NewChannelCookie() ChannelCookie { return ChannelCookie(uuid.New()) }

// NewBusListenerCookie returns a fresh random cookie.
func NewBusListenerCookie() BusListenerCookie { return BusListenerCookie(uuid.New()) }
