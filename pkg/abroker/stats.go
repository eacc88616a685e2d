package abroker

import "time"

// BrokerStatistics is one interval snapshot of broker activity. Counters
// cover [Start, End); each TakeStatistics resets them and starts the next
// interval where this one ended, so consecutive snapshots are contiguous.
type BrokerStatistics struct {
	Start time.Time
	End   time.Time

	// NumConnections is a gauge, not reset between snapshots.
	NumConnections int

	MessagesSent     uint64
	MessagesReceived uint64

	ConnectionsAdded    uint64
	ConnectionsShutDown uint64

	ObjectsCreated   uint64
	ObjectsDestroyed uint64

	ServicesCreated   uint64
	ServicesDestroyed uint64

	ChannelsCreated   uint64
	ChannelsDestroyed uint64

	BusListenersCreated   uint64
	BusListenersDestroyed uint64

	FunctionCallsForwarded uint64
	EventsForwarded        uint64
	ItemsForwarded         uint64
	BusEventsEmitted       uint64
}

// take snapshots the interval, resets the counters and begins the next
// interval at this one's end.
func (s *BrokerStatistics) take(numConnections int) BrokerStatistics {
	now := time.Now()
	out := *s
	out.End = now
	out.NumConnections = numConnections

	*s = BrokerStatistics{Start: now}
	return out
}
