package abroker

import (
	"github.com/aldrinbus/aldrin-go/pkg/aids"
	"github.com/aldrinbus/aldrin-go/pkg/amsg"
)

// Channel engine. A channel has a sender end and a receiver end; each is
// unclaimed, claimed by a connection, or closed. Items flow only while both
// ends are claimed and the sender holds credit; every SendItem consumes one
// credit and AddChannelCapacity replenishes it. A sender that overruns its
// credit is fail-stopped by closing the channel, so a slow receiver can never
// back the broker up.

func (b *Broker) createChannel(conn *connEntry, m *amsg.CreateChannel) {
	ch := &channelEntry{
		cookie:  aids.NewChannelCookie(),
		creator: conn.id,
	}
	switch m.End.End {
	case amsg.ChannelEndSender:
		ch.sender = channelEndState{state: endClaimed, conn: conn.id}
	case amsg.ChannelEndReceiver:
		ch.receiver = channelEndState{state: endClaimed, conn: conn.id}
		ch.credit = m.End.Capacity
	}
	b.channels[ch.cookie] = ch
	conn.channels.Add(ch.cookie)
	b.stats.ChannelsCreated++

	b.send(conn, &amsg.CreateChannelReply{Serial: m.Serial, Cookie: ch.cookie})
}

func (b *Broker) claimChannelEnd(conn *connEntry, m *amsg.ClaimChannelEnd) {
	ch, ok := b.channels[m.Cookie]
	if !ok {
		b.send(conn, &amsg.ClaimChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndInvalidChannel})
		return
	}
	end := ch.end(m.End.End)
	if end.state != endUnclaimed {
		b.send(conn, &amsg.ClaimChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndAlreadyClaimed})
		return
	}
	if conn.id == ch.creator {
		// The creator cannot claim the end it left for a peer.
		b.send(conn, &amsg.ClaimChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndForeignChannel})
		return
	}

	end.state = endClaimed
	end.conn = conn.id
	if m.End.End == amsg.ChannelEndReceiver {
		ch.credit = m.End.Capacity
	}
	conn.channels.Add(ch.cookie)

	b.send(conn, &amsg.ClaimChannelEndReply{
		Serial:   m.Serial,
		Result:   amsg.ChannelEndOk,
		Capacity: ch.credit,
	})

	// The channel is established; tell the creator which end was claimed and,
	// for a receiver, its initial grant.
	claimed := amsg.ChannelEndWithCapacity{End: m.End.End}
	if m.End.End == amsg.ChannelEndReceiver {
		claimed.Capacity = m.End.Capacity
	}
	if creator, live := b.conns[ch.creator]; live {
		b.send(creator, &amsg.ChannelEndClaimed{Cookie: ch.cookie, End: claimed})
	}
}

func (b *Broker) closeChannelEnd(conn *connEntry, m *amsg.CloseChannelEnd) {
	ch, ok := b.channels[m.Cookie]
	if !ok {
		b.send(conn, &amsg.CloseChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndInvalidChannel})
		return
	}
	end := ch.end(m.End)
	switch end.state {
	case endClosed:
		b.send(conn, &amsg.CloseChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndInvalidChannel})
		return
	case endClaimed:
		if end.conn != conn.id {
			b.send(conn, &amsg.CloseChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndForeignChannel})
			return
		}
	case endUnclaimed:
		if ch.creator != conn.id {
			b.send(conn, &amsg.CloseChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndForeignChannel})
			return
		}
	}

	b.closeEnd(ch, m.End, conn.id)
	b.send(conn, &amsg.CloseChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndOk})
}

func (b *Broker) destroyChannelEnd(conn *connEntry, m *amsg.DestroyChannelEnd) {
	ch, ok := b.channels[m.Cookie]
	if !ok {
		b.send(conn, &amsg.DestroyChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndInvalidChannel})
		return
	}
	end := ch.end(m.End)
	if end.state == endClaimed {
		b.send(conn, &amsg.DestroyChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndAlreadyClaimed})
		return
	}
	if end.state == endClosed || ch.creator != conn.id {
		b.send(conn, &amsg.DestroyChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndForeignChannel})
		return
	}

	b.closeEnd(ch, m.End, conn.id)
	b.send(conn, &amsg.DestroyChannelEndReply{Serial: m.Serial, Result: amsg.ChannelEndOk})
}

// closeEnd marks one end closed, notifies the holder of the other end and
// destroys the channel once both ends are closed. by is the connection that
// initiated the close; it is not notified.
func (b *Broker) closeEnd(ch *channelEntry, e amsg.ChannelEnd, by ConnectionId) {
	end := ch.end(e)
	if end.state == endClosed {
		return
	}
	end.state = endClosed

	other := ch.end(e.Other())
	if other.state == endClaimed && other.conn != by {
		if holder, live := b.conns[other.conn]; live {
			b.send(holder, &amsg.ChannelEndClosed{Cookie: ch.cookie, End: e})
		}
	}
	if other.state == endUnclaimed {
		// Nobody can claim the remaining end of a half-dead channel.
		other.state = endClosed
	}

	if ch.bothClosed() {
		b.destroyChannel(ch)
	}
}

func (b *Broker) destroyChannel(ch *channelEntry) {
	delete(b.channels, ch.cookie)
	for _, id := range []ConnectionId{ch.creator, ch.sender.conn, ch.receiver.conn} {
		if conn, ok := b.conns[id]; ok {
			conn.channels.Remove(ch.cookie)
		}
	}
	b.stats.ChannelsDestroyed++
}

func (b *Broker) sendItem(conn *connEntry, m *amsg.SendItem) {
	ch, ok := b.channels[m.Cookie]
	if !ok {
		return
	}
	if ch.sender.state != endClaimed || ch.sender.conn != conn.id {
		return
	}

	switch ch.receiver.state {
	case endUnclaimed:
		// Items cannot queue in the broker; an eager sender loses the
		// channel.
		b.send(conn, &amsg.ChannelEndClosed{Cookie: ch.cookie, End: amsg.ChannelEndReceiver})
		ch.receiver.state = endClosed
		ch.sender.state = endClosed
		b.destroyChannel(ch)
		return
	case endClosed:
		// The sender was already notified.
		return
	}

	if ch.credit == 0 {
		// Credit overrun: fail-stop the sender instead of buffering.
		b.logger.WithField("channel", ch.cookie).Warn("send without credit, closing channel")
		b.closeChannelBothEnds(ch)
		return
	}
	ch.credit--

	if receiver, live := b.conns[ch.receiver.conn]; live {
		b.send(receiver, &amsg.ItemReceived{Cookie: ch.cookie, Value: m.Value})
		b.stats.ItemsForwarded++
	}
}

// closeChannelBothEnds force-closes a channel, notifying both claimed ends.
func (b *Broker) closeChannelBothEnds(ch *channelEntry) {
	for _, e := range []amsg.ChannelEnd{amsg.ChannelEndSender, amsg.ChannelEndReceiver} {
		end := ch.end(e)
		if end.state == endClaimed {
			if holder, live := b.conns[end.conn]; live {
				b.send(holder, &amsg.ChannelEndClosed{Cookie: ch.cookie, End: e.Other()})
			}
		}
		end.state = endClosed
	}
	b.destroyChannel(ch)
}

func (b *Broker) addChannelCapacity(conn *connEntry, m *amsg.AddChannelCapacity) {
	ch, ok := b.channels[m.Cookie]
	if !ok {
		// Adding capacity to a gone channel is not an error.
		return
	}
	if ch.receiver.state != endClaimed || ch.receiver.conn != conn.id {
		return
	}
	if m.Capacity == 0 {
		return
	}
	ch.credit += m.Capacity

	if ch.sender.state == endClaimed {
		if sender, live := b.conns[ch.sender.conn]; live {
			b.send(sender, &amsg.AddChannelCapacity{Cookie: ch.cookie, Capacity: m.Capacity})
		}
	}
}

// dropChannelParticipant closes whatever ends a dying connection held on ch,
// including unclaimed ends it created.
func (b *Broker) dropChannelParticipant(ch *channelEntry, id ConnectionId) {
	for _, e := range []amsg.ChannelEnd{amsg.ChannelEndSender, amsg.ChannelEndReceiver} {
		end := ch.end(e)
		holds := (end.state == endClaimed && end.conn == id) ||
			(end.state == endUnclaimed && ch.creator == id)
		if holds {
			b.closeEnd(ch, e, id)
			if _, live := b.channels[ch.cookie]; !live {
				return
			}
		}
	}
}
