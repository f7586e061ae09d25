package enet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Service sends queued commands, processes received datagrams and returns
// the next event. It waits up to timeout for a datagram when there is
// nothing to report, and returns an EventNone event when the wait ends
// without one.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Event{}, ErrHostClosed
	}

	if ev, ok := h.dispatchIncomingCommands(); ok {
		return ev, nil
	}

	h.serviceTime = h.now()
	deadline := h.serviceTime + millis(timeout)

	for {
		h.bandwidthThrottle()

		if err := h.sendOutgoingCommands(true); err != nil {
			return Event{}, err
		}
		if err := h.receiveIncomingCommands(); err != nil {
			return Event{}, err
		}
		if err := h.sendOutgoingCommands(true); err != nil {
			return Event{}, err
		}
		if ev, ok := h.dispatchIncomingCommands(); ok {
			return ev, nil
		}

		h.serviceTime = h.now()
		if timeGreaterEqual(h.serviceTime, deadline) {
			return Event{}, nil
		}

		wait := time.Duration(timeDifference(deadline, h.serviceTime)) * time.Millisecond
		h.mu.Unlock()
		n, addr, err := h.socket.Receive(h.receiveBuffer, wait)
		h.mu.Lock()
		if h.closed {
			return Event{}, ErrHostClosed
		}
		if err != nil {
			return Event{}, fmt.Errorf("receive: %w", err)
		}

		h.serviceTime = h.now()
		if n == 0 {
			return Event{}, nil
		}
		h.receivedDatagram(h.receiveBuffer[:n], addr)
	}
}

// CheckEvents returns an event that is already waiting, without touching
// the network. It reports EventNone when there is none.
func (h *Host) CheckEvents() (Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Event{}, ErrHostClosed
	}
	ev, _ := h.dispatchIncomingCommands()
	return ev, nil
}

// Flush sends every queued command that fits the congestion windows without
// receiving or dispatching anything.
func (h *Host) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	h.serviceTime = h.now()
	return h.sendOutgoingCommands(false)
}

// flush is Flush for callers that hold the lock. Failures are kept for
// Close to report.
func (h *Host) flush() {
	h.serviceTime = h.now()
	if err := h.sendOutgoingCommands(false); err != nil {
		h.sendErr = err
	}
}

func (h *Host) receiveIncomingCommands() error {
	for range maximumReceivesPerTick {
		n, addr, err := h.socket.Receive(h.receiveBuffer, 0)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if n == 0 {
			return nil
		}
		h.receivedDatagram(h.receiveBuffer[:n], addr)
	}
	return nil
}

func (h *Host) receivedDatagram(data []byte, addr net.Addr) {
	h.totals.ReceivedData += uint64(len(data))
	h.totals.ReceivedPackets++
	h.metrics.datagramReceived(len(data))
	h.handleDatagram(data, addr)
}

// dispatchIncomingCommands turns the first peer waiting in the dispatch
// queue into an event.
func (h *Host) dispatchIncomingCommands() (Event, bool) {
	for len(h.dispatchQueue) > 0 {
		p := h.dispatchQueue[0]
		h.dispatchQueue[0] = nil
		h.dispatchQueue = h.dispatchQueue[1:]
		p.needsDispatch = false

		switch p.state {
		case PeerStateConnectionPending, PeerStateConnectionSucceeded:
			p.changeState(PeerStateConnected)
			return h.event(Event{Type: EventConnect, Peer: p, Data: p.eventData}), true

		case PeerStateZombie:
			h.recalculateBandwidthLimits = true
			ev := Event{Type: EventDisconnect, Peer: p, Data: p.eventData, Timeout: p.timedOut}
			p.reset()
			return h.event(ev), true

		case PeerStateConnected:
			packet, channelID, ok := p.receive()
			if !ok {
				continue
			}
			if len(p.dispatchedCommands) > 0 {
				p.scheduleDispatch()
			}
			return h.event(Event{Type: EventReceive, Peer: p, ChannelID: channelID, Packet: packet}), true
		}
	}
	return Event{}, false
}

func (h *Host) event(ev Event) Event {
	h.metrics.event(ev.Type)
	h.log.Debug("event", "type", ev.Type, "peer", ev.Peer.incomingPeerID, "data", ev.Data, "timeout", ev.Timeout)
	return ev
}

// sendOutgoingCommands builds and sends datagrams for every peer until all
// queued commands are sent or held back by the congestion windows.
func (h *Host) sendOutgoingCommands(checkForTimeouts bool) error {
	h.continueSending = true
	for h.continueSending {
		h.continueSending = false

		for _, p := range h.peers {
			if p.state == PeerStateDisconnected || p.state == PeerStateZombie {
				continue
			}

			h.headerFlags = 0
			h.commandCount = 0
			h.packetSize = headerLength
			if h.checksum != nil {
				h.packetSize += checksumLength
			}
			h.body = h.body[:0]

			if len(p.acknowledgements) > 0 {
				h.sendAcknowledgements(p)
			}

			if checkForTimeouts && len(p.sentReliableCommands) > 0 &&
				timeGreaterEqual(h.serviceTime, p.nextTimeout) && p.checkTimeouts(h.serviceTime) {
				continue
			}

			if (len(p.outgoingReliableCommands) == 0 || h.sendReliableOutgoingCommands(p)) &&
				len(p.sentReliableCommands) == 0 &&
				timeDifference(h.serviceTime, p.lastReceiveTime) >= p.pingInterval &&
				int(p.mtu)-h.packetSize >= CommandSize(CommandPing) {
				if p.ping() == nil {
					h.sendReliableOutgoingCommands(p)
				}
			}

			if len(p.outgoingUnreliableCommands) > 0 {
				h.sendUnreliableOutgoingCommands(p)
			}

			if h.commandCount == 0 {
				continue
			}

			p.updatePacketLoss(h.serviceTime)
			if err := h.sendDatagram(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// updatePacketLoss folds the loss of the last interval into the running
// mean and variance.
func (p *Peer) updatePacketLoss(now uint32) {
	if p.packetLossEpoch == 0 {
		p.packetLossEpoch = now
		return
	}
	if timeDifference(now, p.packetLossEpoch) < PacketLossInterval || p.packetsSent == 0 {
		return
	}

	loss := p.packetsLost * PacketLossScale / p.packetsSent
	var diff uint32
	if loss > p.packetLoss {
		diff = loss - p.packetLoss
	} else {
		diff = p.packetLoss - loss
	}
	p.packetLossVariance = (p.packetLossVariance*3 + diff) / 4
	p.packetLoss = (p.packetLoss*7 + loss) / 8

	p.packetLossEpoch = now
	p.packetsSent = 0
	p.packetsLost = 0
}

// sendUnreliableOutgoingCommands moves unreliable commands into the
// datagram being built. The packet throttle drops a share of them.
func (h *Host) sendUnreliableOutgoingCommands(p *Peer) {
	q := p.outgoingUnreliableCommands
	i := 0
	for i < len(q) {
		oc := q[i]
		size := oc.size()
		if h.commandCount >= MaximumPacketCommands || int(p.mtu)-h.packetSize < size {
			h.continueSending = true
			break
		}
		i++

		if oc.packet != nil && oc.fragmentOffset == 0 {
			p.packetThrottleCounter = (p.packetThrottleCounter + PacketThrottleCounter) % PacketThrottleScale
			if p.packetThrottleCounter > p.packetThrottle {
				// Drop the rest of the packet's fragments along with it.
				if oc.command.Header().Command == CommandSendUnreliableFragment {
					for i < len(q) && q[i].reliableSequenceNumber == oc.reliableSequenceNumber &&
						q[i].unreliableSequenceNumber == oc.unreliableSequenceNumber {
						i++
					}
				}
				h.metrics.throttled()
				continue
			}
		}

		h.body = AppendCommand(h.body, oc.command)
		h.body = append(h.body, oc.payload()...)
		h.packetSize += size
		h.commandCount++
		if oc.packet != nil {
			p.sentUnreliableCommands = append(p.sentUnreliableCommands, oc)
		}
	}

	clear(q[:i])
	p.outgoingUnreliableCommands = q[i:]
	if len(p.outgoingUnreliableCommands) == 0 {
		p.outgoingUnreliableCommands = nil
	}

	if p.state == PeerStateDisconnectLater && p.queuesDrained() {
		p.disconnect(p.eventData)
	}
}

// queuesDrained reports whether everything queued for the peer has been
// sent and acknowledged.
func (p *Peer) queuesDrained() bool {
	return len(p.outgoingReliableCommands) == 0 &&
		len(p.outgoingUnreliableCommands) == 0 &&
		len(p.sentReliableCommands) == 0
}

// sendDatagram frames the commands built for p and writes the datagram.
func (h *Host) sendDatagram(p *Peer) error {
	header := ProtocolHeader{PeerID: p.outgoingPeerID, Flags: h.headerFlags}
	if header.Flags&HeaderFlagSentTime != 0 {
		header.SentTime = uint16(h.serviceTime)
	}
	if p.outgoingPeerID < MaximumPeerID {
		header.SessionID = p.outgoingSessionID
	}

	body := h.body
	if h.compressor != nil {
		compressed := h.compressor.Compress(h.compressBuffer[:0], h.body)
		h.compressBuffer = compressed[:0]
		if len(compressed) > 0 && len(compressed) < len(h.body) {
			header.Flags |= HeaderFlagCompressed
			body = compressed
		}
	}

	buf := header.AppendTo(h.datagram[:0])
	if h.checksum != nil {
		var seed uint32
		if p.outgoingPeerID < MaximumPeerID {
			seed = p.connectID
		}
		sum := append(h.checksumBuffer[:0], buf...)
		sum = binary.BigEndian.AppendUint32(sum, seed)
		sum = append(sum, h.body...)
		h.checksumBuffer = sum[:0]
		buf = binary.BigEndian.AppendUint32(buf, h.checksum(sum))
	}
	buf = append(buf, body...)
	h.datagram = buf[:0]

	p.lastSendTime = h.serviceTime
	n, err := h.socket.Send(p.address, buf)
	p.sentUnreliableCommands = nil
	if err != nil {
		if errors.Is(err, ErrWouldBlock) {
			h.log.Debug("send would block", "peer", p.incomingPeerID, "addr", p.address)
			return nil
		}
		return fmt.Errorf("send to %s: %w", p.address, err)
	}

	h.totals.SentData += uint64(n)
	h.totals.SentPackets++
	h.metrics.datagramSent(n)
	return nil
}
