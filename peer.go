package enet

import (
	"net"
	"time"
)

// Peer is one remote endpoint of a Host. Peers are owned by their Host and
// recycled after they return to PeerStateDisconnected.
type Peer struct {
	host *Host

	outgoingPeerID    uint16
	incomingPeerID    uint16
	connectID         uint32
	outgoingSessionID uint8
	incomingSessionID uint8
	address           net.Addr
	state             PeerState
	channels          []*channel

	incomingBandwidth              uint32
	outgoingBandwidth              uint32
	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidthThrottleEpoch uint32
	incomingDataTotal              uint32
	outgoingDataTotal              uint32

	lastSendTime    uint32
	lastReceiveTime uint32
	nextTimeout     uint32
	earliestTimeout uint32

	packetLossEpoch    uint32
	packetsSent        uint32
	packetsLost        uint32
	packetLoss         uint32
	packetLossVariance uint32

	packetThrottle             uint32
	packetThrottleLimit        uint32
	packetThrottleCounter      uint32
	packetThrottleEpoch        uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	packetThrottleInterval     uint32

	pingInterval   uint32
	timeoutLimit   uint32
	timeoutMinimum uint32
	timeoutMaximum uint32

	lastRoundTripTime            uint32
	lowestRoundTripTime          uint32
	lastRoundTripTimeVariance    uint32
	highestRoundTripTimeVariance uint32
	roundTripTime                uint32
	roundTripTimeVariance        uint32

	mtu                            uint32
	windowSize                     uint32
	reliableDataInTransit          uint32
	outgoingReliableSequenceNumber uint16

	acknowledgements           []acknowledgement
	sentReliableCommands       []*outgoingCommand
	sentUnreliableCommands     []*outgoingCommand
	outgoingReliableCommands   []*outgoingCommand
	outgoingUnreliableCommands []*outgoingCommand
	dispatchedCommands         []*incomingCommand
	needsDispatch              bool

	incomingUnsequencedGroup uint16
	outgoingUnsequencedGroup uint16
	unsequencedWindow        [unsequencedWindowSize / 32]uint32

	eventData        uint32
	timedOut         bool
	totalWaitingData int
}

func newPeer(h *Host, id uint16) *Peer {
	p := &Peer{
		host:              h,
		incomingPeerID:    id,
		outgoingSessionID: 0xFF,
		incomingSessionID: 0xFF,
	}
	p.reset()
	return p
}

// ID returns the local peer ID, the peer's index in the host's peer table.
func (p *Peer) ID() uint16 { return p.incomingPeerID }

// State returns the connection state.
func (p *Peer) State() PeerState {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.state
}

// Address returns the remote address.
func (p *Peer) Address() net.Addr {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.address
}

// ConnectID returns the identifier shared by both ends of the connection.
func (p *Peer) ConnectID() uint32 {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.connectID
}

// RoundTripTime returns the smoothed round trip time.
func (p *Peer) RoundTripTime() time.Duration {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return time.Duration(p.roundTripTime) * time.Millisecond
}

// PacketLoss returns the mean packet loss scaled by PacketLossScale.
func (p *Peer) PacketLoss() uint32 {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.packetLoss
}

// PacketThrottle returns the current throttle out of PacketThrottleScale.
func (p *Peer) PacketThrottle() uint32 {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.packetThrottle
}

// MTU returns the negotiated MTU.
func (p *Peer) MTU() int {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return int(p.mtu)
}

// ChannelCount returns the number of channels negotiated for the connection.
func (p *Peer) ChannelCount() int {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return len(p.channels)
}

// Send queues a packet on a channel. Packets are transmitted by the next
// Host.Service or Host.Flush.
func (p *Peer) Send(channelID uint8, packet *Packet) error {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.send(channelID, packet)
}

// fragmentLength is the largest payload that fits in one datagram together
// with a fragment command.
func (p *Peer) fragmentLength() int {
	n := int(p.mtu) - headerLength - CommandSize(CommandSendFragment)
	if p.host.checksum != nil {
		n -= checksumLength
	}
	return n
}

func (p *Peer) send(channelID uint8, packet *Packet) error {
	if p.state != PeerStateConnected {
		return ErrNotConnected
	}
	if int(channelID) >= len(p.channels) {
		return ErrInvalidChannel
	}
	length := packet.Len()
	if length > p.host.maximumPacketSize {
		return ErrPacketTooLarge
	}

	ch := p.channels[channelID]
	fragmentLength := p.fragmentLength()
	if length > fragmentLength {
		fragmentCount := (length + fragmentLength - 1) / fragmentLength
		if fragmentCount > MaximumFragmentCount {
			return ErrPacketTooLarge
		}

		var (
			command  = CommandSendFragment
			flags    = CommandFlagAcknowledge
			startSeq = ch.outgoingReliableSequenceNumber + 1
		)
		if packet.Flags&(PacketFlagReliable|PacketFlagUnreliableFragment) == PacketFlagUnreliableFragment &&
			ch.outgoingUnreliableSequenceNumber < 0xFFFF {
			command, flags = CommandSendUnreliableFragment, 0
			startSeq = ch.outgoingUnreliableSequenceNumber + 1
		}

		for n, offset := 0, 0; offset < length; n, offset = n+1, offset+fragmentLength {
			size := min(fragmentLength, length-offset)
			p.setupOutgoingCommand(&outgoingCommand{
				command: &SendFragment{
					CommandHeader:       CommandHeader{Command: command, Flags: flags, ChannelID: channelID},
					StartSequenceNumber: startSeq,
					DataLength:          uint16(size),
					FragmentCount:       uint32(fragmentCount),
					FragmentNumber:      uint32(n),
					TotalLength:         uint32(length),
					FragmentOffset:      uint32(offset),
				},
				fragmentOffset: uint32(offset),
				fragmentLength: uint16(size),
				packet:         packet,
			})
		}
		return nil
	}

	var c Command
	switch {
	case packet.Flags&(PacketFlagReliable|PacketFlagUnsequenced) == PacketFlagUnsequenced:
		c = &SendUnsequenced{CommandHeader: CommandHeader{
			Command: CommandSendUnsequenced, Flags: CommandFlagUnsequenced, ChannelID: channelID,
		}}
	case packet.Flags&PacketFlagReliable != 0 || ch.outgoingUnreliableSequenceNumber >= 0xFFFF:
		c = &SendReliable{CommandHeader: CommandHeader{
			Command: CommandSendReliable, Flags: CommandFlagAcknowledge, ChannelID: channelID,
		}}
	default:
		c = &SendUnreliable{CommandHeader: CommandHeader{
			Command: CommandSendUnreliable, ChannelID: channelID,
		}}
	}
	p.queueOutgoingCommand(c, packet, 0, uint16(length))
	return nil
}

// queueOutgoingCommand wraps c in a queue entry and sequences it.
func (p *Peer) queueOutgoingCommand(c Command, packet *Packet, offset uint32, length uint16) *outgoingCommand {
	setPayloadLength(c, length)
	oc := &outgoingCommand{
		command:        c,
		fragmentOffset: offset,
		fragmentLength: length,
		packet:         packet,
	}
	p.setupOutgoingCommand(oc)
	return oc
}

// setupOutgoingCommand assigns sequence numbers and routes the command to
// the reliable or unreliable outgoing queue.
func (p *Peer) setupOutgoingCommand(oc *outgoingCommand) {
	h := oc.command.Header()
	p.outgoingDataTotal += uint32(oc.size())

	switch {
	case h.ChannelID == hostChannelID:
		p.outgoingReliableSequenceNumber++
		oc.reliableSequenceNumber = p.outgoingReliableSequenceNumber
		oc.unreliableSequenceNumber = 0
	case h.Flags&CommandFlagAcknowledge != 0:
		ch := p.channels[h.ChannelID]
		ch.outgoingReliableSequenceNumber++
		ch.outgoingUnreliableSequenceNumber = 0
		oc.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
		oc.unreliableSequenceNumber = 0
	case h.Flags&CommandFlagUnsequenced != 0:
		p.outgoingUnsequencedGroup++
		oc.reliableSequenceNumber = 0
		oc.unreliableSequenceNumber = 0
	default:
		ch := p.channels[h.ChannelID]
		if oc.fragmentOffset == 0 {
			ch.outgoingUnreliableSequenceNumber++
		}
		oc.reliableSequenceNumber = ch.outgoingReliableSequenceNumber
		oc.unreliableSequenceNumber = ch.outgoingUnreliableSequenceNumber
	}

	oc.sendAttempts = 0
	oc.sentTime = 0
	oc.roundTripTimeout = 0
	oc.roundTripTimeoutLimit = 0
	h.ReliableSequenceNumber = oc.reliableSequenceNumber

	switch c := oc.command.(type) {
	case *SendUnreliable:
		c.UnreliableSequenceNumber = oc.unreliableSequenceNumber
	case *SendUnsequenced:
		c.UnsequencedGroup = p.outgoingUnsequencedGroup
	}

	if h.Flags&CommandFlagAcknowledge != 0 {
		p.outgoingReliableCommands = append(p.outgoingReliableCommands, oc)
	} else {
		p.outgoingUnreliableCommands = append(p.outgoingUnreliableCommands, oc)
	}
}

// Receive pops the next packet delivered to the application. It returns
// false when nothing is waiting.
func (p *Peer) Receive() (*Packet, uint8, bool) {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.receive()
}

func (p *Peer) receive() (*Packet, uint8, bool) {
	if len(p.dispatchedCommands) == 0 {
		return nil, 0, false
	}
	ic := p.dispatchedCommands[0]
	p.dispatchedCommands[0] = nil
	p.dispatchedCommands = p.dispatchedCommands[1:]
	p.totalWaitingData -= ic.packet.Len()
	return ic.packet, ic.channelID(), true
}

// Ping queues a ping. Pings are also sent automatically when the connection
// is idle.
func (p *Peer) Ping() error {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	return p.ping()
}

func (p *Peer) ping() error {
	if p.state != PeerStateConnected {
		return ErrNotConnected
	}
	p.queueOutgoingCommand(&Ping{CommandHeader: CommandHeader{
		Command: CommandPing, Flags: CommandFlagAcknowledge, ChannelID: hostChannelID,
	}}, nil, 0, 0)
	return nil
}

// SetPingInterval sets how long a connection may be idle before a ping is
// sent. Zero restores the configured default.
func (p *Peer) SetPingInterval(interval time.Duration) {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	p.pingInterval = millis(interval)
	if p.pingInterval == 0 {
		p.pingInterval = millis(p.host.config.PingInterval)
	}
}

// SetTimeout sets the retransmission limits after which the peer is
// disconnected. Zero values restore the configured defaults.
func (p *Peer) SetTimeout(limit uint32, minimum, maximum time.Duration) {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	cfg := &p.host.config
	p.timeoutLimit = limit
	if p.timeoutLimit == 0 {
		p.timeoutLimit = cfg.TimeoutLimit
	}
	p.timeoutMinimum = millis(minimum)
	if p.timeoutMinimum == 0 {
		p.timeoutMinimum = millis(cfg.TimeoutMinimum)
	}
	p.timeoutMaximum = millis(maximum)
	if p.timeoutMaximum == 0 {
		p.timeoutMaximum = millis(cfg.TimeoutMaximum)
	}
}

// ThrottleConfigure changes the packet throttle parameters and tells the
// remote end to use the same ones.
func (p *Peer) ThrottleConfigure(interval time.Duration, acceleration, deceleration uint32) error {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	if !p.state.connected() {
		return ErrNotConnected
	}

	p.packetThrottleInterval = millis(interval)
	p.packetThrottleAcceleration = acceleration
	p.packetThrottleDeceleration = deceleration
	p.queueOutgoingCommand(&ThrottleConfigure{
		CommandHeader:              CommandHeader{Command: CommandThrottleConfigure, Flags: CommandFlagAcknowledge, ChannelID: hostChannelID},
		PacketThrottleInterval:     p.packetThrottleInterval,
		PacketThrottleAcceleration: acceleration,
		PacketThrottleDeceleration: deceleration,
	}, nil, 0, 0)
	return nil
}

// Disconnect requests a graceful disconnect. An EventDisconnect follows once
// the remote end acknowledges it or the request times out.
func (p *Peer) Disconnect(data uint32) {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	p.disconnect(data)
}

func (p *Peer) disconnect(data uint32) {
	switch p.state {
	case PeerStateDisconnecting, PeerStateDisconnected, PeerStateAcknowledgingDisconnect, PeerStateZombie:
		return
	}

	p.resetQueues()
	c := &Disconnect{CommandHeader: CommandHeader{Command: CommandDisconnect, ChannelID: hostChannelID}, Data: data}
	if p.state.connected() {
		c.Flags = CommandFlagAcknowledge
	} else {
		c.Flags = CommandFlagUnsequenced
	}
	p.queueOutgoingCommand(c, nil, 0, 0)

	if p.state.connected() {
		p.onDisconnect()
		p.state = PeerStateDisconnecting
		return
	}
	p.host.flush()
	p.reset()
}

// DisconnectLater disconnects once every queued packet has been sent and
// acknowledged. Incoming packets are dropped in the meantime.
func (p *Peer) DisconnectLater(data uint32) {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()

	if p.state.connected() && (len(p.outgoingReliableCommands) > 0 ||
		len(p.outgoingUnreliableCommands) > 0 || len(p.sentReliableCommands) > 0) {
		p.state = PeerStateDisconnectLater
		p.eventData = data
		return
	}
	p.disconnect(data)
}

// DisconnectNow notifies the remote end without waiting for an
// acknowledgement and resets the peer immediately. No event is generated.
func (p *Peer) DisconnectNow(data uint32) {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	p.disconnectNow(data)
}

func (p *Peer) disconnectNow(data uint32) {
	if p.state == PeerStateDisconnected {
		return
	}
	if p.state != PeerStateZombie && p.state != PeerStateDisconnecting {
		p.resetQueues()
		p.queueOutgoingCommand(&Disconnect{
			CommandHeader: CommandHeader{Command: CommandDisconnect, Flags: CommandFlagUnsequenced, ChannelID: hostChannelID},
			Data:          data,
		}, nil, 0, 0)
		p.host.flush()
	}
	p.reset()
}

// Reset drops the connection without notifying the remote end.
func (p *Peer) Reset() {
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	p.reset()
}

// onConnect and onDisconnect keep the host's connected peer counts in step
// with state changes into and out of the connected states.
func (p *Peer) onConnect() {
	if p.state.connected() {
		return
	}
	if p.incomingBandwidth != 0 {
		p.host.bandwidthLimitedPeers++
	}
	p.host.connectedPeers++
	p.host.metrics.setConnectedPeers(p.host.connectedPeers)
}

func (p *Peer) onDisconnect() {
	if !p.state.connected() {
		return
	}
	if p.incomingBandwidth != 0 {
		p.host.bandwidthLimitedPeers--
	}
	p.host.connectedPeers--
	p.host.metrics.setConnectedPeers(p.host.connectedPeers)
}

// changeState moves the peer to state, updating host accounting.
func (p *Peer) changeState(state PeerState) {
	if state.connected() {
		p.onConnect()
	} else {
		p.onDisconnect()
	}
	p.state = state
}

// dispatchState changes state and schedules the peer for event dispatch.
func (p *Peer) dispatchState(state PeerState) {
	p.changeState(state)
	p.scheduleDispatch()
}

func (p *Peer) scheduleDispatch() {
	if !p.needsDispatch {
		p.needsDispatch = true
		p.host.dispatchQueue = append(p.host.dispatchQueue, p)
	}
}

func (p *Peer) resetQueues() {
	if p.needsDispatch {
		p.host.removeFromDispatchQueue(p)
		p.needsDispatch = false
	}
	p.acknowledgements = nil
	p.sentReliableCommands = nil
	p.sentUnreliableCommands = nil
	p.outgoingReliableCommands = nil
	p.outgoingUnreliableCommands = nil
	p.dispatchedCommands = nil
	p.channels = nil
}

// reset returns the peer to the disconnected state with default parameters.
// The session IDs survive so the next connection on this slot uses fresh
// ones.
func (p *Peer) reset() {
	p.onDisconnect()

	cfg := &p.host.config
	p.outgoingPeerID = MaximumPeerID
	p.connectID = 0
	p.state = PeerStateDisconnected

	p.incomingBandwidth = 0
	p.outgoingBandwidth = 0
	p.incomingBandwidthThrottleEpoch = 0
	p.outgoingBandwidthThrottleEpoch = 0
	p.incomingDataTotal = 0
	p.outgoingDataTotal = 0
	p.lastSendTime = 0
	p.lastReceiveTime = 0
	p.nextTimeout = 0
	p.earliestTimeout = 0
	p.packetLossEpoch = 0
	p.packetsSent = 0
	p.packetsLost = 0
	p.packetLoss = 0
	p.packetLossVariance = 0

	p.packetThrottle = DefaultPacketThrottle
	p.packetThrottleLimit = PacketThrottleScale
	p.packetThrottleCounter = 0
	p.packetThrottleEpoch = 0
	p.packetThrottleAcceleration = cfg.PacketThrottleAcceleration
	p.packetThrottleDeceleration = cfg.PacketThrottleDeceleration
	p.packetThrottleInterval = millis(cfg.PacketThrottleInterval)
	p.pingInterval = millis(cfg.PingInterval)
	p.timeoutLimit = cfg.TimeoutLimit
	p.timeoutMinimum = millis(cfg.TimeoutMinimum)
	p.timeoutMaximum = millis(cfg.TimeoutMaximum)

	rtt := millis(cfg.RoundTripTime)
	p.lastRoundTripTime = rtt
	p.lowestRoundTripTime = rtt
	p.lastRoundTripTimeVariance = 0
	p.highestRoundTripTimeVariance = 0
	p.roundTripTime = rtt
	p.roundTripTimeVariance = 0

	p.mtu = p.host.mtu
	p.reliableDataInTransit = 0
	p.outgoingReliableSequenceNumber = 0
	p.windowSize = MaximumWindowSize
	p.incomingUnsequencedGroup = 0
	p.outgoingUnsequencedGroup = 0
	p.eventData = 0
	p.timedOut = false
	p.totalWaitingData = 0
	p.unsequencedWindow = [unsequencedWindowSize / 32]uint32{}

	p.resetQueues()
}
