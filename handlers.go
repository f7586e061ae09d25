package enet

import (
	"encoding/binary"
	"errors"
	"net"
)

// handleDatagram validates one received datagram and applies its commands.
// A datagram that fails to decode is dropped before any state changes.
func (h *Host) handleDatagram(data []byte, addr net.Addr) {
	var header ProtocolHeader
	if err := header.Unmarshal(data); err != nil {
		h.dropDatagram(addr, protocolErrorf(CommandNone, "%v", err))
		return
	}
	headerSize := header.Len()
	if h.checksum != nil {
		headerSize += checksumLength
	}
	if len(data) < headerSize {
		h.dropDatagram(addr, protocolErrorf(CommandNone, "truncated checksum"))
		return
	}

	var peer *Peer
	if header.PeerID != MaximumPeerID {
		if int(header.PeerID) >= len(h.peers) {
			h.log.Debug("datagram for unknown peer", "from", addr, "peer", header.PeerID)
			return
		}
		peer = h.peers[header.PeerID]
		if peer.state == PeerStateDisconnected || peer.state == PeerStateZombie ||
			!sameAddr(addr, peer.address) ||
			(peer.outgoingPeerID < MaximumPeerID && header.SessionID != peer.incomingSessionID) {
			return
		}
	}

	body := data[headerSize:]
	if header.Flags&HeaderFlagCompressed != 0 {
		if h.compressor == nil {
			h.dropDatagram(addr, protocolErrorf(CommandNone, "compressed datagram without compressor"))
			return
		}
		var err error
		body, err = h.compressor.Decompress(h.decompressBuffer[:0], body, MaximumMTU)
		if err != nil {
			h.dropDatagram(addr, protocolErrorf(CommandNone, "decompress: %v", err))
			return
		}
		h.decompressBuffer = body[:0]
	}

	if h.checksum != nil {
		var seed uint32
		if peer != nil {
			seed = peer.connectID
		}
		buf := append(h.checksumBuffer[:0], data[:headerSize-checksumLength]...)
		buf = binary.BigEndian.AppendUint32(buf, seed)
		buf = append(buf, body...)
		h.checksumBuffer = buf[:0]
		if h.checksum(buf) != binary.BigEndian.Uint32(data[headerSize-checksumLength:headerSize]) {
			h.dropDatagram(addr, protocolErrorf(CommandNone, "checksum mismatch"))
			return
		}
	}

	commands, err := decodeCommands(body)
	if err != nil {
		h.dropDatagram(addr, err)
		return
	}

	if peer != nil {
		peer.address = addr
		peer.incomingDataTotal += uint32(len(data))
	}

	for _, wc := range commands {
		hdr := wc.command.Header()
		if peer == nil && hdr.Command != CommandConnect {
			break
		}

		if err := h.handleCommand(&peer, &header, wc, addr); err != nil {
			h.commandFailed(addr, hdr.Command, err)
			break
		}

		if peer == nil || hdr.Flags&CommandFlagAcknowledge == 0 {
			continue
		}
		if header.Flags&HeaderFlagSentTime == 0 {
			break
		}
		switch peer.state {
		case PeerStateDisconnecting, PeerStateAcknowledgingConnect, PeerStateDisconnected, PeerStateZombie:
		case PeerStateAcknowledgingDisconnect:
			if hdr.Command == CommandDisconnect {
				peer.queueAcknowledgement(hdr, header.SentTime)
			}
		default:
			peer.queueAcknowledgement(hdr, header.SentTime)
		}
	}
}

func (h *Host) handleCommand(peer **Peer, header *ProtocolHeader, wc wireCommand, addr net.Addr) error {
	switch c := wc.command.(type) {
	case *Acknowledge:
		return h.handleAcknowledge(*peer, c)
	case *Connect:
		if *peer != nil {
			return protocolErrorf(CommandConnect, "connect addressed to peer %d", header.PeerID)
		}
		p, err := h.handleConnect(c, addr)
		*peer = p
		return err
	case *VerifyConnect:
		return h.handleVerifyConnect(*peer, c)
	case *Disconnect:
		h.handleDisconnect(*peer, c)
		return nil
	case *Ping:
		if !(*peer).state.connected() {
			return protocolErrorf(CommandPing, "ping from peer in state %s", (*peer).state)
		}
		return nil
	case *SendReliable:
		return h.handleSendReliable(*peer, c, wc.payload)
	case *SendUnreliable:
		return h.handleSendUnreliable(*peer, c, wc.payload)
	case *SendUnsequenced:
		return h.handleSendUnsequenced(*peer, c, wc.payload)
	case *SendFragment:
		if c.Command == CommandSendUnreliableFragment {
			return h.handleSendUnreliableFragment(*peer, c, wc.payload)
		}
		return h.handleSendFragment(*peer, c, wc.payload)
	case *BandwidthLimit:
		return h.handleBandwidthLimit(*peer, c)
	case *ThrottleConfigure:
		return h.handleThrottleConfigure(*peer, c)
	}
	return protocolErrorf(wc.command.Header().Command, "unexpected command")
}

func (h *Host) dropDatagram(addr net.Addr, err error) {
	var pe *ProtocolError
	cmd := CommandNone
	if errors.As(err, &pe) {
		cmd = pe.Command
	}
	h.metrics.protocolError(cmd)
	h.log.Debug("datagram dropped", "from", addr, "err", err)
}

func (h *Host) commandFailed(addr net.Addr, cmd CommandType, err error) {
	h.metrics.protocolError(cmd)
	h.log.Debug("command rejected", "from", addr, "command", cmd, "err", err)
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	if ua, ok := a.(*net.UDPAddr); ok {
		if ub, ok := b.(*net.UDPAddr); ok {
			return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
		}
	}
	return a.Network() == b.Network() && a.String() == b.String()
}

func clampMTU(mtu uint32) uint32 {
	return min(max(mtu, MinimumMTU), MaximumMTU)
}

func clampWindowSize(size uint32) uint32 {
	return min(max(size, MinimumWindowSize), MaximumWindowSize)
}

// nextSessionID picks the session ID following id, skipping avoid.
func nextSessionID(id, avoid uint8) uint8 {
	const mask = uint8(headerSessionMask >> headerSessionShift)
	id = (id + 1) & mask
	if id == avoid {
		id = (id + 1) & mask
	}
	return id
}

func (h *Host) handleConnect(c *Connect, addr net.Addr) (*Peer, error) {
	channelCount := c.ChannelCount
	if channelCount < MinimumChannelCount || channelCount > MaximumChannelCount {
		return nil, protocolErrorf(CommandConnect, "channel count %d out of range", channelCount)
	}

	var peer *Peer
	for _, p := range h.peers {
		if p.state == PeerStateDisconnected {
			if peer == nil {
				peer = p
			}
		} else if p.state != PeerStateConnecting && sameAddr(p.address, addr) && p.connectID == c.ConnectID {
			// Retransmitted connect for a connection already set up.
			return nil, nil
		}
	}
	if peer == nil {
		return nil, protocolErrorf(CommandConnect, "no free peer slot")
	}

	channelCount = min(channelCount, uint32(h.channelLimit))
	peer.channels = newChannels(int(channelCount))
	peer.state = PeerStateAcknowledgingConnect
	peer.connectID = c.ConnectID
	peer.address = addr
	peer.mtu = h.mtu
	peer.outgoingPeerID = c.OutgoingPeerID
	peer.incomingBandwidth = c.IncomingBandwidth
	peer.outgoingBandwidth = c.OutgoingBandwidth
	peer.packetThrottleInterval = c.PacketThrottleInterval
	peer.packetThrottleAcceleration = c.PacketThrottleAcceleration
	peer.packetThrottleDeceleration = c.PacketThrottleDeceleration
	peer.eventData = c.Data

	incomingSessionID := c.IncomingSessionID
	if incomingSessionID == 0xFF {
		incomingSessionID = peer.outgoingSessionID
	}
	incomingSessionID = nextSessionID(incomingSessionID, peer.outgoingSessionID)
	peer.outgoingSessionID = incomingSessionID

	outgoingSessionID := c.OutgoingSessionID
	if outgoingSessionID == 0xFF {
		outgoingSessionID = peer.incomingSessionID
	}
	outgoingSessionID = nextSessionID(outgoingSessionID, peer.incomingSessionID)
	peer.incomingSessionID = outgoingSessionID

	if mtu := clampMTU(c.MTU); mtu < peer.mtu {
		peer.mtu = mtu
	}

	switch {
	case h.outgoingBandwidth == 0 && peer.incomingBandwidth == 0:
		peer.windowSize = MaximumWindowSize
	case h.outgoingBandwidth == 0 || peer.incomingBandwidth == 0:
		peer.windowSize = (max(h.outgoingBandwidth, peer.incomingBandwidth) / WindowSizeScale) * MaximumWindowSize
	default:
		peer.windowSize = (min(h.outgoingBandwidth, peer.incomingBandwidth) / WindowSizeScale) * MaximumWindowSize
	}
	peer.windowSize = clampWindowSize(peer.windowSize)

	windowSize := uint32(MaximumWindowSize)
	if h.incomingBandwidth != 0 {
		windowSize = (h.incomingBandwidth / WindowSizeScale) * MaximumWindowSize
	}
	windowSize = clampWindowSize(min(windowSize, c.WindowSize))

	peer.queueOutgoingCommand(&VerifyConnect{
		CommandHeader: CommandHeader{Command: CommandVerifyConnect, Flags: CommandFlagAcknowledge, ChannelID: hostChannelID},
		ConnectParams: ConnectParams{
			OutgoingPeerID:             peer.incomingPeerID,
			IncomingSessionID:          incomingSessionID,
			OutgoingSessionID:          outgoingSessionID,
			MTU:                        peer.mtu,
			WindowSize:                 windowSize,
			ChannelCount:               channelCount,
			IncomingBandwidth:          h.incomingBandwidth,
			OutgoingBandwidth:          h.outgoingBandwidth,
			PacketThrottleInterval:     peer.packetThrottleInterval,
			PacketThrottleAcceleration: peer.packetThrottleAcceleration,
			PacketThrottleDeceleration: peer.packetThrottleDeceleration,
			ConnectID:                  peer.connectID,
		},
	}, nil, 0, 0)

	h.log.Debug("connect received", "peer", peer.incomingPeerID, "from", addr, "channels", channelCount)
	return peer, nil
}

func (h *Host) handleVerifyConnect(peer *Peer, c *VerifyConnect) error {
	if peer.state != PeerStateConnecting {
		return nil
	}

	if c.ChannelCount < MinimumChannelCount || c.ChannelCount > MaximumChannelCount ||
		c.PacketThrottleInterval != peer.packetThrottleInterval ||
		c.PacketThrottleAcceleration != peer.packetThrottleAcceleration ||
		c.PacketThrottleDeceleration != peer.packetThrottleDeceleration ||
		c.ConnectID != peer.connectID {
		peer.eventData = 0
		peer.dispatchState(PeerStateZombie)
		return protocolErrorf(CommandVerifyConnect, "connection parameters do not match")
	}

	peer.removeSentReliableCommand(1, hostChannelID)

	if int(c.ChannelCount) < len(peer.channels) {
		peer.channels = peer.channels[:c.ChannelCount]
	}
	peer.outgoingPeerID = c.OutgoingPeerID
	peer.incomingSessionID = c.IncomingSessionID
	peer.outgoingSessionID = c.OutgoingSessionID

	if mtu := clampMTU(c.MTU); mtu < peer.mtu {
		peer.mtu = mtu
	}
	if windowSize := clampWindowSize(c.WindowSize); windowSize < peer.windowSize {
		peer.windowSize = windowSize
	}
	peer.incomingBandwidth = c.IncomingBandwidth
	peer.outgoingBandwidth = c.OutgoingBandwidth

	h.notifyConnect(peer)
	return nil
}

func (h *Host) handleDisconnect(peer *Peer, c *Disconnect) {
	switch peer.state {
	case PeerStateDisconnected, PeerStateZombie, PeerStateAcknowledgingDisconnect:
		return
	}

	peer.resetQueues()
	switch {
	case peer.state == PeerStateConnectionSucceeded || peer.state == PeerStateDisconnecting || peer.state == PeerStateConnecting:
		peer.dispatchState(PeerStateZombie)
	case !peer.state.connected():
		if peer.state == PeerStateConnectionPending {
			h.recalculateBandwidthLimits = true
		}
		peer.reset()
	case c.Flags&CommandFlagAcknowledge != 0:
		peer.changeState(PeerStateAcknowledgingDisconnect)
	default:
		peer.dispatchState(PeerStateZombie)
	}

	if peer.state != PeerStateDisconnected {
		peer.eventData = c.Data
	}
}

func (h *Host) handleBandwidthLimit(peer *Peer, c *BandwidthLimit) error {
	if !peer.state.connected() {
		return protocolErrorf(CommandBandwidthLimit, "peer in state %s", peer.state)
	}

	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers--
	}
	peer.incomingBandwidth = c.IncomingBandwidth
	peer.outgoingBandwidth = c.OutgoingBandwidth
	if peer.incomingBandwidth != 0 {
		h.bandwidthLimitedPeers++
	}

	switch {
	case peer.incomingBandwidth == 0 && h.outgoingBandwidth == 0:
		peer.windowSize = MaximumWindowSize
	case peer.incomingBandwidth == 0 || h.outgoingBandwidth == 0:
		peer.windowSize = (max(peer.incomingBandwidth, h.outgoingBandwidth) / WindowSizeScale) * MaximumWindowSize
	default:
		peer.windowSize = (min(peer.incomingBandwidth, h.outgoingBandwidth) / WindowSizeScale) * MaximumWindowSize
	}
	peer.windowSize = clampWindowSize(peer.windowSize)
	return nil
}

func (h *Host) handleThrottleConfigure(peer *Peer, c *ThrottleConfigure) error {
	if !peer.state.connected() {
		return protocolErrorf(CommandThrottleConfigure, "peer in state %s", peer.state)
	}
	peer.packetThrottleInterval = c.PacketThrottleInterval
	peer.packetThrottleAcceleration = c.PacketThrottleAcceleration
	peer.packetThrottleDeceleration = c.PacketThrottleDeceleration
	return nil
}

// checkSend validates the common preconditions of the send commands.
func (h *Host) checkSend(peer *Peer, hdr *CommandHeader, length int) error {
	if int(hdr.ChannelID) >= len(peer.channels) || !peer.state.connected() {
		return protocolErrorf(hdr.Command, "channel %d not open", hdr.ChannelID)
	}
	if length > h.maximumPacketSize {
		return protocolErrorf(hdr.Command, "payload of %d bytes exceeds limit", length)
	}
	return nil
}

func (h *Host) handleSendReliable(peer *Peer, c *SendReliable, payload []byte) error {
	if err := h.checkSend(peer, &c.CommandHeader, len(payload)); err != nil {
		return err
	}
	_, err := peer.queueIncomingCommand(c, 0, payload, len(payload), PacketFlagReliable, 0)
	return err
}

func (h *Host) handleSendUnreliable(peer *Peer, c *SendUnreliable, payload []byte) error {
	if err := h.checkSend(peer, &c.CommandHeader, len(payload)); err != nil {
		return err
	}
	_, err := peer.queueIncomingCommand(c, c.UnreliableSequenceNumber, payload, len(payload), 0, 0)
	return err
}

func (h *Host) handleSendUnsequenced(peer *Peer, c *SendUnsequenced, payload []byte) error {
	if err := h.checkSend(peer, &c.CommandHeader, len(payload)); err != nil {
		return err
	}

	group := uint32(c.UnsequencedGroup)
	index := group % unsequencedWindowSize
	if group < uint32(peer.incomingUnsequencedGroup) {
		group += 0x10000
	}
	if group >= uint32(peer.incomingUnsequencedGroup)+freeUnsequencedWindows*unsequencedWindowSize {
		return nil
	}
	group &= 0xFFFF

	word, bit := index/32, uint32(1)<<(index%32)
	if uint16(group-index) != peer.incomingUnsequencedGroup {
		peer.incomingUnsequencedGroup = uint16(group - index)
		peer.unsequencedWindow = [unsequencedWindowSize / 32]uint32{}
	} else if peer.unsequencedWindow[word]&bit != 0 {
		return nil
	}

	if _, err := peer.queueIncomingCommand(c, 0, payload, len(payload), PacketFlagUnsequenced, 0); err != nil {
		return err
	}
	peer.unsequencedWindow[word] |= bit
	return nil
}

// validateFragment checks the reassembly fields of a fragment command.
func (h *Host) validateFragment(c *SendFragment, length int) error {
	switch {
	case c.FragmentCount > MaximumFragmentCount:
		return protocolErrorf(c.Command, "fragment count %d too large", c.FragmentCount)
	case c.FragmentNumber >= c.FragmentCount:
		return protocolErrorf(c.Command, "fragment %d of %d", c.FragmentNumber, c.FragmentCount)
	case int(c.TotalLength) > h.maximumPacketSize:
		return protocolErrorf(c.Command, "total length %d exceeds limit", c.TotalLength)
	case c.TotalLength < c.FragmentCount:
		return protocolErrorf(c.Command, "total length %d below fragment count %d", c.TotalLength, c.FragmentCount)
	case c.FragmentOffset >= c.TotalLength:
		return protocolErrorf(c.Command, "fragment offset %d beyond total length %d", c.FragmentOffset, c.TotalLength)
	case uint32(length) > c.TotalLength-c.FragmentOffset:
		return protocolErrorf(c.Command, "fragment overruns total length")
	}
	return nil
}

// matchFragmentStart checks that a queued start command belongs to the same
// fragmented packet as c.
func matchFragmentStart(start *incomingCommand, c *SendFragment) error {
	if start.command.Header().Command != c.Command ||
		uint32(start.packet.Len()) != c.TotalLength ||
		start.fragmentCount != c.FragmentCount {
		return protocolErrorf(c.Command, "fragment does not match packet being reassembled")
	}
	return nil
}

// addFragment copies a fragment into its packet and reports whether the
// packet is now complete.
func addFragment(start *incomingCommand, c *SendFragment, payload []byte) bool {
	if !start.markFragment(c.FragmentNumber) {
		return false
	}
	copy(start.packet.Data[c.FragmentOffset:], payload)
	return start.complete()
}

func (h *Host) handleSendFragment(peer *Peer, c *SendFragment, payload []byte) error {
	if err := h.checkSend(peer, &c.CommandHeader, len(payload)); err != nil {
		return err
	}

	ch := peer.channels[c.ChannelID]
	startSeq := c.StartSequenceNumber
	if !ch.acceptsReliable(startSeq) {
		return nil
	}
	if err := h.validateFragment(c, len(payload)); err != nil {
		return err
	}

	_, start := ch.reliableSearch(startSeq)
	if start != nil {
		if err := matchFragmentStart(start, c); err != nil {
			return err
		}
	} else {
		first := *c
		first.ReliableSequenceNumber = startSeq
		var err error
		start, err = peer.queueIncomingCommand(&first, 0, nil, int(c.TotalLength), PacketFlagReliable, c.FragmentCount)
		if err != nil {
			return err
		}
	}

	if addFragment(start, c, payload) {
		peer.dispatchIncomingReliableCommands(ch)
	}
	return nil
}

func (h *Host) handleSendUnreliableFragment(peer *Peer, c *SendFragment, payload []byte) error {
	if err := h.checkSend(peer, &c.CommandHeader, len(payload)); err != nil {
		return err
	}

	ch := peer.channels[c.ChannelID]
	reliableSeq := c.ReliableSequenceNumber
	startSeq := c.StartSequenceNumber
	if !ch.acceptsReliable(reliableSeq) {
		return nil
	}
	if reliableSeq == ch.incomingReliableSequenceNumber && startSeq <= ch.incomingUnreliableSequenceNumber {
		return nil
	}
	if err := h.validateFragment(c, len(payload)); err != nil {
		return err
	}

	_, start := ch.unreliableSearch(reliableSeq, startSeq)
	if start != nil {
		if err := matchFragmentStart(start, c); err != nil {
			return err
		}
	} else {
		var err error
		start, err = peer.queueIncomingCommand(c, startSeq, nil, int(c.TotalLength), PacketFlagUnreliableFragment, c.FragmentCount)
		if err != nil {
			return err
		}
	}

	if addFragment(start, c, payload) {
		peer.dispatchIncomingUnreliableCommands(ch)
	}
	return nil
}

func (h *Host) handleAcknowledge(peer *Peer, c *Acknowledge) error {
	if peer.state == PeerStateDisconnected || peer.state == PeerStateZombie {
		return nil
	}

	// Rebuild the full send time from its low 16 bits.
	sentTime := uint32(c.ReceivedSentTime) | h.serviceTime&0xFFFF0000
	if sentTime&0x8000 > h.serviceTime&0x8000 {
		sentTime -= 0x10000
	}
	if timeLess(h.serviceTime, sentTime) {
		return nil
	}

	rtt := max(timeDifference(h.serviceTime, sentTime), 1)
	peer.updateRoundTripTime(rtt, h.serviceTime)
	h.metrics.observeRoundTrip(rtt)

	peer.lastReceiveTime = max(h.serviceTime, 1)
	peer.earliestTimeout = 0

	acked := peer.removeSentReliableCommand(c.ReceivedReliableSequenceNumber, c.ChannelID)

	switch peer.state {
	case PeerStateAcknowledgingConnect:
		if acked != CommandVerifyConnect {
			return protocolErrorf(CommandAcknowledge, "expected acknowledgement of verify-connect, got %s", acked)
		}
		h.notifyConnect(peer)
	case PeerStateDisconnecting:
		if acked != CommandDisconnect {
			return protocolErrorf(CommandAcknowledge, "expected acknowledgement of disconnect, got %s", acked)
		}
		h.notifyDisconnect(peer)
	case PeerStateDisconnectLater:
		if peer.queuesDrained() {
			peer.disconnect(peer.eventData)
		}
	}
	return nil
}

// notifyConnect schedules the EventConnect for a peer whose handshake
// completed.
func (h *Host) notifyConnect(peer *Peer) {
	h.recalculateBandwidthLimits = true
	if peer.state == PeerStateConnecting {
		peer.dispatchState(PeerStateConnectionSucceeded)
	} else {
		peer.dispatchState(PeerStateConnectionPending)
	}
}

// notifyDisconnect schedules the EventDisconnect for a peer, or resets it
// silently if the application never saw it connect.
func (h *Host) notifyDisconnect(peer *Peer) {
	if peer.state >= PeerStateConnectionPending {
		h.recalculateBandwidthLimits = true
	}
	if peer.state != PeerStateConnecting && peer.state < PeerStateConnectionSucceeded {
		peer.reset()
		return
	}
	peer.dispatchState(PeerStateZombie)
}
