package enet

import "math"

// throttle adjusts the packet throttle from a round trip sample. It returns
// 1 when the connection is improving, -1 when it is degrading and 0
// otherwise.
func (p *Peer) throttle(rtt uint32) int {
	switch {
	case p.lastRoundTripTime <= p.lastRoundTripTimeVariance:
		p.packetThrottle = p.packetThrottleLimit
	case rtt < p.lastRoundTripTime:
		p.packetThrottle = min(p.packetThrottle+p.packetThrottleAcceleration, p.packetThrottleLimit)
		return 1
	case rtt > p.lastRoundTripTime+2*p.lastRoundTripTimeVariance:
		if p.packetThrottle > p.packetThrottleDeceleration {
			p.packetThrottle -= p.packetThrottleDeceleration
		} else {
			p.packetThrottle = 0
		}
		return -1
	}
	return 0
}

// outgoingShare is one connected peer's input to, and result of, the
// outgoing bandwidth allocation.
type outgoingShare struct {
	incomingBandwidth uint32 // the peer's advertised download cap, 0 if unlimited
	outgoingDataTotal uint32 // bytes queued to the peer this epoch
	limit             uint32
	assigned          bool
}

// allocateOutgoing divides bandwidth bytes among the shares by water
// filling. A peer whose download cap is below its proportional share is
// pinned to its cap and the rest is split again among the others. Peers left
// over share the final common throttle. It returns that throttle and the
// number of passes made, which never exceeds len(shares).
func allocateOutgoing(shares []outgoingShare, bandwidth, dataTotal uint64, elapsed uint32, adjust bool) (uint32, int) {
	commonThrottle := func() uint32 {
		if dataTotal <= bandwidth {
			return PacketThrottleScale
		}
		return uint32(bandwidth * PacketThrottleScale / dataTotal)
	}

	remaining, passes := len(shares), 0
	for remaining > 0 && adjust {
		adjust = false
		passes++
		throttle := uint64(commonThrottle())

		for i := range shares {
			s := &shares[i]
			if s.assigned || s.incomingBandwidth == 0 {
				continue
			}
			peerBandwidth := uint64(s.incomingBandwidth) * uint64(elapsed) / 1000
			if throttle*uint64(s.outgoingDataTotal)/PacketThrottleScale <= peerBandwidth {
				continue
			}

			s.limit = uint32(max(peerBandwidth*PacketThrottleScale/uint64(s.outgoingDataTotal), 1))
			s.assigned = true
			adjust = true
			remaining--
			bandwidth -= peerBandwidth
			dataTotal -= peerBandwidth
		}
	}

	throttle := commonThrottle()
	for i := range shares {
		if !shares[i].assigned {
			shares[i].limit = throttle
		}
	}
	return throttle, passes
}

// allocateIncoming splits bandwidth evenly among peers, except that a peer
// whose own upload cap is below the even split keeps that cap and the
// remainder is split again. It returns the limit for peers that were not
// satisfied by their own cap, and marks satisfied peers in satisfied.
func allocateIncoming(outgoing []uint32, bandwidth uint64, satisfied []bool) (uint64, int) {
	if bandwidth == 0 {
		return 0, 0
	}

	var limit uint64
	remaining, passes, adjust := len(outgoing), 0, true
	for remaining > 0 && adjust {
		adjust = false
		passes++
		limit = bandwidth / uint64(remaining)

		for i, out := range outgoing {
			if satisfied[i] || out == 0 || uint64(out) >= limit {
				continue
			}
			satisfied[i] = true
			adjust = true
			remaining--
			bandwidth -= uint64(out)
		}
	}
	return limit, passes
}

// bandwidthThrottle recomputes every connected peer's packet throttle limit
// from the host's upload cap, and when limits changed tells each peer how
// much it may send us. It runs at most once per throttle interval.
func (h *Host) bandwidthThrottle() {
	now := h.serviceTime
	elapsed := timeDifference(now, h.bandwidthThrottleEpoch)
	if elapsed < millis(h.config.BandwidthThrottleInterval) {
		return
	}

	var peers []*Peer
	for _, p := range h.peers {
		if p.state.connected() {
			peers = append(peers, p)
		}
	}
	if len(peers) == 0 {
		return
	}
	h.bandwidthThrottleEpoch = now

	bandwidth, dataTotal := uint64(math.MaxUint64), uint64(math.MaxUint64)
	shares := make([]outgoingShare, len(peers))
	for i, p := range peers {
		shares[i] = outgoingShare{incomingBandwidth: p.incomingBandwidth, outgoingDataTotal: p.outgoingDataTotal}
	}
	if h.outgoingBandwidth != 0 {
		bandwidth = uint64(h.outgoingBandwidth) * uint64(elapsed) / 1000
		dataTotal = 0
		for _, p := range peers {
			dataTotal += uint64(p.outgoingDataTotal)
		}
	}

	throttle, passes := allocateOutgoing(shares, bandwidth, dataTotal, elapsed, h.bandwidthLimitedPeers > 0)
	for i, p := range peers {
		p.packetThrottleLimit = shares[i].limit
		p.packetThrottle = min(p.packetThrottle, p.packetThrottleLimit)
		p.outgoingBandwidthThrottleEpoch = now
		p.incomingDataTotal = 0
		p.outgoingDataTotal = 0
	}
	h.log.Debug("bandwidth throttle", "peers", len(peers), "throttle", throttle, "passes", passes)

	if !h.recalculateBandwidthLimits {
		return
	}
	h.recalculateBandwidthLimits = false

	outgoing := make([]uint32, len(peers))
	for i, p := range peers {
		outgoing[i] = p.outgoingBandwidth
	}
	satisfied := make([]bool, len(peers))
	limit, _ := allocateIncoming(outgoing, uint64(h.incomingBandwidth), satisfied)

	for i, p := range peers {
		incoming := uint32(min(limit, math.MaxUint32))
		if satisfied[i] {
			incoming = p.outgoingBandwidth
			p.incomingBandwidthThrottleEpoch = now
		}
		p.queueOutgoingCommand(&BandwidthLimit{
			CommandHeader:     CommandHeader{Command: CommandBandwidthLimit, Flags: CommandFlagAcknowledge, ChannelID: hostChannelID},
			IncomingBandwidth: incoming,
			OutgoingBandwidth: h.outgoingBandwidth,
		}, nil, 0, 0)
	}
}
