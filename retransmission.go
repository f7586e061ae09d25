package enet

// updateRoundTripTime folds a round trip sample into the smoothed estimate
// and the packet throttle.
func (p *Peer) updateRoundTripTime(rtt, now uint32) {
	if p.lastReceiveTime > 0 {
		p.throttle(rtt)

		p.roundTripTimeVariance -= p.roundTripTimeVariance / 4
		if rtt >= p.roundTripTime {
			diff := rtt - p.roundTripTime
			p.roundTripTimeVariance += diff / 4
			p.roundTripTime += diff / 8
		} else {
			diff := p.roundTripTime - rtt
			p.roundTripTimeVariance += diff / 4
			p.roundTripTime -= diff / 8
		}
	} else {
		p.roundTripTime = rtt
		p.roundTripTimeVariance = (rtt + 1) / 2
	}

	if p.roundTripTime < p.lowestRoundTripTime {
		p.lowestRoundTripTime = p.roundTripTime
	}
	if p.roundTripTimeVariance > p.highestRoundTripTimeVariance {
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
	}

	if p.packetThrottleEpoch == 0 || timeDifference(now, p.packetThrottleEpoch) >= p.packetThrottleInterval {
		p.lastRoundTripTime = p.lowestRoundTripTime
		p.lastRoundTripTimeVariance = max(p.highestRoundTripTimeVariance, 1)
		p.lowestRoundTripTime = p.roundTripTime
		p.highestRoundTripTimeVariance = p.roundTripTimeVariance
		p.packetThrottleEpoch = now
	}
}

// removeSentReliableCommand drops the reliable command an acknowledgement
// refers to and returns its type, or CommandNone if nothing matched.
func (p *Peer) removeSentReliableCommand(seq uint16, channelID uint8) CommandType {
	queue, index, wasSent := &p.sentReliableCommands, -1, true
	for i, oc := range p.sentReliableCommands {
		if oc.reliableSequenceNumber == seq && oc.command.Header().ChannelID == channelID {
			index = i
			break
		}
	}
	if index < 0 {
		for i, oc := range p.outgoingReliableCommands {
			if oc.sendAttempts < 1 {
				return CommandNone
			}
			if oc.reliableSequenceNumber == seq && oc.command.Header().ChannelID == channelID {
				queue, index = &p.outgoingReliableCommands, i
				break
			}
		}
		if index < 0 {
			return CommandNone
		}
		wasSent = false
	}

	oc := (*queue)[index]
	if int(channelID) < len(p.channels) {
		p.channels[channelID].markAcknowledged(seq)
	}
	if oc.packet != nil && wasSent {
		p.reliableDataInTransit -= uint32(oc.fragmentLength)
	}
	*queue = append((*queue)[:index], (*queue)[index+1:]...)

	if len(p.sentReliableCommands) > 0 {
		front := p.sentReliableCommands[0]
		p.nextTimeout = front.sentTime + front.roundTripTimeout
	}
	return oc.command.Header().Command
}

// checkTimeouts requeues reliable commands whose retransmission timeout
// expired. It reports true when the peer has been given up on.
func (p *Peer) checkTimeouts(now uint32) bool {
	var (
		kept    = p.sentReliableCommands[:0]
		resend  []*outgoingCommand
		expired bool
	)
	for _, oc := range p.sentReliableCommands {
		if expired || timeDifference(now, oc.sentTime) < oc.roundTripTimeout {
			kept = append(kept, oc)
			continue
		}

		if p.earliestTimeout == 0 || timeLess(oc.sentTime, p.earliestTimeout) {
			p.earliestTimeout = oc.sentTime
		}
		if p.earliestTimeout != 0 &&
			(timeDifference(now, p.earliestTimeout) >= p.timeoutMaximum ||
				(oc.roundTripTimeout >= oc.roundTripTimeoutLimit &&
					timeDifference(now, p.earliestTimeout) >= p.timeoutMinimum)) {
			expired = true
			kept = append(kept, oc)
			continue
		}

		if oc.packet != nil {
			p.reliableDataInTransit -= uint32(oc.fragmentLength)
		}
		p.packetsLost++
		oc.roundTripTimeout *= 2
		resend = append(resend, oc)
		p.host.metrics.retransmission()
	}
	clear(p.sentReliableCommands[len(kept):])
	p.sentReliableCommands = kept

	if len(resend) > 0 {
		p.outgoingReliableCommands = append(resend, p.outgoingReliableCommands...)
	}
	if expired {
		p.timedOut = true
		p.host.log.Debug("peer timed out", "peer", p.incomingPeerID, "addr", p.address)
		p.host.notifyDisconnect(p)
		return true
	}

	if len(p.sentReliableCommands) > 0 {
		front := p.sentReliableCommands[0]
		p.nextTimeout = front.sentTime + front.roundTripTimeout
	}
	return false
}

// sendAcknowledgements writes pending acknowledgements into the datagram
// being built.
func (h *Host) sendAcknowledgements(p *Peer) {
	n := 0
	for _, ack := range p.acknowledgements {
		size := CommandSize(CommandAcknowledge)
		if h.commandCount >= MaximumPacketCommands || int(p.mtu)-h.packetSize < size {
			h.continueSending = true
			break
		}

		h.body = AppendCommand(h.body, &Acknowledge{
			CommandHeader: CommandHeader{
				Command:                CommandAcknowledge,
				ChannelID:              ack.channelID,
				ReliableSequenceNumber: ack.reliableSequenceNumber,
			},
			ReceivedReliableSequenceNumber: ack.reliableSequenceNumber,
			ReceivedSentTime:               ack.sentTime,
		})
		h.packetSize += size
		h.commandCount++
		n++

		if ack.command == CommandDisconnect {
			p.dispatchState(PeerStateZombie)
		}
	}
	p.acknowledgements = p.acknowledgements[n:]
	if len(p.acknowledgements) == 0 {
		p.acknowledgements = nil
	}
}

// sendReliableOutgoingCommands moves reliable commands into the datagram
// being built, subject to the channel windows and the peer's congestion
// window. It reports whether the datagram still has room for a ping.
func (h *Host) sendReliableOutgoingCommands(p *Peer) bool {
	var (
		canPing        = true
		windowWrap     bool
		windowExceeded bool
		remaining      = p.outgoingReliableCommands[:0]
	)

	for i, oc := range p.outgoingReliableCommands {
		hdr := oc.command.Header()

		var ch *channel
		if int(hdr.ChannelID) < len(p.channels) {
			ch = p.channels[hdr.ChannelID]
		}
		if ch != nil {
			if !windowWrap && oc.sendAttempts < 1 && ch.windowFull(oc.reliableSequenceNumber) {
				windowWrap = true
			}
			if windowWrap {
				remaining = append(remaining, oc)
				continue
			}
		}

		if oc.packet != nil {
			if !windowExceeded {
				windowSize := p.packetThrottle * p.windowSize / PacketThrottleScale
				if p.reliableDataInTransit+uint32(oc.fragmentLength) > max(windowSize, p.mtu) {
					windowExceeded = true
				}
			}
			if windowExceeded {
				remaining = append(remaining, oc)
				continue
			}
		}

		canPing = false

		if h.commandCount >= MaximumPacketCommands || int(p.mtu)-h.packetSize < oc.size() {
			h.continueSending = true
			remaining = append(remaining, p.outgoingReliableCommands[i:]...)
			break
		}

		if ch != nil && oc.sendAttempts < 1 {
			ch.markSent(oc.reliableSequenceNumber)
		}
		oc.sendAttempts++
		if oc.roundTripTimeout == 0 {
			oc.roundTripTimeout = p.roundTripTime + 4*p.roundTripTimeVariance
			oc.roundTripTimeoutLimit = p.timeoutLimit * oc.roundTripTimeout
		}
		if len(p.sentReliableCommands) == 0 {
			p.nextTimeout = h.serviceTime + oc.roundTripTimeout
		}
		p.sentReliableCommands = append(p.sentReliableCommands, oc)
		oc.sentTime = h.serviceTime
		h.headerFlags |= HeaderFlagSentTime

		h.body = AppendCommand(h.body, oc.command)
		h.body = append(h.body, oc.payload()...)
		h.packetSize += oc.size()
		h.commandCount++
		if oc.packet != nil {
			p.reliableDataInTransit += uint32(oc.fragmentLength)
		}
		p.packetsSent++
	}

	// remaining aliases the front of the queue, so clear what it no longer
	// covers.
	clear(p.outgoingReliableCommands[len(remaining):])
	p.outgoingReliableCommands = remaining
	return canPing
}
