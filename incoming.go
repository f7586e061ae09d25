package enet

import "slices"

// reliableSearch scans the reliable reorder queue from the back for seq. It
// returns the insert position for seq, and the queued command with the same
// sequence number if there is one.
func (ch *channel) reliableSearch(seq uint16) (int, *incomingCommand) {
	q := ch.incomingReliableCommands
	current := ch.incomingReliableSequenceNumber
	i := len(q) - 1
	for ; i >= 0; i-- {
		ic := q[i]
		if seq >= current {
			if ic.reliableSequenceNumber < current {
				continue
			}
		} else if ic.reliableSequenceNumber >= current {
			break
		}

		if ic.reliableSequenceNumber <= seq {
			if ic.reliableSequenceNumber < seq {
				break
			}
			return i, ic
		}
	}
	return i + 1, nil
}

// unreliableSearch is reliableSearch for the unreliable reorder queue, which
// is ordered by reliable then unreliable sequence number. Unsequenced
// entries are skipped.
func (ch *channel) unreliableSearch(reliableSeq, unreliableSeq uint16) (int, *incomingCommand) {
	q := ch.incomingUnreliableCommands
	current := ch.incomingReliableSequenceNumber
	i := len(q) - 1
	for ; i >= 0; i-- {
		ic := q[i]
		if ic.command.Header().Command == CommandSendUnsequenced {
			continue
		}
		if reliableSeq >= current {
			if ic.reliableSequenceNumber < current {
				continue
			}
		} else if ic.reliableSequenceNumber >= current {
			break
		}

		if ic.reliableSequenceNumber < reliableSeq {
			break
		}
		if ic.reliableSequenceNumber > reliableSeq {
			continue
		}
		if ic.unreliableSequenceNumber <= unreliableSeq {
			if ic.unreliableSequenceNumber < unreliableSeq {
				break
			}
			return i, ic
		}
	}
	return i + 1, nil
}

// queueIncomingCommand files a received send command in its channel's
// reorder queue and dispatches whatever became deliverable. Duplicates and
// commands outside the receive window are dropped silently and return a nil
// command. For fragmented commands a drop is an error, since the caller
// needs the command to reassemble into.
func (p *Peer) queueIncomingCommand(c Command, unreliableSeq uint16, data []byte, dataLength int, flags PacketFlag, fragmentCount uint32) (*incomingCommand, error) {
	hdr := c.Header()
	ch := p.channels[hdr.ChannelID]
	discard := func() (*incomingCommand, error) {
		if fragmentCount > 0 {
			return nil, protocolErrorf(hdr.Command, "fragment start %d not accepted", hdr.ReliableSequenceNumber)
		}
		return nil, nil
	}

	if p.state == PeerStateDisconnectLater {
		return discard()
	}

	var reliableSeq uint16
	if hdr.Command != CommandSendUnsequenced {
		reliableSeq = hdr.ReliableSequenceNumber
		if !ch.acceptsReliable(reliableSeq) {
			return discard()
		}
	}

	var (
		queue *[]*incomingCommand
		pos   int
	)
	switch hdr.Command {
	case CommandSendFragment, CommandSendReliable:
		if reliableSeq == ch.incomingReliableSequenceNumber {
			return discard()
		}
		i, dup := ch.reliableSearch(reliableSeq)
		if dup != nil {
			return discard()
		}
		queue, pos = &ch.incomingReliableCommands, i

	case CommandSendUnreliable, CommandSendUnreliableFragment:
		if reliableSeq == ch.incomingReliableSequenceNumber && unreliableSeq <= ch.incomingUnreliableSequenceNumber {
			return discard()
		}
		i, dup := ch.unreliableSearch(reliableSeq, unreliableSeq)
		if dup != nil {
			return discard()
		}
		queue, pos = &ch.incomingUnreliableCommands, i

	case CommandSendUnsequenced:
		unreliableSeq = 0
		queue, pos = &ch.incomingUnreliableCommands, len(ch.incomingUnreliableCommands)

	default:
		return discard()
	}

	if p.totalWaitingData >= p.host.maximumWaitingData {
		return nil, protocolErrorf(hdr.Command, "waiting data limit of %d bytes reached", p.host.maximumWaitingData)
	}

	payload := make([]byte, dataLength)
	copy(payload, data)
	ic := &incomingCommand{
		reliableSequenceNumber:   reliableSeq,
		unreliableSequenceNumber: unreliableSeq,
		command:                  c,
		fragmentCount:            fragmentCount,
		fragmentsRemaining:       fragmentCount,
		packet:                   &Packet{Data: payload, Flags: flags},
	}
	if fragmentCount > 0 {
		ic.fragments = make([]uint32, (fragmentCount+31)/32)
	}
	p.totalWaitingData += dataLength
	*queue = slices.Insert(*queue, pos, ic)

	switch hdr.Command {
	case CommandSendFragment, CommandSendReliable:
		p.dispatchIncomingReliableCommands(ch)
	default:
		p.dispatchIncomingUnreliableCommands(ch)
	}
	return ic, nil
}

// dispatchIncomingReliableCommands moves the run of complete commands that
// continues the channel's reliable sequence to the dispatched queue.
func (p *Peer) dispatchIncomingReliableCommands(ch *channel) {
	n := 0
	for _, ic := range ch.incomingReliableCommands {
		if !ic.complete() || ic.reliableSequenceNumber != ch.incomingReliableSequenceNumber+1 {
			break
		}
		ch.incomingReliableSequenceNumber = ic.reliableSequenceNumber
		if ic.fragmentCount > 0 {
			ch.incomingReliableSequenceNumber += uint16(ic.fragmentCount - 1)
		}
		n++
	}
	if n == 0 {
		return
	}

	ch.incomingUnreliableSequenceNumber = 0
	p.dispatchedCommands = append(p.dispatchedCommands, ch.incomingReliableCommands[:n]...)
	ch.incomingReliableCommands = slices.Delete(ch.incomingReliableCommands, 0, n)
	p.scheduleDispatch()

	if len(ch.incomingUnreliableCommands) > 0 {
		p.dispatchIncomingUnreliableCommands(ch)
	}
}

// dispatchIncomingUnreliableCommands delivers unreliable commands that belong
// to the current reliable sequence number, in order, and drops those that
// can no longer be delivered. Commands waiting for a future reliable
// sequence number stay queued.
func (p *Peer) dispatchIncomingUnreliableCommands(ch *channel) {
	q := ch.incomingUnreliableCommands
	moved := make([]bool, len(q))
	start, dropped, i := 0, 0, 0

	// deliver moves q[start:end] to the dispatched queue.
	deliver := func(end int) {
		for j := start; j < end; j++ {
			moved[j] = true
			p.dispatchedCommands = append(p.dispatchedCommands, q[j])
		}
		p.scheduleDispatch()
	}

	for ; i < len(q); i++ {
		ic := q[i]
		if ic.command.Header().Command == CommandSendUnsequenced {
			continue
		}

		if ic.reliableSequenceNumber == ch.incomingReliableSequenceNumber {
			if ic.complete() {
				ch.incomingUnreliableSequenceNumber = ic.unreliableSequenceNumber
				continue
			}
			if start != i {
				deliver(i)
				dropped = i
			} else if dropped != i {
				dropped = i - 1
			}
		} else {
			if ch.acceptsReliable(ic.reliableSequenceNumber) {
				break
			}
			dropped = i + 1
			if start != i {
				deliver(i)
			}
		}
		start = i + 1
	}
	if start != i {
		deliver(i)
		dropped = i
	}

	kept := q[:0]
	for j, ic := range q {
		switch {
		case moved[j]:
		case j < dropped:
			p.totalWaitingData -= ic.packet.Len()
		default:
			kept = append(kept, ic)
		}
	}
	clear(q[len(kept):])
	ch.incomingUnreliableCommands = kept
}

// queueAcknowledgement records that a reliable command must be
// acknowledged. Commands at the far edge of the receive window are not
// acknowledged so the sender retransmits them once the window has moved.
func (p *Peer) queueAcknowledgement(hdr *CommandHeader, sentTime uint16) {
	if int(hdr.ChannelID) < len(p.channels) {
		window, current := p.channels[hdr.ChannelID].reliableWindowOffset(hdr.ReliableSequenceNumber)
		if window >= current+freeReliableWindows-1 && window <= current+freeReliableWindows {
			return
		}
	}
	p.outgoingDataTotal += uint32(CommandSize(CommandAcknowledge))
	p.acknowledgements = append(p.acknowledgements, acknowledgement{
		sentTime:               sentTime,
		command:                hdr.Command,
		channelID:              hdr.ChannelID,
		reliableSequenceNumber: hdr.ReliableSequenceNumber,
	})
}
