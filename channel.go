package enet

// channel holds the sequencing state of one logical stream of a peer.
type channel struct {
	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16
	usedReliableWindows              uint16
	reliableWindows                  [reliableWindows]uint16
	incomingReliableSequenceNumber   uint16
	incomingUnreliableSequenceNumber uint16

	// Reorder queues, sorted by sequence number relative to the current
	// incoming reliable sequence.
	incomingReliableCommands   []*incomingCommand
	incomingUnreliableCommands []*incomingCommand
}

func newChannels(n int) []*channel {
	channels := make([]*channel, n)
	for i := range channels {
		channels[i] = &channel{}
	}
	return channels
}

// reliableWindow returns the window a reliable sequence number falls in.
func reliableWindow(seq uint16) uint16 {
	return seq / reliableWindowSize
}

// reliableWindowOffset returns the window of seq relative to the current
// incoming reliable sequence, accounting for wrap-around.
func (c *channel) reliableWindowOffset(seq uint16) (window, current uint16) {
	window = reliableWindow(seq)
	current = reliableWindow(c.incomingReliableSequenceNumber)
	if seq < c.incomingReliableSequenceNumber {
		window += reliableWindows
	}
	return window, current
}

// acceptsReliable reports whether seq falls inside the receive window.
func (c *channel) acceptsReliable(seq uint16) bool {
	window, current := c.reliableWindowOffset(seq)
	return window >= current && window < current+freeReliableWindows-1
}

// windowFull reports whether a new reliable command with sequence number
// seq may not be put in flight yet.
func (c *channel) windowFull(seq uint16) bool {
	if seq%reliableWindowSize != 0 {
		return false
	}
	window := reliableWindow(seq)
	if c.reliableWindows[(window+reliableWindows-1)%reliableWindows] >= reliableWindowSize {
		return true
	}
	mask := uint16((1<<freeReliableWindows)-1) << window
	mask |= uint16((1<<freeReliableWindows)-1) >> (reliableWindows - window)
	return c.usedReliableWindows&mask != 0
}

// markSent accounts a reliable command entering flight.
func (c *channel) markSent(seq uint16) {
	window := reliableWindow(seq)
	c.usedReliableWindows |= 1 << window
	c.reliableWindows[window]++
}

// markAcknowledged accounts a reliable command leaving flight.
func (c *channel) markAcknowledged(seq uint16) {
	window := reliableWindow(seq)
	if c.reliableWindows[window] > 0 {
		c.reliableWindows[window]--
		if c.reliableWindows[window] == 0 {
			c.usedReliableWindows &^= 1 << window
		}
	}
}

func (c *channel) reset() {
	*c = channel{}
}
