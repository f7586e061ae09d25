package enet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// dialServiceInterval bounds each Service call made while Dial waits.
const dialServiceInterval = 10 * time.Millisecond

// Open binds a UDP socket on address and creates a host on it.
func Open(network, address string, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32, opts ...Option) (*Host, error) {
	// Apply the options once up front for the socket buffer sizes.
	probe := &Host{config: DefaultConfig()}
	for _, opt := range opts {
		opt(probe)
	}

	socket, err := ListenUDP(network, address, probe.config.ReceiveBufferSize, probe.config.SendBufferSize)
	if err != nil {
		return nil, err
	}
	h, err := NewHost(socket, peerCount, channelLimit, incomingBandwidth, outgoingBandwidth, opts...)
	if err != nil {
		socket.Close()
		return nil, err
	}
	return h, nil
}

// Dial opens a single-peer host on an ephemeral port and connects it to
// address. It services the host until the connection is established, the
// remote end refuses it, or ctx is done. On success the caller owns the
// host and must keep servicing it.
func Dial(ctx context.Context, network, address string, channelCount int, data uint32, opts ...Option) (*Host, *Peer, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, nil, fmt.Errorf("unsupported network: %s", network)
	}

	raddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, nil, err
	}

	h, err := Open(network, ":0", 1, channelCount, 0, 0, opts...)
	if err != nil {
		return nil, nil, err
	}
	peer, err := h.Connect(raddr, channelCount, data)
	if err != nil {
		h.Close()
		return nil, nil, err
	}

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return nil, nil, fmt.Errorf("connect to %s: %w", address, ctx.Err())
		default:
		}

		ev, err := h.Service(dialServiceInterval)
		if err != nil {
			h.Close()
			return nil, nil, err
		}
		switch ev.Type {
		case EventConnect:
			return h, peer, nil
		case EventDisconnect:
			h.Close()
			if ev.Timeout {
				return nil, nil, fmt.Errorf("connect to %s: %w", address, context.DeadlineExceeded)
			}
			return nil, nil, fmt.Errorf("connect to %s: %w", address, errConnectionRefused)
		}
	}
}

var errConnectionRefused = errors.New("connection refused")
