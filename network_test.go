package enet

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/go-enet/internal/logger"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memNetwork delivers datagrams between memSockets in memory. Delivery is
// immediate and in order unless a filter drops or duplicates datagrams.
type memNetwork struct {
	mu      sync.Mutex
	sockets map[string]*memSocket

	// drop, when set, discards datagrams it returns true for.
	drop func(from, to net.Addr, data []byte) bool
	// duplicate delivers every datagram twice.
	duplicate bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{sockets: make(map[string]*memSocket)}
}

func (n *memNetwork) listen(addr string) *memSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &memSocket{network: n, addr: memAddr(addr)}
	n.sockets[addr] = s
	return s
}

func (n *memNetwork) setDrop(drop func(from, to net.Addr, data []byte) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

// inject delivers a raw datagram to the socket bound on to.
func (n *memNetwork) inject(from, to net.Addr, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dst, ok := n.sockets[to.String()]; ok {
		dst.inbox = append(dst.inbox, datagram{data: bytes.Clone(data), addr: from})
	}
}

type memSocket struct {
	network *memNetwork
	addr    memAddr
	inbox   []datagram
	sent    int
	closed  bool
}

func (s *memSocket) Send(addr net.Addr, data []byte) (int, error) {
	n := s.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if s.closed {
		return 0, net.ErrClosed
	}
	s.sent++
	if n.drop != nil && n.drop(s.addr, addr, data) {
		return len(data), nil
	}
	dst, ok := n.sockets[addr.String()]
	if !ok || dst.closed {
		return len(data), nil
	}
	dst.inbox = append(dst.inbox, datagram{data: bytes.Clone(data), addr: s.addr})
	if n.duplicate {
		dst.inbox = append(dst.inbox, datagram{data: bytes.Clone(data), addr: s.addr})
	}
	return len(data), nil
}

func (s *memSocket) Receive(buf []byte, _ time.Duration) (int, net.Addr, error) {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	if s.closed {
		return 0, nil, net.ErrClosed
	}
	if len(s.inbox) == 0 {
		return 0, nil, nil
	}
	d := s.inbox[0]
	s.inbox = s.inbox[1:]
	return copy(buf, d.data), d.addr, nil
}

func (s *memSocket) LocalAddr() net.Addr { return s.addr }

func (s *memSocket) Close() error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSocket) sentCount() int {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	return s.sent
}

// testEnv runs hosts on a memNetwork against one mock clock.
type testEnv struct {
	t       *testing.T
	clock   *clock.Mock
	network *memNetwork
	hosts   []*Host
	events  map[*Host][]Event
	step    time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		t:       t,
		clock:   clock.NewMock(),
		network: newMemNetwork(),
		events:  make(map[*Host][]Event),
		step:    10 * time.Millisecond,
	}
}

func (e *testEnv) host(addr string, peerCount int, opts ...Option) *Host {
	opts = append([]Option{WithClock(e.clock), WithLogger(logger.Discard())}, opts...)
	h, err := NewHost(e.network.listen(addr), peerCount, 0, 0, 0, opts...)
	require.NoError(e.t, err)
	e.hosts = append(e.hosts, h)
	return h
}

// run services every host n times, advancing the clock by one step after
// each round, and collects the events.
func (e *testEnv) run(n int) {
	for range n {
		for _, h := range e.hosts {
			for {
				ev, err := h.Service(0)
				require.NoError(e.t, err)
				if ev.Type == EventNone {
					break
				}
				e.events[h] = append(e.events[h], ev)
			}
		}
		e.clock.Add(e.step)
	}
}

// runUntil services the hosts until cond holds or rounds run out.
func (e *testEnv) runUntil(rounds int, cond func() bool) bool {
	for range rounds {
		if cond() {
			return true
		}
		e.run(1)
	}
	return cond()
}

// take returns and clears the events collected for h.
func (e *testEnv) take(h *Host) []Event {
	evs := e.events[h]
	delete(e.events, h)
	return evs
}

func (e *testEnv) eventsOf(h *Host, t EventType) []Event {
	var out []Event
	for _, ev := range e.events[h] {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// connect runs a handshake from client to server and returns both ends.
func (e *testEnv) connect(client, server *Host, channels int, data uint32) (*Peer, *Peer) {
	e.t.Helper()
	cp, err := client.Connect(server.Address(), channels, data)
	require.NoError(e.t, err)

	ok := e.runUntil(100, func() bool {
		return len(e.eventsOf(client, EventConnect)) > 0 && len(e.eventsOf(server, EventConnect)) > 0
	})
	require.True(e.t, ok, "handshake did not complete")

	sp := e.eventsOf(server, EventConnect)[0].Peer
	e.take(client)
	e.take(server)
	return cp, sp
}
