package enet

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/go-enet/internal/logger"
)

// Socket sends and receives whole datagrams. Implementations must be safe
// for one sender and one receiver running at the same time.
type Socket interface {
	// Send writes one datagram. A full send buffer is reported as
	// ErrWouldBlock.
	Send(addr net.Addr, data []byte) (int, error)
	// Receive reads one datagram into buf, waiting up to wait for one to
	// arrive. It returns n == 0 when nothing arrived.
	Receive(buf []byte, wait time.Duration) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

const udpWriteTimeout = 10 * time.Millisecond

type datagram struct {
	data []byte
	addr net.Addr
}

// UDPSocket is a Socket over a UDP connection. A reader goroutine moves
// datagrams into a bounded inbox so Receive never blocks on the network.
type UDPSocket struct {
	conn    *net.UDPConn
	inbox   chan datagram
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
}

// ListenUDP binds a UDP socket. network must be udp, udp4 or udp6.
func ListenUDP(network, address string, receiveBufferSize, sendBufferSize int) (*UDPSocket, error) {
	switch network {
	case "udp", "udp4", "udp6":
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}

	laddr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}

	log := logger.Logger("socket")
	if err := conn.SetReadBuffer(receiveBufferSize); err != nil {
		log.Debug("set receive buffer failed", "size", receiveBufferSize, "err", err)
	}
	if err := conn.SetWriteBuffer(sendBufferSize); err != nil {
		log.Debug("set send buffer failed", "size", sendBufferSize, "err", err)
	}

	s := &UDPSocket{
		conn:    conn,
		inbox:   make(chan datagram, max(receiveBufferSize/MinimumMTU, maximumReceivesPerTick)),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		log:     log.With("addr", conn.LocalAddr().String()),
	}
	go s.readLoop()
	return s, nil
}

func (s *UDPSocket) readLoop() {
	defer close(s.done)
	buf := make([]byte, MaximumMTU)

	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("read failed", "err", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.inbox <- datagram{data: data, addr: addr}:
		case <-s.closeCh:
			return
		default:
			s.log.Debug("inbox full, datagram dropped", "from", addr)
		}
	}
}

// Send implements Socket.
func (s *UDPSocket) Send(addr net.Addr, data []byte) (int, error) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(udpWriteTimeout)); err != nil {
		return 0, err
	}
	n, err := s.conn.WriteTo(data, addr)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWouldBlock
	}
	return n, err
}

// Receive implements Socket.
func (s *UDPSocket) Receive(buf []byte, wait time.Duration) (int, net.Addr, error) {
	select {
	case d := <-s.inbox:
		return copy(buf, d.data), d.addr, nil
	case <-s.closeCh:
		return 0, nil, net.ErrClosed
	default:
	}
	if wait <= 0 {
		return 0, nil, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case d := <-s.inbox:
		return copy(buf, d.data), d.addr, nil
	case <-s.closeCh:
		return 0, nil, net.ErrClosed
	case <-timer.C:
		return 0, nil, nil
	}
}

// LocalAddr implements Socket.
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close implements Socket. It waits for the reader goroutine to exit.
func (s *UDPSocket) Close() error {
	err := net.ErrClosed
	s.once.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
		<-s.done
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
