package lib

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// Transport is the datagram collaborator. It gives no ordering or delivery guarantees.
type Transport interface {
	SendTo(b []byte, addr net.Addr) error
	// ReceiveFrom blocks for at most timeout and returns an error matching
	// ErrWouldBlock when nothing arrived.
	ReceiveFrom(buf []byte, timeout time.Duration) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport is a Transport backed by a UDP socket.
type UDPTransport struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP socket on host:port. Port 0 picks an ephemeral port.
func ListenUDP(host string, port int) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{conn: conn}, nil
}

// SetTOS marks outgoing datagrams with the given IPv4 type-of-service byte.
func (t *UDPTransport) SetTOS(tos int) error {
	if tos == 0 {
		return nil
	}
	return ipv4.NewConn(t.conn).SetTOS(tos)
}

func (t *UDPTransport) SendTo(b []byte, addr net.Addr) error {
	_, err := t.conn.WriteTo(b, addr)
	return err
}

func (t *UDPTransport) ReceiveFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	// Set a read deadline so that callers can check their close signals
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, &TimeoutError{msg: "udp read timeout"}
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// sameAddr compares two peer addresses by their string form.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
