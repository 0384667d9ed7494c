package lib

import (
	"net"
	"sync"
	"time"
)

// memAddr names an endpoint of a memNetwork.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	data []byte
	from net.Addr
}

// memNetwork is an in-process datagram network. Delivery is immediate and
// ordered; loss is added by wrapping an endpoint in a LossyTransport.
type memNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{endpoints: make(map[string]*memTransport)}
}

func (n *memNetwork) endpoint(name string) *memTransport {
	t := &memTransport{
		network: n,
		addr:    memAddr(name),
		queue:   make(chan memDatagram, 4096),
		done:    make(chan struct{}),
	}
	n.mu.Lock()
	n.endpoints[name] = t
	n.mu.Unlock()
	return t
}

type memTransport struct {
	network   *memNetwork
	addr      memAddr
	queue     chan memDatagram
	done      chan struct{}
	closeOnce sync.Once
}

func (t *memTransport) SendTo(b []byte, addr net.Addr) error {
	t.network.mu.Lock()
	dst := t.network.endpoints[addr.String()]
	t.network.mu.Unlock()
	if dst == nil {
		return nil
	}
	dg := memDatagram{data: append([]byte(nil), b...), from: t.addr}
	select {
	case dst.queue <- dg:
	default:
	}
	return nil
}

func (t *memTransport) ReceiveFrom(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return 0, nil, net.ErrClosed
	case dg := <-t.queue:
		return copy(buf, dg.data), dg.from, nil
	case <-timer.C:
		return 0, nil, &TimeoutError{msg: "mem read timeout"}
	}
}

func (t *memTransport) LocalAddr() net.Addr {
	return t.addr
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// feed forwards every datagram received on t into a channel until t is closed.
func feed(t Transport) <-chan []byte {
	out := make(chan []byte, 4096)
	go func() {
		defer close(out)
		buf := make([]byte, ReceiveBufferSize)
		for {
			n, _, err := t.ReceiveFrom(buf, 50*time.Millisecond)
			if err != nil {
				if _, ok := err.(*TimeoutError); ok {
					continue
				}
				return
			}
			out <- append([]byte(nil), buf[:n]...)
		}
	}()
	return out
}

// memSink collects appended data in memory.
type memSink struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (s *memSink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), data...))
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

func (s *memSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// testEngineConfig keeps retransmission fast in tests.
func testEngineConfig() *EngineConfig {
	return &EngineConfig{Timeout: 50 * time.Millisecond, MaxAttempts: 10, WindowSize: 4}
}

func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}
