package lib

import (
	"errors"
	"net"
	"sync"
	"time"
)

// DropGateway relays datagrams between clients and a target server and drops
// a share of them in both directions. Each client gets its own upstream
// socket so the server sees one peer per client.
type DropGateway struct {
	front       *LossyTransport
	target      net.Addr
	rate        float64
	seed        int64
	idleTimeout time.Duration

	mu          sync.Mutex
	routes      map[string]*gatewayRoute
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type gatewayRoute struct {
	client   net.Addr
	upstream *LossyTransport
	mu       sync.Mutex
	lastSeen time.Time
}

func (r *gatewayRoute) touch() {
	r.mu.Lock()
	r.lastSeen = time.Now()
	r.mu.Unlock()
}

func (r *gatewayRoute) idleFor(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastSeen)
}

// NewDropGateway relays datagrams arriving on front to target. Routes with
// no traffic for idleTimeout are torn down.
func NewDropGateway(front Transport, target net.Addr, rate float64, seed int64, idleTimeout time.Duration) *DropGateway {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &DropGateway{
		front:       NewLossyTransport(front, rate, seed),
		target:      target,
		rate:        rate,
		seed:        seed,
		idleTimeout: idleTimeout,
		routes:      make(map[string]*gatewayRoute),
		closeSignal: make(chan struct{}),
	}
}

// Serve forwards client datagrams until Close is called.
func (g *DropGateway) Serve() error {
	buf := make([]byte, ReceiveBufferSize)
	for {
		n, addr, err := g.front.ReceiveFrom(buf, ReadPollInterval)
		select {
		case <-g.closeSignal:
			return nil
		default:
		}
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if err != nil {
			return err
		}

		route, err := g.route(addr)
		if err != nil {
			Logger.Errorf("Gateway cannot open upstream for %s: %v", addr, err)
			continue
		}
		route.touch()
		if err := route.upstream.SendTo(append([]byte(nil), buf[:n]...), g.target); err != nil {
			Logger.Warnf("Gateway forward from %s failed: %v", addr, err)
		}
	}
}

func (g *DropGateway) route(client net.Addr) (*gatewayRoute, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := client.String()
	if r, ok := g.routes[key]; ok {
		return r, nil
	}
	select {
	case <-g.closeSignal:
		return nil, ErrSessionClosed
	default:
	}
	udp, err := ListenUDP("", 0)
	if err != nil {
		return nil, err
	}
	seed := g.seed
	if seed != 0 {
		seed += int64(len(g.routes) + 1)
	}
	r := &gatewayRoute{
		client:   client,
		upstream: NewLossyTransport(udp, g.rate, seed),
		lastSeen: time.Now(),
	}
	g.routes[key] = r
	Logger.Infof("Gateway route %s <-> %s via %s", client, g.target, udp.LocalAddr())

	g.wg.Add(1)
	go g.relayReplies(key, r)
	return r, nil
}

// relayReplies forwards server datagrams back to the route's client.
func (g *DropGateway) relayReplies(key string, r *gatewayRoute) {
	defer g.wg.Done()
	defer r.upstream.Close()

	buf := make([]byte, ReceiveBufferSize)
	for {
		n, _, err := r.upstream.ReceiveFrom(buf, ReadPollInterval)
		select {
		case <-g.closeSignal:
			return
		default:
		}
		if errors.Is(err, ErrWouldBlock) {
			if r.idleFor(time.Now()) < g.idleTimeout {
				continue
			}
			g.mu.Lock()
			delete(g.routes, key)
			g.mu.Unlock()
			Logger.Infof("Gateway route for %s idle, closing", r.client)
			return
		}
		if err != nil {
			Logger.Warnf("Gateway upstream for %s failed: %v", r.client, err)
			g.mu.Lock()
			delete(g.routes, key)
			g.mu.Unlock()
			return
		}
		r.touch()
		if err := g.front.SendTo(append([]byte(nil), buf[:n]...), r.client); err != nil {
			Logger.Warnf("Gateway reply to %s failed: %v", r.client, err)
		}
	}
}

// Dropped returns the datagrams dropped so far in both directions.
func (g *DropGateway) Dropped() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := g.front.Dropped()
	for _, r := range g.routes {
		total += r.upstream.Dropped()
	}
	return total
}

// Close stops the gateway and its routes. The front transport stays open.
func (g *DropGateway) Close() {
	// route checks closeSignal and calls wg.Add under mu.
	g.mu.Lock()
	g.closeOnce.Do(func() { close(g.closeSignal) })
	g.mu.Unlock()
	g.wg.Wait()
}
