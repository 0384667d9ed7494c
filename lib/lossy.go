package lib

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// LossyTransport wraps a Transport and drops outgoing datagrams, either at
// random with the given rate or at explicit send indices. It is the in-process
// counterpart of a dropping gateway and is used for loss testing.
type LossyTransport struct {
	Transport
	mu      sync.Mutex
	rate    float64
	rng     *rand.Rand
	dropAt  map[int]bool
	count   int
	dropped int
}

// NewLossyTransport drops each outgoing datagram with probability rate (0.0-1.0).
func NewLossyTransport(inner Transport, rate float64, seed int64) *LossyTransport {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &LossyTransport{
		Transport: inner,
		rate:      rate,
		rng:       rand.New(rand.NewSource(seed)),
		dropAt:    make(map[int]bool),
	}
}

// DropSends additionally drops the datagrams with the given zero-based send indices.
func (l *LossyTransport) DropSends(indices ...int) *LossyTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, i := range indices {
		l.dropAt[i] = true
	}
	return l
}

// Dropped returns how many datagrams have been dropped so far.
func (l *LossyTransport) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *LossyTransport) SendTo(b []byte, addr net.Addr) error {
	l.mu.Lock()
	index := l.count
	l.count++
	drop := l.dropAt[index] || (l.rate > 0 && l.rng.Float64() < l.rate)
	if drop {
		l.dropped++
	}
	l.mu.Unlock()

	if drop {
		Logger.Debugf("Dropped datagram %d to %s (size: %d)", index, addr, len(b))
		return nil
	}
	return l.Transport.SendTo(b, addr)
}
