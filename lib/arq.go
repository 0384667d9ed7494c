package lib

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrMaxAttemptsExceeded = errors.New("maximum send attempts exceeded")
	ErrWindowFull          = errors.New("send window full")
	ErrSessionClosed       = errors.New("session closed")
	ErrPeerSilent          = errors.New("peer silent")
)

// Chunk is one unit of file data moving between the file and protocol
// workers. EOF marks the last chunk of a transfer; its Data may be empty.
type Chunk struct {
	Data []byte
	EOF  bool
}

// Delivery is the outcome of feeding one data datagram to an engine.
type Delivery struct {
	Chunks    []Chunk // newly deliverable chunks, in order
	Duplicate bool    // already delivered or already buffered
	EOF       bool    // the decoded segment carried the EOF flag
	Finished  bool    // every segment up to and including EOF has been delivered
}

// Engine is the contract shared by the Stop-and-Wait and Selective-Repeat ARQ engines.
type Engine interface {
	// Send frames payload and transmits it. Stop-and-Wait blocks until the
	// segment is acknowledged; Selective-Repeat returns ErrWindowFull when
	// the caller must pump acknowledgements and retry.
	Send(ctx context.Context, payload []byte, eof bool) error
	// ReceiveFile handles one inbound data datagram and acknowledges it.
	ReceiveFile(datagram []byte) (Delivery, error)
	// HandleAck handles one inbound acknowledgement datagram.
	HandleAck(datagram []byte) error
	// CheckTimeouts retransmits expired segments.
	CheckTimeouts() error
	// Pending is the number of outstanding unacknowledged segments.
	Pending() int
	// Close stops background work and drops unacknowledged state.
	Close()
}

// EngineConfig holds the ARQ tuning shared by both engines.
type EngineConfig struct {
	Timeout     time.Duration // per-attempt ACK timeout / retransmission timeout
	MaxAttempts int           // send attempts per segment before the transfer fails
	WindowSize  uint16        // Selective-Repeat window
}

func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		WindowSize:  DefaultWindowSize,
	}
}

// link is what an engine needs to talk to its peer.
type link struct {
	transport Transport
	peer      net.Addr
	inbox     <-chan []byte
	log       *logrus.Entry
}

// NewEngine builds the engine negotiated for a session.
func NewEngine(proto Protocol, transport Transport, peer net.Addr, inbox <-chan []byte, config *EngineConfig, log *logrus.Entry) Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if log == nil {
		log = logrus.NewEntry(Logger)
	}
	l := link{transport: transport, peer: peer, inbox: inbox, log: log}
	c := *config
	if proto == SelectiveRepeatProtocol {
		return newSelectiveRepeat(l, &c)
	}
	return newStopAndWait(l, &c)
}
