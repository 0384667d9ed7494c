package lib

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SessionState is the lifecycle position of a Session.
type SessionState int

const (
	AwaitingInit SessionState = iota
	Active
	Finished
	Closed
)

func (s SessionState) String() string {
	switch s {
	case AwaitingInit:
		return "awaiting-init"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// SessionParams describes one session as negotiated by its Init segment.
type SessionParams struct {
	Key         string   // peer address string, the dispatcher table key
	Peer        net.Addr // remote endpoint
	Init        *InitSegment
	Path        string // file on the local side
	PayloadSize int
	InboxSize   int
}

// Session binds one peer to one engine and one transfer direction. Inbound
// datagrams are queued to its inbox and consumed by the transfer's protocol
// worker, which is the only goroutine mutating engine state.
type Session struct {
	Params *SessionParams

	mu        sync.Mutex
	state     SessionState
	confirmed bool // a non-Init datagram has arrived from the peer
	lastSeen  time.Time

	transport Transport
	engine    Engine
	transfer  Transfer
	inbox     chan []byte
	initAck   []byte
	files     []io.Closer // released by Close when the transfer never started
	log       *logrus.Entry

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	onFailure func(*Session, error)
}

// newSession creates a server side session. The file handle is owned by the
// session from here on: source is used for downloads, sink for uploads.
func newSession(transport Transport, params *SessionParams, config *EngineConfig, source FileSource, sink FileSink) (*Session, error) {
	ack, err := (&InitSegment{Ack: true, Operation: params.Init.Operation, Protocol: params.Init.Protocol}).Marshal()
	if err != nil {
		return nil, err
	}
	if params.InboxSize <= 0 {
		params.InboxSize = DefaultInboxSize
	}
	if params.PayloadSize <= 0 || params.PayloadSize > params.Init.Protocol.PayloadSize() {
		params.PayloadSize = params.Init.Protocol.PayloadSize()
	}
	if config == nil {
		config = DefaultEngineConfig()
	}

	s := &Session{
		Params:    params,
		state:     AwaitingInit,
		lastSeen:  time.Now(),
		transport: transport,
		inbox:     make(chan []byte, params.InboxSize),
		initAck:   ack,
		log:       peerLogger(params.Key, params.Init.Operation, params.Init.Protocol),
	}
	s.engine = NewEngine(params.Init.Protocol, transport, params.Peer, s.inbox, config, s.log)

	switch params.Init.Operation {
	case OpUpload:
		// the peer uploads, we receive
		s.transfer = NewDownloader(s.engine, sink, s.inbox, config.Timeout, 0, s.log)
		s.files = []io.Closer{sink}
	default:
		s.transfer = NewUploader(s.engine, source, s.inbox, params.PayloadSize, config.Timeout, s.log)
		s.files = []io.Closer{source}
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if s.state != Closed {
		s.state = state
	}
	s.mu.Unlock()
}

// SendInitAck (re)sends the Init-ACK for this session.
func (s *Session) SendInitAck() {
	traceDatagram(s.log, "send", s.initAck, LayerTypeInit)
	if err := s.transport.SendTo(s.initAck, s.Params.Peer); err != nil {
		s.log.Warnln("Error writing init ACK:", err)
	}
}

// Start activates the session and runs its transfer until it fails or the
// session is closed. onFailure is called from the transfer goroutine when the
// transfer fails on its own. Starting a closed session does nothing.
func (s *Session) Start(ctx context.Context, onFailure func(*Session, error)) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.onFailure = onFailure
	s.state = Active
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	s.log.Infof("%s of %s started", s.Params.Init.Operation, s.Params.Path)
	start := time.Now()
	if err := s.transfer.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Errorln("Transfer failed:", err)
		s.setState(Closed)
		if s.onFailure != nil {
			s.onFailure(s, &TransferError{Op: s.Params.Init.Operation, Peer: s.Params.Key, Err: err})
		}
		return
	}
	s.setState(Finished)
	s.log.Infof("%s of %s finished in %s", s.Params.Init.Operation, s.Params.Path, time.Since(start).Round(time.Millisecond))

	// Keep the engine answering retransmissions until FIN or reaping.
	s.transfer.Drain(ctx, 0, 0)
}

// Deliver routes one inbound datagram to the session. A repeated copy of the
// session's Init is answered with the Init-ACK instead. Datagrams are dropped
// when the inbox is full or the session is closed.
func (s *Session) Deliver(data []byte) {
	s.mu.Lock()
	s.lastSeen = time.Now()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if !s.confirmed {
		if seg, err := UnmarshalInit(data); err == nil && seg.Equal(s.Params.Init) {
			s.mu.Unlock()
			s.log.Debugln("Repeated init, re-sending init ACK")
			s.SendInitAck()
			return
		}
		s.confirmed = true
	}
	s.mu.Unlock()

	select {
	case s.inbox <- data:
	default:
		s.log.Warnln("Session inbox full, dropping datagram")
	}
}

// IdleFor returns how long the peer has been silent.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen)
}

// Close cancels the transfer, stops the engine and waits up to joinTimeout
// for the session goroutines. File handles are released by the transfer's
// data worker as it exits, or here when the session was never started.
func (s *Session) Close(joinTimeout time.Duration) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		cancel := s.cancel
		s.mu.Unlock()
		if cancel == nil {
			for _, f := range s.files {
				f.Close()
			}
		} else {
			cancel()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(joinTimeout):
			s.log.Warnf("Session did not stop within %s", joinTimeout)
		}
		s.engine.Close()
		s.log.Debugln("Session closed")
	})
}
