package lib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// ServerConfig holds the dispatcher settings.
type ServerConfig struct {
	StoragePath string
	Engine      *EngineConfig
	PayloadSize int           // 0 uses the protocol's default
	InboxSize   int           // per-session inbound queue
	IdleTimeout time.Duration // sessions silent for longer are reaped
	JoinTimeout time.Duration // bound on waiting for a closed session's goroutines
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		StoragePath: ".",
		Engine:      DefaultEngineConfig(),
		InboxSize:   DefaultInboxSize,
		IdleTimeout: DefaultIdleTimeout,
		JoinTimeout: DefaultJoinTimeout,
	}
}

// FileServer owns the listening transport and demultiplexes datagrams to
// per-peer sessions.
type FileServer struct {
	transport Transport
	config    *ServerConfig

	mu       sync.Mutex // guards sessions and lanes, covering both lookup and insertion
	sessions map[string]*Session
	lanes    map[string]*peerLane
	closed   bool // set under mu by Close; no wg.Add happens afterwards

	ctx         context.Context
	cancel      context.CancelFunc
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup // handler goroutines and the reaper
}

// peerLane queues one peer's datagrams for its handler so that they are
// handled in arrival order. At most one handler runs per lane.
type peerLane struct {
	addr    net.Addr
	pending [][]byte
}

// NewFileServer creates a server storing files under config.StoragePath,
// creating the directory if needed.
func NewFileServer(transport Transport, config *ServerConfig) (*FileServer, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if err := os.MkdirAll(config.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("error creating storage directory: %w", err)
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FileServer{
		transport:   transport,
		config:      config,
		sessions:    make(map[string]*Session),
		lanes:       make(map[string]*peerLane),
		ctx:         ctx,
		cancel:      cancel,
		closeSignal: make(chan struct{}),
	}, nil
}

// Addr returns the local address the server is listening on.
func (s *FileServer) Addr() net.Addr {
	return s.transport.LocalAddr()
}

// Serve reads datagrams until Close is called and queues each one on its
// peer's lane. Lanes run concurrently, but one peer's datagrams are handled
// in arrival order.
func (s *FileServer) Serve() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.reapIdleSessions()

	Logger.Infof("Listening on %s, storing files in %s", s.transport.LocalAddr(), s.config.StoragePath)
	buf := make([]byte, ReceiveBufferSize)
	for {
		select {
		case <-s.closeSignal:
			return nil
		default:
		}

		n, addr, err := s.transport.ReceiveFrom(buf, ReadPollInterval)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			select {
			case <-s.closeSignal:
				return nil
			default:
			}
			return fmt.Errorf("error reading from socket: %w", err)
		}
		if !s.dispatch(bytes.Clone(buf[:n]), addr) {
			return nil
		}
	}
}

// dispatch queues data on its peer's lane, starting a handler goroutine for
// the lane when none is running. It returns false once the server is closed.
func (s *FileServer) dispatch(data []byte, addr net.Addr) bool {
	key := addr.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if lane, ok := s.lanes[key]; ok {
		lane.pending = append(lane.pending, data)
		return true
	}
	lane := &peerLane{addr: addr, pending: [][]byte{data}}
	s.lanes[key] = lane
	s.wg.Add(1)
	go s.runLane(key, lane)
	return true
}

// runLane handles a peer's datagrams in order until its lane is empty.
func (s *FileServer) runLane(key string, lane *peerLane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(lane.pending) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		data := lane.pending[0]
		lane.pending[0] = nil
		lane.pending = lane.pending[1:]
		s.mu.Unlock()

		s.handleDatagram(data, lane.addr)
	}
}

// handleDatagram processes one inbound datagram. A panic is answered with an
// error reply and does not affect other peers.
func (s *FileServer) handleDatagram(data []byte, addr net.Addr) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Panic while handling datagram from %s: %v", addr, r)
			s.replyError(addr, "Internal server error")
		}
	}()

	key := addr.String()
	if IsFin(data) {
		s.closeSession(key, "FIN received")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if session, ok := s.sessions[key]; ok {
		s.mu.Unlock()
		session.Deliver(data)
		return
	}
	session, reason := s.openSession(key, addr, data)
	if session == nil {
		s.mu.Unlock()
		Logger.Warnf("Rejecting %s: %s", key, reason)
		s.replyError(addr, reason)
		return
	}
	s.sessions[key] = session
	s.mu.Unlock()

	session.SendInitAck()
	session.Start(s.ctx, s.sessionFailed)
}

// openSession validates an Init from a new peer and opens its file. It returns
// a nil session and the reason to report to the peer on failure.
func (s *FileServer) openSession(key string, addr net.Addr, data []byte) (*Session, string) {
	seg, err := UnmarshalInit(data)
	if err != nil {
		Logger.Debugf("Invalid init from %s: %v", key, err)
		return nil, "Invalid init segment"
	}
	if seg.Ack {
		return nil, "Unexpected init ACK"
	}
	path, err := StoragePath(s.config.StoragePath, seg.Name)
	if err != nil {
		return nil, "Invalid file name"
	}

	params := &SessionParams{
		Key:         key,
		Peer:        addr,
		Init:        seg,
		Path:        path,
		PayloadSize: s.config.PayloadSize,
		InboxSize:   s.config.InboxSize,
	}
	var (
		source FileSource
		sink   FileSink
	)
	switch seg.Operation {
	case OpUpload:
		sink, err = CreateFileSink(path)
		if err != nil {
			Logger.Warnf("Error creating %s: %v", path, err)
			return nil, "Cannot create file"
		}
	default:
		source, err = OpenFileSource(path)
		if err != nil {
			Logger.Debugf("Error opening %s: %v", path, err)
			return nil, "File not found"
		}
	}

	session, err := newSession(s.transport, params, s.config.Engine, source, sink)
	if err != nil {
		if source != nil {
			source.Close()
		}
		if sink != nil {
			sink.Close()
		}
		return nil, "Internal server error"
	}
	Logger.Infof("New %s session from %s for %s (%s)", seg.Operation, key, seg.Name, seg.Protocol)
	return session, ""
}

func (s *FileServer) replyError(addr net.Addr, reason string) {
	if err := s.transport.SendTo(ErrorReply(reason), addr); err != nil {
		Logger.Warnln("Error writing error reply:", err)
	}
}

// closeSession removes the session for key from the table and closes it.
func (s *FileServer) closeSession(key, why string) {
	s.mu.Lock()
	session, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if !ok {
		Logger.Debugf("%s for unknown peer %s", why, key)
		return
	}
	Logger.Infof("Closing session %s: %s", key, why)
	session.Close(s.config.JoinTimeout)
}

// sessionFailed is called from a session's transfer goroutine.
func (s *FileServer) sessionFailed(session *Session, err error) {
	Logger.Warnln(err)
	s.mu.Lock()
	if s.closed {
		// Close owns every session that was in the table.
		s.mu.Unlock()
		return
	}
	if s.sessions[session.Params.Key] == session {
		delete(s.sessions, session.Params.Key)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	// Close waits for the calling goroutine, so it cannot run here.
	go func() {
		defer s.wg.Done()
		session.Close(s.config.JoinTimeout)
	}()
}

func (s *FileServer) reapIdleSessions() {
	defer s.wg.Done()

	interval := s.config.IdleTimeout / 2
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeSignal:
			return
		case now := <-ticker.C:
			var idle []string
			s.mu.Lock()
			for key, session := range s.sessions {
				if session.IdleFor(now) > s.config.IdleTimeout {
					idle = append(idle, key)
				}
			}
			s.mu.Unlock()
			for _, key := range idle {
				s.closeSession(key, "idle timeout")
			}
		}
	}
}

// SessionCount returns the number of sessions in the table.
func (s *FileServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Session returns the session for a peer address, if any.
func (s *FileServer) Session(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[key]
	return session, ok
}

// Close stops Serve, closes every session and waits for handler goroutines.
// The transport is left open for its owner to close.
func (s *FileServer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.closeSignal)
		sessions := s.sessions
		s.sessions = make(map[string]*Session)
		s.mu.Unlock()
		s.cancel()

		for _, session := range sessions {
			session.Close(s.config.JoinTimeout)
		}
		s.wg.Wait()
		Logger.Infoln("Server closed")
	})
}
