package lib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ServerError is an "ERROR:" reply received from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// ClientConfig holds the client side transfer settings.
type ClientConfig struct {
	Protocol    Protocol
	Engine      *EngineConfig
	InitTimeout time.Duration // wait for the Init-ACK per attempt
	PayloadSize int           // 0 uses the protocol's default
	InboxSize   int
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Protocol:    StopAndWaitProtocol,
		Engine:      DefaultEngineConfig(),
		InitTimeout: DefaultInitTimeout,
		InboxSize:   DefaultInboxSize,
	}
}

// Client runs a single transfer against one server.
type Client struct {
	transport Transport
	server    net.Addr
	config    *ClientConfig
	inbox     chan []byte

	mu          sync.Mutex
	started     bool
	closed      bool
	abort       context.CancelCauseFunc // cancels the running transfer
	closeSignal chan struct{}
	wg          sync.WaitGroup
}

// NewClient creates a client sending to server over transport. The transport
// is owned by the caller.
func NewClient(transport Transport, server net.Addr, config *ClientConfig) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Engine == nil {
		config.Engine = DefaultEngineConfig()
	}
	if config.InitTimeout <= 0 {
		config.InitTimeout = DefaultInitTimeout
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}
	if config.PayloadSize <= 0 {
		config.PayloadSize = config.Protocol.PayloadSize()
	}
	return &Client{
		transport:   transport,
		server:      server,
		config:      config,
		inbox:       make(chan []byte, config.InboxSize),
		closeSignal: make(chan struct{}),
	}
}

// ResolveServer resolves host and port into a UDP address.
func ResolveServer(host string, port int) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
}

// begin starts the reader on first use and registers the cancel function of
// the transfer about to run. A server FIN cancels it with ErrSessionClosed.
func (c *Client) begin(ctx context.Context) (context.Context, context.CancelCauseFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrSessionClosed
	}
	if !c.started {
		c.started = true
		c.wg.Add(1)
		go c.readLoop()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c.abort = cancel
	return ctx, cancel, nil
}

func (c *Client) end(cancel context.CancelCauseFunc) {
	cancel(nil)
	c.mu.Lock()
	c.abort = nil
	c.mu.Unlock()
}

// transferError wraps err, reporting why ctx was cancelled when it was.
func (c *Client) transferError(ctx context.Context, op Operation, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
		err = cause
	}
	return &TransferError{Op: op, Peer: c.server.String(), Err: err}
}

// readLoop forwards datagrams from the server to the inbox.
func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, ReceiveBufferSize)
	for {
		select {
		case <-c.closeSignal:
			return
		default:
		}

		n, addr, err := c.transport.ReceiveFrom(buf, ReadPollInterval)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				continue
			}
			select {
			case <-c.closeSignal:
			default:
				Logger.Errorln("Error reading from socket:", err)
			}
			return
		}
		if !sameAddr(addr, c.server) {
			Logger.Debugf("Ignoring datagram from unexpected peer %s", addr)
			continue
		}
		data := bytes.Clone(buf[:n])
		if IsFin(data) {
			Logger.Infoln("Server closed the session")
			c.mu.Lock()
			if c.abort != nil {
				c.abort(ErrSessionClosed)
			}
			c.mu.Unlock()
			continue
		}
		if IsErrorReply(data) {
			Logger.Warnf("Server replied %q", data)
		}
		select {
		case c.inbox <- data:
		default:
			Logger.Warnln("Client inbox full, dropping datagram")
		}
	}
}

func (c *Client) logger(op Operation) *logrus.Entry {
	return peerLogger(c.server.String(), op, c.config.Protocol)
}

// Upload sends source to the server under name. It takes ownership of source.
func (c *Client) Upload(ctx context.Context, source FileSource, name string) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		source.Close()
		return err
	}
	defer c.end(cancel)
	log := c.logger(OpUpload)

	if _, err := c.handshake(ctx, OpUpload, name, log); err != nil {
		source.Close()
		return err
	}

	engine := NewEngine(c.config.Protocol, c.transport, c.server, c.inbox, c.config.Engine, log)
	defer engine.Close()

	start := time.Now()
	uploader := NewUploader(engine, source, c.inbox, c.config.PayloadSize, c.config.Engine.Timeout, log)
	if err := uploader.Run(ctx); err != nil {
		return c.transferError(ctx, OpUpload, err)
	}
	log.Infof("Uploaded %s in %s", name, time.Since(start).Round(time.Millisecond))
	c.sendFin(log)
	return nil
}

// Download fetches name from the server into sink. It takes ownership of sink.
func (c *Client) Download(ctx context.Context, name string, sink FileSink) error {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		sink.Close()
		return err
	}
	defer c.end(cancel)
	log := c.logger(OpDownload)

	early, err := c.handshake(ctx, OpDownload, name, log)
	if err != nil {
		sink.Close()
		return err
	}

	engine := NewEngine(c.config.Protocol, c.transport, c.server, c.inbox, c.config.Engine, log)
	defer engine.Close()

	start := time.Now()
	timeout := c.config.Engine.Timeout
	downloader := NewDownloader(engine, sink, c.inbox, timeout, c.config.Engine.MaxAttempts, log)
	if early != nil {
		downloader.Prepend(early)
	}
	if err := downloader.Run(ctx); err != nil {
		return c.transferError(ctx, OpDownload, err)
	}
	log.Infof("Downloaded %s in %s", name, time.Since(start).Round(time.Millisecond))

	// Re-acknowledge retransmissions in case our last ACKs were lost.
	downloader.Drain(ctx, 2*timeout, timeout*time.Duration(c.config.Engine.MaxAttempts))
	c.sendFin(log)
	return nil
}

// handshake sends the Init segment until the server answers. For downloads a
// data segment arriving before the Init-ACK stands in for it and is returned
// so that it can be processed first.
func (c *Client) handshake(ctx context.Context, op Operation, name string, log *logrus.Entry) ([]byte, error) {
	frame, err := (&InitSegment{Operation: op, Protocol: c.config.Protocol, Name: name}).Marshal()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.config.InitTimeout)
	defer timer.Stop()

	attempts := c.config.Engine.MaxAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		traceDatagram(log, "send", frame, LayerTypeInit)
		if err := c.transport.SendTo(frame, c.server); err != nil {
			return nil, fmt.Errorf("error sending init: %w", err)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.config.InitTimeout)

	wait:
		for {
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-timer.C:
				log.Debugf("No init ACK (attempt %d/%d)", attempt, attempts)
				break wait
			case datagram := <-c.inbox:
				if IsErrorReply(datagram) {
					return nil, &ServerError{Message: strings.TrimSpace(string(datagram[len(ErrorMessagePrefix):]))}
				}
				if seg, err := UnmarshalInit(datagram); err == nil && seg.Ack {
					traceDatagram(log, "recv", datagram, LayerTypeInit)
					if seg.Operation != op || seg.Protocol != c.config.Protocol {
						return nil, fmt.Errorf("server acknowledged %s over %s, requested %s over %s", seg.Operation, seg.Protocol, op, c.config.Protocol)
					}
					log.Debugln("Session established")
					return nil, nil
				}
				if op == OpDownload && c.isDataSegment(datagram) {
					traceDatagram(log, "recv", datagram, segmentLayerType(c.config.Protocol))
					log.Debugln("Data before init ACK, treating it as the ACK")
					return datagram, nil
				}
				log.Debugln("Ignoring unexpected datagram during handshake")
			}
		}
	}
	return nil, fmt.Errorf("no answer to init after %d attempts: %w", attempts, ErrPeerSilent)
}

func (c *Client) isDataSegment(datagram []byte) bool {
	var err error
	if c.config.Protocol == SelectiveRepeatProtocol {
		_, err = UnmarshalSelectiveRepeat(datagram)
	} else {
		_, err = UnmarshalStopAndWait(datagram)
	}
	return err == nil
}

func (c *Client) sendFin(log *logrus.Entry) {
	log.Debugln("Sending FIN")
	if err := c.transport.SendTo(FinMessage, c.server); err != nil {
		log.Warnln("Error sending FIN:", err)
	}
}

// Close stops the client's reader goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeSignal)
	c.mu.Unlock()
	c.wg.Wait()
}
