package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// TransferError reports a transfer that could not complete.
type TransferError struct {
	Op   Operation
	Peer string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s with %s failed: %v", e.Op, e.Peer, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transfer is one side of a file transfer: a file worker and a protocol
// worker around one engine. The same code runs on clients and, per session,
// on the server.
type Transfer interface {
	// Run moves the whole file and returns once it has been flushed to the
	// sink (download) or fully acknowledged (upload).
	Run(ctx context.Context) error
	// Drain keeps answering the peer after Run, until ctx is done, the inbox
	// is closed, nothing arrived for quiet, or limit elapsed. Zero durations
	// disable the respective bound.
	Drain(ctx context.Context, quiet, limit time.Duration)
}

// Uploader reads a file source and sends it through an engine.
type Uploader struct {
	engine    Engine
	source    FileSource
	inbox     <-chan []byte
	chunkSize int
	poll      time.Duration
	queue     *chunkQueue
	log       *logrus.Entry
}

// NewUploader binds source to engine. inbox delivers the peer's ACK datagrams.
func NewUploader(engine Engine, source FileSource, inbox <-chan []byte, chunkSize int, timeout time.Duration, log *logrus.Entry) *Uploader {
	return &Uploader{
		engine:    engine,
		source:    source,
		inbox:     inbox,
		chunkSize: chunkSize,
		poll:      pollInterval(timeout),
		queue:     newChunkQueue(),
		log:       log,
	}
}

func pollInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout / 4
	}
	return timeout / 4
}

func (u *Uploader) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		u.dataWorker(ctx)
	}()

	err := u.protocolWorker(ctx)
	cancel()
	<-done
	return err
}

// dataWorker reads the file into the chunk queue, ending with an EOF chunk.
func (u *Uploader) dataWorker(ctx context.Context) {
	defer u.source.Close()

	if size, err := u.source.Size(); err == nil {
		u.log.Debugf("Data worker reading %d bytes", size)
	}
	for ctx.Err() == nil {
		data, err := u.source.Read(u.chunkSize)
		if errors.Is(err, io.EOF) {
			u.queue.Push(Chunk{EOF: true})
			return
		}
		if err != nil {
			u.queue.Fail(fmt.Errorf("error reading file: %w", err))
			return
		}
		u.queue.Push(Chunk{Data: data})
	}
}

// protocolWorker sends queued chunks and waits until everything is acknowledged.
func (u *Uploader) protocolWorker(ctx context.Context) error {
	for {
		chunk, err := u.queue.Pop(ctx)
		if err != nil {
			return err
		}
		if err := u.send(ctx, chunk); err != nil {
			return err
		}
		if chunk.EOF {
			break
		}
	}
	for u.engine.Pending() > 0 {
		if err := u.pump(ctx); err != nil {
			return err
		}
	}
	u.log.Debugln("Upload complete")
	return nil
}

func (u *Uploader) send(ctx context.Context, chunk Chunk) error {
	for {
		err := u.engine.Send(ctx, chunk.Data, chunk.EOF)
		if !errors.Is(err, ErrWindowFull) {
			return err
		}
		if err := u.pump(ctx); err != nil {
			return err
		}
	}
}

// pump handles at most one acknowledgement, then runs the timeout sweep.
func (u *Uploader) pump(ctx context.Context) error {
	timer := time.NewTimer(u.poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case datagram, ok := <-u.inbox:
		if !ok {
			return ErrSessionClosed
		}
		if err := u.engine.HandleAck(datagram); err != nil {
			u.log.Debugln("Dropping bad ACK:", err)
		}
	case <-timer.C:
	}
	return u.engine.CheckTimeouts()
}

func (u *Uploader) Drain(ctx context.Context, quiet, limit time.Duration) {
	drainInbox(ctx, u.inbox, quiet, limit, func(datagram []byte) {
		_ = u.engine.HandleAck(datagram)
	})
}

// Downloader receives segments through an engine and appends them to a file sink.
type Downloader struct {
	engine    Engine
	sink      FileSink
	inbox     <-chan []byte
	timeout   time.Duration
	maxSilent int
	pending   [][]byte
	queue     *chunkQueue
	log       *logrus.Entry
}

// NewDownloader binds sink to engine. A positive maxSilent makes Run fail with
// ErrPeerSilent after that many consecutive timeouts without a datagram.
func NewDownloader(engine Engine, sink FileSink, inbox <-chan []byte, timeout time.Duration, maxSilent int, log *logrus.Entry) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Downloader{
		engine:    engine,
		sink:      sink,
		inbox:     inbox,
		timeout:   timeout,
		maxSilent: maxSilent,
		queue:     newChunkQueue(),
		log:       log,
	}
}

// Prepend queues datagrams that were received before Run, in order.
func (d *Downloader) Prepend(datagrams ...[]byte) {
	d.pending = append(d.pending, datagrams...)
}

func (d *Downloader) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dataDone := make(chan error, 1)
	go func() {
		err := d.dataWorker(ctx)
		if err != nil {
			cancel()
		}
		dataDone <- err
	}()

	err := d.protocolWorker(ctx)
	if err != nil {
		d.queue.Fail(err)
	}
	// A failing data worker cancels ctx, so its error is the root cause.
	if dataErr := <-dataDone; dataErr != nil {
		return dataErr
	}
	return err
}

// dataWorker appends chunks to the sink and closes it after the EOF chunk.
func (d *Downloader) dataWorker(ctx context.Context) (err error) {
	defer func() {
		if closeErr := d.sink.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("error closing file: %w", closeErr)
		}
	}()

	for {
		chunk, err := d.queue.Pop(ctx)
		if err != nil {
			return err
		}
		if len(chunk.Data) > 0 {
			if err := d.sink.Append(chunk.Data); err != nil {
				return fmt.Errorf("error writing file: %w", err)
			}
		}
		if chunk.EOF {
			d.log.Debugln("Download complete")
			return nil
		}
	}
}

// protocolWorker feeds datagrams to the engine until every segment up to
// EOF has been delivered.
func (d *Downloader) protocolWorker(ctx context.Context) error {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	silent := 0

	for {
		var datagram []byte
		if len(d.pending) > 0 {
			datagram, d.pending = d.pending[0], d.pending[1:]
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.timeout)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case dg, ok := <-d.inbox:
				if !ok {
					return ErrSessionClosed
				}
				datagram = dg
			case <-timer.C:
				silent++
				if d.maxSilent > 0 && silent >= d.maxSilent {
					return fmt.Errorf("no datagram for %d timeouts: %w", silent, ErrPeerSilent)
				}
				d.log.Debugf("Timeout waiting for data (%d/%d)", silent, d.maxSilent)
				continue
			}
		}
		silent = 0

		delivery, err := d.engine.ReceiveFile(datagram)
		if err != nil {
			d.log.Debugln("Dropping bad segment:", err)
			continue
		}
		for _, chunk := range delivery.Chunks {
			d.queue.Push(chunk)
		}
		if delivery.Finished {
			return nil
		}
	}
}

func (d *Downloader) Drain(ctx context.Context, quiet, limit time.Duration) {
	drainInbox(ctx, d.inbox, quiet, limit, func(datagram []byte) {
		if delivery, err := d.engine.ReceiveFile(datagram); err == nil && len(delivery.Chunks) > 0 {
			d.log.Debugln("Ignoring data after end of file")
		}
	})
}

func drainInbox(ctx context.Context, inbox <-chan []byte, quiet, limit time.Duration, handle func([]byte)) {
	var quietC, limitC <-chan time.Time
	if limit > 0 {
		limitTimer := time.NewTimer(limit)
		defer limitTimer.Stop()
		limitC = limitTimer.C
	}
	var quietTimer *time.Timer
	if quiet > 0 {
		quietTimer = time.NewTimer(quiet)
		defer quietTimer.Stop()
		quietC = quietTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-limitC:
			return
		case <-quietC:
			return
		case datagram, ok := <-inbox:
			if !ok {
				return
			}
			handle(datagram)
			if quietTimer != nil {
				if !quietTimer.Stop() {
					select {
					case <-quietTimer.C:
					default:
					}
				}
				quietTimer.Reset(quiet)
			}
		}
	}
}
