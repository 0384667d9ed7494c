package lib

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// packetInfo represents information about a sent segment
type packetInfo struct {
	lastSentTime time.Time // time the segment was last sent
	resendCount  int       // number of times the segment has been resent
	acked        bool
	data         *segmentBuffer
}

// SelectiveRepeat is the sliding-window ARQ engine. The sender keeps a window
// of unacknowledged segments with independent timers; the receiver keeps a
// cumulative delivery pointer plus a sparse reorder buffer.
type SelectiveRepeat struct {
	link
	config *EngineConfig

	mu          sync.Mutex
	sendBase    uint16                 // oldest unacknowledged sequence number
	nextSeqNum  uint16                 // next sequence number to assign
	outstanding map[uint16]*packetInfo // sent but not yet cumulatively acknowledged
	fatal       error                  // set when a segment exhausted its attempts

	expectedSeqNum uint16
	recvBuffer     map[uint16]*SelectiveRepeatSegment // segments received ahead of expectedSeqNum
	finalSeqNum    uint16
	finalSeen      bool

	timerOnce   sync.Once
	closeOnce   sync.Once
	closeSignal chan struct{}
	wg          sync.WaitGroup
}

func newSelectiveRepeat(l link, config *EngineConfig) *SelectiveRepeat {
	if config.WindowSize == 0 {
		config.WindowSize = DefaultWindowSize
	}
	return &SelectiveRepeat{
		link:        l,
		config:      config,
		outstanding: make(map[uint16]*packetInfo),
		recvBuffer:  make(map[uint16]*SelectiveRepeatSegment),
		closeSignal: make(chan struct{}),
	}
}

// Send transmits payload as the next segment if the window has room. When the
// window is full it only runs a timeout sweep and returns ErrWindowFull.
func (sr *SelectiveRepeat) Send(ctx context.Context, payload []byte, eof bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sr.timerOnce.Do(sr.startResendTimer)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.fatal != nil {
		return sr.fatal
	}
	if seqDistance(sr.nextSeqNum, sr.sendBase) >= sr.config.WindowSize {
		sr.checkTimeoutsLocked(time.Now())
		if sr.fatal != nil {
			return sr.fatal
		}
		return ErrWindowFull
	}

	seg := &SelectiveRepeatSegment{
		EOF:     eof,
		Seq:     sr.nextSeqNum,
		Window:  sr.config.WindowSize,
		Payload: payload,
	}
	frame, err := seg.Marshal()
	if err != nil {
		return err
	}
	buf := newSegmentBuffer(frame)
	sr.outstanding[seg.Seq] = &packetInfo{lastSentTime: time.Now(), data: buf}

	traceDatagram(sr.log, "send", buf.Bytes(), LayerTypeSelectiveRepeat)
	if err := sr.transport.SendTo(buf.Bytes(), sr.peer); err != nil {
		sr.log.Warnln("Error writing segment:", err)
	}
	sr.nextSeqNum = SeqIncrement(sr.nextSeqNum)
	return nil
}

// HandleAck marks the acknowledged segment and slides sendBase over every
// contiguously acknowledged segment.
func (sr *SelectiveRepeat) HandleAck(datagram []byte) error {
	traceDatagram(sr.log, "recv", datagram, LayerTypeSelectiveRepeat)
	seg, err := UnmarshalSelectiveRepeat(datagram)
	if err != nil {
		return err
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	info, ok := sr.outstanding[seg.Ack]
	if !ok || !inWindow(seg.Ack, sr.sendBase, seqDistance(sr.nextSeqNum, sr.sendBase)) {
		sr.log.Debugf("Ignoring ACK %d outside window [%d, %d)", seg.Ack, sr.sendBase, sr.nextSeqNum)
		return nil
	}
	info.acked = true

	for sr.sendBase != sr.nextSeqNum {
		info, ok := sr.outstanding[sr.sendBase]
		if !ok || !info.acked {
			break
		}
		info.data.Release()
		delete(sr.outstanding, sr.sendBase)
		sr.sendBase = SeqIncrement(sr.sendBase)
	}
	return nil
}

// CheckTimeouts retransmits every unacknowledged segment whose timer expired.
func (sr *SelectiveRepeat) CheckTimeouts() error {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.checkTimeoutsLocked(time.Now())
	return sr.fatal
}

func (sr *SelectiveRepeat) checkTimeoutsLocked(now time.Time) {
	if sr.fatal != nil {
		return
	}
	for seq := sr.sendBase; seq != sr.nextSeqNum; seq = SeqIncrement(seq) {
		info, ok := sr.outstanding[seq]
		if !ok || info.acked || now.Sub(info.lastSentTime) <= sr.config.Timeout {
			continue
		}
		if info.resendCount+1 >= sr.config.MaxAttempts {
			sr.fatal = fmt.Errorf("segment with seq %d not acknowledged after %d attempts: %w", seq, sr.config.MaxAttempts, ErrMaxAttemptsExceeded)
			return
		}
		sr.log.Debugf("Timeout, resending seq %d", seq)
		if err := sr.transport.SendTo(info.data.Bytes(), sr.peer); err != nil {
			sr.log.Warnln("Error writing segment:", err)
		}
		info.lastSentTime = now
		info.resendCount++
	}
}

// startResendTimer runs the retransmission sweep in the background until Close.
func (sr *SelectiveRepeat) startResendTimer() {
	interval := sr.config.Timeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	sr.wg.Add(1)
	go func() {
		defer sr.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sr.closeSignal:
				return
			case now := <-ticker.C:
				sr.mu.Lock()
				sr.checkTimeoutsLocked(now)
				sr.mu.Unlock()
			}
		}
	}()
}

// ReceiveFile buffers or delivers one data segment and acknowledges its seq.
func (sr *SelectiveRepeat) ReceiveFile(datagram []byte) (Delivery, error) {
	traceDatagram(sr.log, "recv", datagram, LayerTypeSelectiveRepeat)
	seg, err := UnmarshalSelectiveRepeat(datagram)
	if err != nil {
		return Delivery{}, err
	}

	sr.mu.Lock()
	d := Delivery{EOF: seg.EOF}
	if seg.EOF && !sr.finalSeen {
		sr.finalSeen = true
		sr.finalSeqNum = seg.Seq
	}

	switch {
	case seg.Seq == sr.expectedSeqNum:
		d.Chunks = append(d.Chunks, Chunk{Data: seg.Payload, EOF: seg.EOF})
		sr.expectedSeqNum = SeqIncrement(sr.expectedSeqNum)
		for {
			next, ok := sr.recvBuffer[sr.expectedSeqNum]
			if !ok {
				break
			}
			delete(sr.recvBuffer, sr.expectedSeqNum)
			d.Chunks = append(d.Chunks, Chunk{Data: next.Payload, EOF: next.EOF})
			sr.expectedSeqNum = SeqIncrement(sr.expectedSeqNum)
		}
	case isGreater(seg.Seq, sr.expectedSeqNum):
		if _, ok := sr.recvBuffer[seg.Seq]; ok {
			d.Duplicate = true
		} else {
			sr.recvBuffer[seg.Seq] = seg
		}
	default:
		d.Duplicate = true
		sr.log.Debugf("Duplicate seq %d, expecting %d", seg.Seq, sr.expectedSeqNum)
	}

	d.Finished = sr.finalSeen && isLess(sr.finalSeqNum, sr.expectedSeqNum) && len(sr.recvBuffer) == 0
	sr.mu.Unlock()

	ack, err := (&SelectiveRepeatSegment{Ack: seg.Seq, Window: sr.config.WindowSize}).Marshal()
	if err != nil {
		return d, err
	}
	traceDatagram(sr.log, "send", ack, LayerTypeSelectiveRepeat)
	if err := sr.transport.SendTo(ack, sr.peer); err != nil {
		sr.log.Warnln("Error writing ACK:", err)
	}
	return d, nil
}

func (sr *SelectiveRepeat) Pending() int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.outstanding)
}

// Close stops the retransmission timer and drops unacknowledged state.
func (sr *SelectiveRepeat) Close() {
	sr.closeOnce.Do(func() {
		close(sr.closeSignal)
		sr.wg.Wait()

		sr.mu.Lock()
		defer sr.mu.Unlock()
		for seq, info := range sr.outstanding {
			info.data.Release()
			delete(sr.outstanding, seq)
		}
		sr.recvBuffer = make(map[uint16]*SelectiveRepeatSegment)
	})
}
