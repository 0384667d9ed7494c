package lib

import (
	"context"
	"fmt"
	"time"
)

// StopAndWait is the single-outstanding-segment ARQ engine with 1-bit
// alternating sequence and acknowledgement numbers.
type StopAndWait struct {
	link
	config       *EngineConfig
	seq          uint8 // sequence bit of the next segment to send
	ack          uint8 // sequence bit expected from the peer
	sendAttempts int
	awaitingAck  bool
}

func newStopAndWait(l link, config *EngineConfig) *StopAndWait {
	return &StopAndWait{link: l, config: config}
}

// Send transmits one segment and waits for its acknowledgement, retransmitting
// the same segment on timeout or on a mismatched ACK. Calls must not overlap.
func (sw *StopAndWait) Send(ctx context.Context, payload []byte, eof bool) error {
	frame, err := (&StopAndWaitSegment{Seq: sw.seq, EOF: eof, Payload: payload}).Marshal()
	if err != nil {
		return err
	}

	sw.awaitingAck = true
	defer func() { sw.awaitingAck = false }()

	timer := time.NewTimer(sw.config.Timeout)
	defer timer.Stop()

	for sw.sendAttempts < sw.config.MaxAttempts {
		traceDatagram(sw.log, "send", frame, LayerTypeStopAndWait)
		if err := sw.transport.SendTo(frame, sw.peer); err != nil {
			sw.log.Warnln("Error writing segment:", err)
		}
		sw.sendAttempts++

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sw.config.Timeout)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case datagram, ok := <-sw.inbox:
			if !ok {
				return ErrSessionClosed
			}
			if sw.isAckFor(datagram, sw.seq) {
				sw.sendAttempts = 0
				sw.seq ^= 1
				return nil
			}
		case <-timer.C:
			sw.log.Debugf("Timeout waiting for ACK %d (attempt %d/%d)", sw.seq, sw.sendAttempts, sw.config.MaxAttempts)
		}
	}

	return fmt.Errorf("segment with seq %d not acknowledged after %d attempts: %w", sw.seq, sw.config.MaxAttempts, ErrMaxAttemptsExceeded)
}

// isAckFor reports whether datagram is a valid ACK for seq.
func (sw *StopAndWait) isAckFor(datagram []byte, seq uint8) bool {
	traceDatagram(sw.log, "recv", datagram, LayerTypeStopAndWait)
	seg, err := UnmarshalStopAndWait(datagram)
	if err != nil {
		sw.log.Debugln("Dropping corrupt ACK:", err)
		return false
	}
	if seg.Ack != seq {
		sw.log.Debugf("Duplicate or out-of-order ACK %d, waiting for %d", seg.Ack, seq)
		return false
	}
	return true
}

// ReceiveFile accepts the segment when it carries the expected sequence bit
// and otherwise re-acknowledges the previously accepted one. An ACK is sent
// for every well-formed segment.
func (sw *StopAndWait) ReceiveFile(datagram []byte) (Delivery, error) {
	traceDatagram(sw.log, "recv", datagram, LayerTypeStopAndWait)
	seg, err := UnmarshalStopAndWait(datagram)
	if err != nil {
		return Delivery{}, err
	}

	d := Delivery{EOF: seg.EOF}
	var ackNum uint8
	if seg.Seq == sw.ack {
		ackNum = sw.ack
		sw.ack ^= 1
		d.Chunks = []Chunk{{Data: seg.Payload, EOF: seg.EOF}}
		d.Finished = seg.EOF
	} else {
		sw.log.Debugf("Duplicate segment %d, re-sending ACK %d", seg.Seq, sw.ack^1)
		ackNum = sw.ack ^ 1
		d.Duplicate = true
	}

	ack, err := (&StopAndWaitSegment{Ack: ackNum}).Marshal()
	if err != nil {
		return d, err
	}
	traceDatagram(sw.log, "send", ack, LayerTypeStopAndWait)
	if err := sw.transport.SendTo(ack, sw.peer); err != nil {
		sw.log.Warnln("Error writing ACK:", err)
	}
	return d, nil
}

// HandleAck ignores acknowledgements that arrive while no segment is outstanding.
func (sw *StopAndWait) HandleAck(datagram []byte) error {
	if _, err := UnmarshalStopAndWait(datagram); err != nil {
		return err
	}
	sw.log.Debugln("Ignoring late ACK")
	return nil
}

func (sw *StopAndWait) CheckTimeouts() error {
	return nil
}

func (sw *StopAndWait) Pending() int {
	if sw.awaitingAck {
		return 1
	}
	return 0
}

func (sw *StopAndWait) Close() {}
