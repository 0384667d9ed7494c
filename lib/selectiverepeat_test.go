package lib

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func srFrame(t *testing.T, seq uint16, eof bool, payload string) []byte {
	t.Helper()
	data, err := (&SelectiveRepeatSegment{EOF: eof, Seq: seq, Window: 4, Payload: []byte(payload)}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func srAck(t *testing.T, ack uint16) []byte {
	t.Helper()
	data, err := (&SelectiveRepeatSegment{Ack: ack, Window: 4}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newSrReceiver(t *testing.T) (*SelectiveRepeat, *memTransport) {
	t.Helper()
	network := newMemNetwork()
	a := network.endpoint("a")
	b := network.endpoint("b")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	receiver := NewEngine(SelectiveRepeatProtocol, b, memAddr("a"), nil, testEngineConfig(), nil).(*SelectiveRepeat)
	t.Cleanup(receiver.Close)
	return receiver, a
}

func TestSelectiveRepeatReordering(t *testing.T) {
	receiver, peer := newSrReceiver(t)

	var delivered []string
	order := []struct {
		seq uint16
		eof bool
	}{{2, false}, {0, false}, {1, false}, {3, true}}

	for i, o := range order {
		d, err := receiver.ReceiveFile(srFrame(t, o.seq, o.eof, fmt.Sprint(o.seq)))
		if err != nil {
			t.Fatalf("seq %d: %v", o.seq, err)
		}
		if d.Duplicate {
			t.Fatalf("seq %d reported as duplicate", o.seq)
		}
		for _, c := range d.Chunks {
			delivered = append(delivered, string(c.Data))
		}
		if last := i == len(order)-1; d.Finished != last {
			t.Fatalf("after seq %d: finished = %t", o.seq, d.Finished)
		}

		buf := make([]byte, ReceiveBufferSize)
		n, _, err := peer.ReceiveFrom(buf, time.Second)
		if err != nil {
			t.Fatalf("no ACK for seq %d: %v", o.seq, err)
		}
		ack, err := UnmarshalSelectiveRepeat(buf[:n])
		if err != nil || ack.Ack != o.seq {
			t.Fatalf("ACK for seq %d: %+v, %v", o.seq, ack, err)
		}
	}

	if fmt.Sprint(delivered) != "[0 1 2 3]" {
		t.Errorf("delivered %v, want [0 1 2 3]", delivered)
	}
}

func TestSelectiveRepeatDuplicates(t *testing.T) {
	receiver, _ := newSrReceiver(t)

	if d, _ := receiver.ReceiveFile(srFrame(t, 1, false, "b")); d.Duplicate || len(d.Chunks) != 0 {
		t.Fatalf("buffered segment: %+v", d)
	}
	if d, _ := receiver.ReceiveFile(srFrame(t, 1, false, "b")); !d.Duplicate {
		t.Fatal("re-buffered segment not reported as duplicate")
	}
	if d, _ := receiver.ReceiveFile(srFrame(t, 0, false, "a")); len(d.Chunks) != 2 {
		t.Fatalf("in-order segment did not drain the buffer: %+v", d)
	}
	if d, _ := receiver.ReceiveFile(srFrame(t, 0, false, "a")); !d.Duplicate || len(d.Chunks) != 0 {
		t.Fatal("delivered segment not reported as duplicate")
	}
}

func TestSelectiveRepeatFinishedWaitsForGaps(t *testing.T) {
	receiver, _ := newSrReceiver(t)

	d, _ := receiver.ReceiveFile(srFrame(t, 1, true, "end"))
	if !d.EOF || d.Finished {
		t.Fatalf("EOF ahead of a gap: %+v", d)
	}
	d, _ = receiver.ReceiveFile(srFrame(t, 0, false, "start"))
	if !d.Finished || len(d.Chunks) != 2 || !d.Chunks[1].EOF {
		t.Fatalf("gap filled: %+v", d)
	}
}

func TestSelectiveRepeatReceiveAcrossWrap(t *testing.T) {
	receiver, _ := newSrReceiver(t)
	receiver.expectedSeqNum = 65534

	var delivered []string
	for _, seq := range []uint16{0, 65535, 65534, 1} {
		d, err := receiver.ReceiveFile(srFrame(t, seq, seq == 1, fmt.Sprint(seq)))
		if err != nil {
			t.Fatal(err)
		}
		if d.Duplicate {
			t.Fatalf("seq %d reported as duplicate", seq)
		}
		for _, c := range d.Chunks {
			delivered = append(delivered, string(c.Data))
		}
		if d.Finished != (seq == 1) {
			t.Fatalf("after seq %d: finished = %t", seq, d.Finished)
		}
	}
	if fmt.Sprint(delivered) != "[65534 65535 0 1]" {
		t.Errorf("delivered %v", delivered)
	}
}

func newSrSender(t *testing.T, config *EngineConfig) (*SelectiveRepeat, *LossyTransport) {
	t.Helper()
	network := newMemNetwork()
	a := network.endpoint("a")
	t.Cleanup(func() { a.Close() })
	lossy := NewLossyTransport(a, 0, 1)
	sender := NewEngine(SelectiveRepeatProtocol, lossy, memAddr("nowhere"), nil, config, nil).(*SelectiveRepeat)
	t.Cleanup(sender.Close)
	return sender, lossy
}

func TestSelectiveRepeatWindowBound(t *testing.T) {
	sender, _ := newSrSender(t, &EngineConfig{Timeout: time.Minute, MaxAttempts: 10, WindowSize: 4})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := sender.Send(ctx, []byte{byte(i)}, false); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := sender.Send(ctx, []byte{4}, false); !errors.Is(err, ErrWindowFull) {
		t.Fatalf("fifth Send: got %v, want ErrWindowFull", err)
	}
	if sender.Pending() != 4 {
		t.Fatalf("Pending = %d, want 4", sender.Pending())
	}

	// Out of order ACKs do not slide the window past the oldest segment.
	for _, ack := range []uint16{1, 3} {
		if err := sender.HandleAck(srAck(t, ack)); err != nil {
			t.Fatal(err)
		}
	}
	if err := sender.Send(ctx, []byte{4}, false); !errors.Is(err, ErrWindowFull) {
		t.Fatalf("Send with base unacked: got %v, want ErrWindowFull", err)
	}

	if err := sender.HandleAck(srAck(t, 0)); err != nil {
		t.Fatal(err)
	}
	if sender.sendBase != 2 || sender.Pending() != 2 {
		t.Fatalf("sendBase = %d, Pending = %d, want 2, 2", sender.sendBase, sender.Pending())
	}
	for i := 0; i < 2; i++ {
		if err := sender.Send(ctx, []byte{byte(4 + i)}, false); err != nil {
			t.Fatalf("Send after slide: %v", err)
		}
	}
	if err := sender.Send(ctx, []byte{6}, false); !errors.Is(err, ErrWindowFull) {
		t.Fatalf("got %v, want ErrWindowFull", err)
	}
	if sender.Pending() > 4 {
		t.Fatalf("Pending = %d exceeds the window", sender.Pending())
	}

	// ACKs outside the window are ignored.
	if err := sender.HandleAck(srAck(t, 100)); err != nil {
		t.Fatal(err)
	}
	if sender.Pending() != 4 {
		t.Fatalf("Pending = %d after stray ACK", sender.Pending())
	}
}

func TestSelectiveRepeatSendAcrossWrap(t *testing.T) {
	sender, _ := newSrSender(t, &EngineConfig{Timeout: time.Minute, MaxAttempts: 10, WindowSize: 4})
	sender.sendBase, sender.nextSeqNum = 65534, 65534

	for i := 0; i < 4; i++ {
		if err := sender.Send(context.Background(), []byte{byte(i)}, i == 3); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for _, ack := range []uint16{1, 0, 65535, 65534} {
		if err := sender.HandleAck(srAck(t, ack)); err != nil {
			t.Fatal(err)
		}
	}
	if sender.Pending() != 0 || sender.sendBase != 2 {
		t.Fatalf("Pending = %d, sendBase = %d", sender.Pending(), sender.sendBase)
	}
}

func TestSelectiveRepeatRetransmitsUntilMaxAttempts(t *testing.T) {
	sender, lossy := newSrSender(t, &EngineConfig{Timeout: 10 * time.Millisecond, MaxAttempts: 3, WindowSize: 4})

	if err := sender.Send(context.Background(), []byte("x"), true); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for err == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		err = sender.CheckTimeouts()
	}
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("got %v, want ErrMaxAttemptsExceeded", err)
	}
	lossy.mu.Lock()
	sent := lossy.count
	lossy.mu.Unlock()
	if sent != 3 {
		t.Errorf("transmitted %d times, want 3", sent)
	}
	if err := sender.Send(context.Background(), []byte("y"), false); !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Errorf("Send after failure: got %v", err)
	}
}

func TestSelectiveRepeatCloseReleasesState(t *testing.T) {
	InitPool(DefaultPoolSize, DatagramSize, false)
	sender, _ := newSrSender(t, &EngineConfig{Timeout: time.Minute, MaxAttempts: 10, WindowSize: 4})

	for i := 0; i < 3; i++ {
		if err := sender.Send(context.Background(), []byte("data"), false); err != nil {
			t.Fatal(err)
		}
	}
	sender.Close()
	if sender.Pending() != 0 {
		t.Fatalf("Pending = %d after Close", sender.Pending())
	}
	sender.Close()
}
