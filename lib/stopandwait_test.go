package lib

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// swPair wires a Stop-and-Wait sender on "a" to a receiver on "b". The
// receiver runs in its own goroutine and appends delivered chunks to sink.
type swPair struct {
	sender   *StopAndWait
	receiver *StopAndWait
	sink     *memSink
	finished chan struct{}
	a, b     *memTransport
}

func newSwPair(t *testing.T, dropA, dropB []int) *swPair {
	t.Helper()
	network := newMemNetwork()
	p := &swPair{
		a:        network.endpoint("a"),
		b:        network.endpoint("b"),
		sink:     &memSink{},
		finished: make(chan struct{}),
	}
	sendA := NewLossyTransport(p.a, 0, 1).DropSends(dropA...)
	sendB := NewLossyTransport(p.b, 0, 1).DropSends(dropB...)
	p.sender = NewEngine(StopAndWaitProtocol, sendA, memAddr("b"), feed(p.a), testEngineConfig(), nil).(*StopAndWait)

	receiverIn := feed(p.b)
	p.receiver = NewEngine(StopAndWaitProtocol, sendB, memAddr("a"), receiverIn, testEngineConfig(), nil).(*StopAndWait)
	go func() {
		for dg := range receiverIn {
			d, err := p.receiver.ReceiveFile(dg)
			if err != nil {
				continue
			}
			for _, c := range d.Chunks {
				p.sink.Append(c.Data)
			}
			if d.Finished {
				close(p.finished)
				return
			}
		}
	}()
	t.Cleanup(func() {
		p.a.Close()
		p.b.Close()
	})
	return p
}

func TestStopAndWaitDeliversInOrder(t *testing.T) {
	p := newSwPair(t, nil, nil)
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three"), {}, []byte("five")}

	var want []byte
	for i, payload := range payloads {
		before := p.sender.seq
		if err := p.sender.Send(context.Background(), payload, i == len(payloads)-1); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if p.sender.seq != before^1 {
			t.Fatalf("Send %d: seq did not alternate (%d -> %d)", i, before, p.sender.seq)
		}
		want = append(want, payload...)
	}

	select {
	case <-p.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never finished")
	}
	if got := p.sink.bytes(); !bytes.Equal(got, want) {
		t.Errorf("sink = %q, want %q", got, want)
	}
	if p.sender.Pending() != 0 {
		t.Error("sender still has a pending segment")
	}
}

func TestStopAndWaitSurvivesConsecutiveDrops(t *testing.T) {
	// The first three copies of segment 0 are lost, then the first two ACKs.
	p := newSwPair(t, []int{0, 1, 2}, []int{0, 1})

	payloads := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	var want []byte
	for i, payload := range payloads {
		before := p.sender.seq
		if err := p.sender.Send(context.Background(), payload, i == len(payloads)-1); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		if p.sender.seq != before^1 {
			t.Fatalf("Send %d: seq flipped more than once", i)
		}
		want = append(want, payload...)
	}

	select {
	case <-p.finished:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never finished")
	}
	if got := p.sink.bytes(); !bytes.Equal(got, want) {
		t.Errorf("sink = %q, want %q", got, want)
	}
}

func TestStopAndWaitMaxAttempts(t *testing.T) {
	network := newMemNetwork()
	a := network.endpoint("a")
	defer a.Close()
	lossy := NewLossyTransport(a, 0, 1)

	config := &EngineConfig{Timeout: 10 * time.Millisecond, MaxAttempts: 3}
	sender := NewEngine(StopAndWaitProtocol, lossy, memAddr("nowhere"), make(chan []byte), config, nil)

	err := sender.Send(context.Background(), []byte("lost"), false)
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("got %v, want ErrMaxAttemptsExceeded", err)
	}
	if lossy.count != 3 {
		t.Errorf("transmitted %d times, want 3", lossy.count)
	}
}

func TestStopAndWaitSendHonoursContext(t *testing.T) {
	network := newMemNetwork()
	a := network.endpoint("a")
	defer a.Close()
	sender := NewEngine(StopAndWaitProtocol, a, memAddr("nowhere"), make(chan []byte), testEngineConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sender.Send(ctx, []byte("x"), false); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	inbox := make(chan []byte)
	close(inbox)
	sender = NewEngine(StopAndWaitProtocol, a, memAddr("nowhere"), inbox, testEngineConfig(), nil)
	if err := sender.Send(context.Background(), []byte("x"), false); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("got %v, want ErrSessionClosed", err)
	}
}

func TestStopAndWaitReceiveIsIdempotent(t *testing.T) {
	network := newMemNetwork()
	a := network.endpoint("a")
	b := network.endpoint("b")
	defer a.Close()
	defer b.Close()
	receiver := NewEngine(StopAndWaitProtocol, b, memAddr("a"), nil, testEngineConfig(), nil).(*StopAndWait)

	nextAck := func() *StopAndWaitSegment {
		t.Helper()
		buf := make([]byte, ReceiveBufferSize)
		n, _, err := a.ReceiveFrom(buf, time.Second)
		if err != nil {
			t.Fatalf("no ACK: %v", err)
		}
		seg, err := UnmarshalStopAndWait(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		return seg
	}

	seg0, _ := (&StopAndWaitSegment{Seq: 0, Payload: []byte("first")}).Marshal()
	seg1, _ := (&StopAndWaitSegment{Seq: 1, EOF: true, Payload: []byte("last")}).Marshal()

	d, err := receiver.ReceiveFile(seg0)
	if err != nil || d.Duplicate || len(d.Chunks) != 1 || d.Finished {
		t.Fatalf("first delivery: %+v, %v", d, err)
	}
	if ack := nextAck(); ack.Ack != 0 {
		t.Errorf("ACK = %d, want 0", ack.Ack)
	}

	d, err = receiver.ReceiveFile(seg0)
	if err != nil || !d.Duplicate || len(d.Chunks) != 0 {
		t.Fatalf("redelivery: %+v, %v", d, err)
	}
	if receiver.ack != 1 {
		t.Errorf("expected bit advanced on duplicate: %d", receiver.ack)
	}
	if ack := nextAck(); ack.Ack != 0 {
		t.Errorf("duplicate re-ACK = %d, want 0", ack.Ack)
	}

	d, err = receiver.ReceiveFile(seg1)
	if err != nil || d.Duplicate || !d.EOF || !d.Finished || string(d.Chunks[0].Data) != "last" {
		t.Fatalf("final delivery: %+v, %v", d, err)
	}
	if ack := nextAck(); ack.Ack != 1 {
		t.Errorf("ACK = %d, want 1", ack.Ack)
	}

	corrupt := bytes.Clone(seg1)
	corrupt[len(corrupt)-1] ^= 0xff
	if _, err := receiver.ReceiveFile(corrupt); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("corrupt segment: got %v", err)
	}
	buf := make([]byte, ReceiveBufferSize)
	if _, _, err := a.ReceiveFrom(buf, 50*time.Millisecond); !errors.Is(err, ErrWouldBlock) {
		t.Errorf("corrupt segment was acknowledged: %v", err)
	}
}
