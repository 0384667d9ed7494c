package lib

import (
	"path/filepath"
	"testing"
	"time"
)

func startGateway(t *testing.T, target *testServer, rate float64) *DropGateway {
	t.Helper()
	front, err := ListenUDP("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	gw := NewDropGateway(front, target.addr, rate, 3, time.Minute)
	served := make(chan error, 1)
	go func() { served <- gw.Serve() }()
	t.Cleanup(func() {
		gw.Close()
		if err := <-served; err != nil {
			t.Errorf("Serve: %v", err)
		}
		front.Close()
	})
	return gw
}

func TestGatewayRelaysTransfers(t *testing.T) {
	for _, proto := range []Protocol{StopAndWaitProtocol, SelectiveRepeatProtocol} {
		t.Run(proto.String(), func(t *testing.T) {
			srv := startServer(t, nil, nil)
			gw := startGateway(t, srv, 0.1)
			client := newTestClient(t, gw.front.LocalAddr(), proto, nil)

			src, data := writeTestFile(t, t.TempDir(), "relayed.bin", 20000)
			if err := upload(t, client, src, "relayed.bin"); err != nil {
				t.Fatal(err)
			}
			waitForFile(t, filepath.Join(srv.storage, "relayed.bin"), data)
		})
	}
}

func TestGatewayRouteExpires(t *testing.T) {
	srv := startServer(t, nil, nil)
	front, err := ListenUDP("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer front.Close()
	gw := NewDropGateway(front, srv.addr, 0, 0, 50*time.Millisecond)
	go gw.Serve()
	defer gw.Close()

	peer := rawPeer(t)
	frame, _ := (&InitSegment{Operation: OpUpload, Name: "x.bin"}).Marshal()
	if err := peer.SendTo(frame, front.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	reply, err := UnmarshalInit(receive(t, peer))
	if err != nil || !reply.Ack {
		t.Fatalf("Init-ACK through gateway: %+v, %v", reply, err)
	}

	routes := func() int {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.routes)
	}
	if routes() != 1 {
		t.Fatalf("routes = %d, want 1", routes())
	}
	waitFor(t, "idle route to close", func() bool { return routes() == 0 })
}

func TestGatewayCloseDuringTraffic(t *testing.T) {
	srv := startServer(t, nil, nil)
	front, err := ListenUDP("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer front.Close()
	gw := NewDropGateway(front, srv.addr, 0, 0, time.Minute)
	served := make(chan error, 1)
	go func() { served <- gw.Serve() }()

	stop := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for {
			select {
			case <-stop:
				return
			default:
			}
			peer, err := ListenUDP("127.0.0.1", 0)
			if err != nil {
				return
			}
			peer.SendTo(FinMessage, front.LocalAddr())
			peer.Close()
		}
	}()

	time.Sleep(100 * time.Millisecond)
	closed := make(chan struct{})
	go func() {
		gw.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while clients kept arriving")
	}
	close(stop)
	<-sent
	if err := <-served; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
