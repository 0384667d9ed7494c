package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Lautarop03/TP-File-Transfer/lib"
)

var (
	gatewayIP   string
	gatewayPort int
	targetAddr  string
	dropRate    float64
	seed        int64
	idle        time.Duration
	verbose     bool
)

func init() {
	flag.StringVar(&gatewayIP, "ip", "127.0.0.1", "Gateway IP address")
	flag.IntVar(&gatewayPort, "port", 8901, "Gateway port number")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:8080", "Target server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.Int64Var(&seed, "seed", 0, "Random seed, 0 picks one from the clock")
	flag.DurationVar(&idle, "idle", lib.DefaultIdleTimeout, "Tear down client routes after this much silence")
	flag.BoolVar(&verbose, "v", false, "Log every dropped datagram")
	flag.Parse()
}

func main() {
	lib.ConfigureLogging(verbose, false)

	if dropRate < 0 || dropRate >= 1 {
		lib.Logger.Fatalf("Drop rate %v out of range [0, 1)", dropRate)
	}
	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		lib.Logger.Fatalf("Invalid target address %s: %v", targetAddr, err)
	}

	front, err := lib.ListenUDP(gatewayIP, gatewayPort)
	if err != nil {
		lib.Logger.Fatalf("Gateway error listening at %s:%d: %v", gatewayIP, gatewayPort, err)
	}
	defer front.Close()

	gw := lib.NewDropGateway(front, target, dropRate, seed, idle)
	lib.Logger.Infof("Gateway started at %s -> %s (drop rate: %.1f%%)", front.LocalAddr(), target, dropRate*100)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		lib.Logger.Infoln("Received SIGINT (Ctrl+C). Shutting down...")
		gw.Close()
	}()

	if err := gw.Serve(); err != nil {
		lib.Logger.Errorln(err)
	}
	gw.Close()
	lib.Logger.Infof("Gateway exiting, %d datagrams dropped", gw.Dropped())
}
