package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lautarop03/TP-File-Transfer/config"
	"github.com/Lautarop03/TP-File-Transfer/lib"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	storage := flag.String("s", "", "storage dir path")
	flag.Parse()

	var err error
	config.AppConfig, err = flags.Load()
	if err != nil {
		lib.Logger.Fatalln("Configuration error:", err)
	}
	if *storage != "" {
		config.AppConfig.StoragePath = *storage
	}
	config.AppConfig.Apply()

	transport, err := config.AppConfig.OpenTransport(config.AppConfig.ServerHost, config.AppConfig.ServerPort)
	if err != nil {
		lib.Logger.Fatalln("Error binding socket:", err)
	}
	defer transport.Close()

	srv, err := lib.NewFileServer(transport, config.AppConfig.ServerConfig())
	if err != nil {
		lib.Logger.Fatalln(err)
	}

	// Listen for interrupt signal (Ctrl+C)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		lib.Logger.Infoln("Received signal, shutting down...")
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		lib.Logger.Errorln(err)
		srv.Close()
		os.Exit(1)
	}
	srv.Close()
}
