package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Lautarop03/TP-File-Transfer/config"
	"github.com/Lautarop03/TP-File-Transfer/lib"
)

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	src := flag.String("s", "", "source file path")
	name := flag.String("n", "", "file name on the server (default: base name of the source)")
	flag.Parse()

	var err error
	config.AppConfig, err = flags.Load()
	if err != nil {
		lib.Logger.Fatalln("Configuration error:", err)
	}
	if *src == "" {
		lib.Logger.Fatalln("A source file is required (-s)")
	}
	if *name == "" {
		*name = filepath.Base(*src)
	}
	config.AppConfig.Apply()

	source, err := lib.OpenFileSource(*src)
	if err != nil {
		lib.Logger.Fatalln("Error opening source file:", err)
	}

	server, err := lib.ResolveServer(config.AppConfig.ServerHost, config.AppConfig.ServerPort)
	if err != nil {
		lib.Logger.Fatalln("Error resolving server address:", err)
	}
	transport, err := config.AppConfig.OpenTransport("", 0)
	if err != nil {
		lib.Logger.Fatalln("Error binding socket:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	client := lib.NewClient(transport, server, config.AppConfig.ClientConfig())
	err = client.Upload(ctx, source, *name)
	client.Close()
	transport.Close()
	stop()

	if err != nil {
		lib.Logger.Errorln("Upload failed:", err)
		os.Exit(1)
	}
}
