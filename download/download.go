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
	dst := flag.String("d", "", "destination file path (default: the file name in the current dir)")
	name := flag.String("n", "", "file name on the server")
	flag.Parse()

	var err error
	config.AppConfig, err = flags.Load()
	if err != nil {
		lib.Logger.Fatalln("Configuration error:", err)
	}
	if *name == "" {
		lib.Logger.Fatalln("A file name is required (-n)")
	}
	if *dst == "" {
		*dst = filepath.Base(*name)
	}
	config.AppConfig.Apply()

	server, err := lib.ResolveServer(config.AppConfig.ServerHost, config.AppConfig.ServerPort)
	if err != nil {
		lib.Logger.Fatalln("Error resolving server address:", err)
	}
	sink, err := lib.CreateFileSink(*dst)
	if err != nil {
		lib.Logger.Fatalln("Error creating destination file:", err)
	}
	transport, err := config.AppConfig.OpenTransport("", 0)
	if err != nil {
		sink.Close()
		lib.Logger.Fatalln("Error binding socket:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	client := lib.NewClient(transport, server, config.AppConfig.ClientConfig())
	err = client.Download(ctx, *name, sink)
	client.Close()
	transport.Close()
	stop()

	if err != nil {
		lib.Logger.Errorln("Download failed:", err)
		// Don't leave a partial file behind.
		os.Remove(*dst)
		os.Exit(1)
	}
}
