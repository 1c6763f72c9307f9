package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golift.io/leasepool/client"
)

func main() {
	ctx := context.Background()

	configFile := flag.String("config", "leasepool_client.yml", "config file path")
	flag.Parse()

	config, err := client.LoadConfigFile(*configFile)
	if err != nil {
		log.Fatalf("Unable to load configuration: %s", err)
	}

	proxy := client.NewClient(config)
	proxy.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh // wait here for a shutdown signal.
	proxy.Shutdown()
}
