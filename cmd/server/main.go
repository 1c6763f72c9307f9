package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golift.io/leasepool"
)

func main() {
	configFile := flag.String("config", "/config/leasepool.conf", "config file path")
	flag.Parse()

	app, err := leasepool.LoadConfigFile(*configFile)
	if err != nil {
		log.Fatalf("Config File Error: %s", err)
	}

	app.Start()
	defer app.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh // wait here for a shutdown signal.
}
