// Command kvd runs the key-value server: an event loop listening on a TCP
// socket, backed by an in-memory keyspace with string and sorted-set
// values and per-key TTLs.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kvd/internal/config"
	"kvd/internal/keyspace"
	"kvd/internal/server"
	"kvd/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults built in if omitted)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalln("could not load config:", err.Error())
	}

	pool := workerpool.New(cfg.Workers)
	defer pool.Close()

	ks := keyspace.New(cfg, pool, nil)

	srv, err := server.New(cfg, ks)
	if err != nil {
		log.Fatalln("could not start server:", err.Error())
	}
	defer srv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	log.Printf("kvd listening on %s", cfg.ListenAddr)

	select {
	case err := <-done:
		if err != nil {
			log.Fatalln("server error:", err.Error())
		}
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		srv.Stop()
		if err := <-done; err != nil {
			log.Fatalln("server error:", err.Error())
		}
	}
}
