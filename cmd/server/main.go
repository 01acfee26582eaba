package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/op/go-logging.v1"

	logsetup "redistream/internal/log"
	"redistream/internal/metrics"
	"redistream/internal/server"
)

var log = logging.MustGetLogger("main")

func main() {
	dir := flag.String("dir", "tmp", "Directory holding the snapshot file")
	dbfilename := flag.String("dbfilename", "dump.rdb", "Snapshot filename")
	port := flag.Int("port", 6379, "Port to listen on")
	host := flag.String("host", "localhost", "Host to bind to")
	replicaOf := flag.String("replicaof", "", "Leader to follow, as \"<host> <port>\"")
	logLevel := flag.String("loglevel", "info", "Log level (debug, info, warning, error)")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	configPath := flag.String("config", "", "Optional TOML config file; explicit flags override it")
	flag.Parse()

	cfg := server.DefaultConfig()
	if *configPath != "" {
		if err := cfg.ApplyFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dir":
			cfg.Dir = *dir
		case "dbfilename":
			cfg.DBFilename = *dbfilename
		case "port":
			cfg.Port = *port
		case "host":
			cfg.Host = *host
		case "replicaof":
			cfg.ReplicaOf = *replicaOf
		case "loglevel":
			cfg.LogLevel = *logLevel
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	if err := logsetup.Setup(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.ReplicaOf != "" {
		if _, _, err := server.ParseReplicaOf(cfg.ReplicaOf); err != nil {
			log.Fatalf("%v", err)
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			log.Infof("metrics on %s/metrics", cfg.MetricsAddr)
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Errorf("metrics listener failed: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Infof("shutting down")
		cancel()
		srv.Shutdown()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
