package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/WangQiHao-Charlie/actiond/internal/config"
	"github.com/WangQiHao-Charlie/actiond/internal/server"
	"github.com/WangQiHao-Charlie/actiond/internal/telemetry"
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:], nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	shutdownTracing, err := telemetry.Setup(ctx, "actiond", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	srv, err := server.New(cfg, server.Options{})
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer srv.Close()

	grpcLis, err := server.Listen(cfg)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	var httpLis net.Listener
	if cfg.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", cfg.HTTPAddr); err != nil {
			log.Fatalf("listen http: %v", err)
		}
	}

	if err := srv.Run(ctx, grpcLis, httpLis); err != nil {
		log.Printf("serve error: %v", err)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	fmt.Println("\nshutting down...")
	cancel()
}
