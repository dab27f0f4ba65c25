package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg := LoadConfig()
	log.Printf("Monitor agent starting on port %d", cfg.Port)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	collector := NewCollector(cfg)
	go collector.Run(ctx)

	server := NewServer(cfg, collector)
	go func() {
		if err := server.Start(); err != nil {
			log.Printf("HTTP server failed: %v", err)
			cancel()
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Println("Monitor agent shutting down.")
}
