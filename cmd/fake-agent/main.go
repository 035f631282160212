// Package main runs a local agent service that speaks the realtime channel
// protocol. It echoes prompts back as streamed chunks and is used for manual
// testing of agentlink clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agentlink/config"
	"github.com/xiaot623/gogo/agentlink/internal/fakeagent"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults to environment only)")
	chunkDelay := flag.Duration("chunk-delay", 50*time.Millisecond, "Pause between streamed chunks")
	flag.Parse()

	// Load configuration
	cfg := config.Load()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	log.Printf("Starting fake agent...")
	log.Printf("Port: %d", cfg.Port)
	if cfg.APIKey == "" {
		log.Printf("API key: none, any token is accepted")
	}

	// Initialize hub
	connectionHub := fakeagent.NewHub()
	go connectionHub.Run()

	srvCfg := fakeagent.DefaultConfig()
	srvCfg.APIKey = cfg.APIKey
	srvCfg.PingInterval = cfg.WebSocket.PingInterval
	srvCfg.WriteTimeout = cfg.WebSocket.WriteTimeout
	srvCfg.ReadTimeout = cfg.WebSocket.ReadTimeout
	srvCfg.MaxMessageSize = cfg.WebSocket.MaxMessageSize
	srvCfg.ChunkDelay = *chunkDelay

	server := fakeagent.NewServer(srvCfg, connectionHub)
	server.Echo().Use(middleware.Logger())

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Fake agent listening on ws://localhost:%d/agents/{agent_id}/{session_tag}", cfg.Port)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down fake agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	connectionHub.Stop()

	log.Println("Fake agent stopped")
}
