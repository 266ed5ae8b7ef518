package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/config"
	"github.com/veildb/veil/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the deployment config")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.GetConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := server.New(cfg, log)
	if err != nil {
		log.Fatalf("create server: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		log.Fatalf("start server: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
	s.Stop()
}
