package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veildb/veil/internal/config"
	"github.com/veildb/veil/internal/health"
	"github.com/veildb/veil/internal/proxy"
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

	p, err := proxy.New(cfg, log)
	if err != nil {
		log.Fatalf("create proxy: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		log.Fatalf("start proxy: %v", err)
	}

	processor := p.Processor()
	monitor := health.NewMonitor(log, time.Duration(cfg.MetricsInterval)*time.Second, func() health.Stats {
		return health.Stats{
			StashBlocks:      processor.Stash().Len(),
			StashCapacity:    processor.Stash().Capacity(),
			StashOverflows:   processor.Stash().Overflows(),
			SubtreeBuckets:   processor.Subtree().Len(),
			WriteBackCounter: processor.WriteBackCounter(),
		}
	})
	go monitor.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	cancel()
	p.Stop()
}
