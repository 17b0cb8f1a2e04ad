package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bark-labs/apns-relay/internal/config"
	"github.com/bark-labs/apns-relay/internal/delivery"
	"github.com/bark-labs/apns-relay/internal/feedback"
	"github.com/bark-labs/apns-relay/internal/gateway"
	"github.com/bark-labs/apns-relay/internal/server"
	"github.com/bark-labs/apns-relay/internal/service"
	"github.com/bark-labs/apns-relay/internal/storage/bolt"
	"github.com/bark-labs/apns-relay/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	slogger := logger.New(cfg.Log.Level)

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		log.Fatalf("load push certificate: %v", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	store, err := bolt.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	channel := gateway.New(gateway.Config{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		TLS:            tlsCfg,
		ExtendedFormat: cfg.Gateway.ExtendedFormat,
		SendQueueSize:  cfg.Gateway.SendQueueSize,
		DialTimeout:    cfg.Gateway.DialTimeout,
		IdleTimeout:    cfg.Gateway.IdleTimeout,
	}, slogger.With("component", "gateway"))

	newReader := func() *feedback.Reader {
		return feedback.New(feedback.Config{
			Host:          cfg.Feedback.Host,
			Port:          cfg.Feedback.Port,
			TLS:           tlsCfg,
			BufferRecords: cfg.Feedback.BufferRecords,
		}, slogger.With("component", "feedback"))
	}

	agent := delivery.New(delivery.Config{
		DispatchInterval: cfg.Delivery.DispatchInterval,
		GracePeriod:      cfg.Delivery.GracePeriod,
		EventLogCapacity: cfg.Delivery.EventLogCapacity,
	}, channel, newReader, nil, slogger.With("component", "delivery"))

	relaySvc := service.NewRelayService(agent, store, slogger.With("component", "relay"))
	agent.SetSink(relaySvc)
	authSvc := service.NewAuthService(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := relaySvc.SeedBlacklist(ctx); err != nil {
		log.Fatalf("seed blacklist: %v", err)
	}
	agent.Start(ctx)
	go relaySvc.RunRecovery(ctx, cfg.Delivery.ResumeInterval, cfg.Feedback.PollInterval)

	srv := server.New(cfg, relaySvc, authSvc)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	// graceful shutdown
	waitForSignal()
	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	cancel()
	agent.Close()
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
