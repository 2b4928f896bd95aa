package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/moltworks/agent-directory/internal/audit"
	"github.com/moltworks/agent-directory/internal/chain"
	"github.com/moltworks/agent-directory/internal/config"
	"github.com/moltworks/agent-directory/internal/httpserver"
	"github.com/moltworks/agent-directory/internal/identity"
	"github.com/moltworks/agent-directory/internal/service"
	"github.com/moltworks/agent-directory/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var st store.Store
	if cfg.UseMemory {
		log.Printf("[startup] using in-memory store (data is not durable)")
		st = store.NewMemoryStore()
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		pg := store.NewPGStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("schema init: %v", err)
		}
		st = pg
	}

	var chainClient chain.Client = chain.NewStaticClient(cfg.ChainNetwork)
	if cfg.ChainAPIURL != "" {
		httpClient, err := chain.NewHTTPClient(chain.HTTPClientConfig{
			BaseURL: cfg.ChainAPIURL,
			Network: cfg.ChainNetwork,
			APIKey:  cfg.ChainAPIKey,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("chain client init: %v", err)
		}
		chainClient = httpClient
	}

	var identityClient identity.Client = identity.NewStaticClient()
	if cfg.IdentityURL != "" {
		httpClient, err := identity.NewHTTPClient(identity.HTTPClientConfig{
			BaseURL: cfg.IdentityURL,
			Timeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatalf("identity client init: %v", err)
		}
		identityClient = httpClient
	}

	var publisher audit.Publisher = audit.LogPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := audit.NewKafkaPublisher(audit.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	var archiver audit.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := audit.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		archiver = s3Archiver
	}

	svc := service.New(st, chainClient, identityClient, publisher, archiver)
	server := httpserver.New(cfg, svc, st)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("agent directory listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
