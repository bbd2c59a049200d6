package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mello/api/internal/app"
	"mello/api/internal/config"
	"mello/api/internal/delivery"
	"mello/api/internal/email"
	"mello/api/internal/resource"
	"mello/api/internal/schedule"
	"mello/api/internal/storage"
	"mello/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	catalog := resource.NewCatalog(db)
	deliverer := delivery.New(dataStore, cfg.WebhookTimeout)

	mailService := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: true,
	})
	if !mailService.IsConfigured() {
		log.Printf("SMTP not configured; share invite emails disabled")
	}

	serviceCfg := app.ServiceConfig{
		FrontendURL: cfg.FrontendURL,
		SyncToken:   cfg.SyncToken,
	}

	// Object storage backs public file downloads (FILE-102)
	var service *app.Service
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		fileClient, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		service = app.NewService(dataStore, catalog, deliverer, mailService, fileClient, serviceCfg)
	} else {
		log.Printf("Object storage not configured; public file downloads disabled")
		service = app.NewService(dataStore, catalog, deliverer, mailService, nil, serviceCfg)
	}

	// Redis leases the scheduled-webhook poll across replicas; without it
	// every instance polls, which is only safe single-instance.
	var lease *schedule.Lock
	if strings.TrimSpace(cfg.RedisURL) != "" {
		lease, err = schedule.NewLock(cfg.RedisURL, 2*cfg.PollInterval)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer lease.Close()
	} else {
		log.Printf("Redis not configured; scheduled polling runs unleased")
	}

	pollCtx, stopPoller := context.WithCancel(ctx)
	defer stopPoller()
	go schedule.NewPoller(deliverer, lease, cfg.PollInterval).Run(pollCtx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Mello API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopPoller()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
