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

	"github.com/robfig/cron/v3"

	"github.com/voxqueue/voxqueue/internal/api"
	"github.com/voxqueue/voxqueue/internal/auth"
	"github.com/voxqueue/voxqueue/internal/callback"
	"github.com/voxqueue/voxqueue/internal/config"
	"github.com/voxqueue/voxqueue/internal/engine"
	"github.com/voxqueue/voxqueue/internal/manager"
	"github.com/voxqueue/voxqueue/internal/processor"
	"github.com/voxqueue/voxqueue/internal/scheduler"
	"github.com/voxqueue/voxqueue/internal/store"
)

func main() {
	cfg := config.Load()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer st.Close()
	log.Printf("Task store ready (%s backend)", cfg.StoreBackend)

	procs := processor.NewRegistry()
	procs.Register(processor.NewTranscribe(engine.NewRemote(cfg.EngineURL)))

	bus := callback.NewBus(64)
	dispatcher := callback.NewDispatcher(bus)

	sched := scheduler.New(st, procs, dispatcher, cfg.WorkerCount).
		WithIntervals(
			time.Duration(cfg.PollIntervalMS)*time.Millisecond,
			time.Duration(cfg.SweepIntervalMS)*time.Millisecond,
		).
		WithShutdownGrace(time.Duration(cfg.ShutdownGraceS) * time.Second)

	mgr := manager.New(st, procs, sched)

	authSvc := auth.NewService()
	bootstrapKeys(authSvc, cfg.APIKeys)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	cleaner := cron.New()
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if _, err := cleaner.AddFunc(cfg.CleanupCron, func() {
		if _, err := mgr.Cleanup(context.Background(), retention); err != nil {
			log.Printf("Cleanup error: %v", err)
		}
	}); err != nil {
		log.Fatalf("Invalid CLEANUP_CRON %q: %v", cfg.CleanupCron, err)
	}
	cleaner.Start()

	handler := api.NewHandler(mgr, authSvc)
	router := api.NewRouter(handler, authSvc)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received")

	cleaner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	sched.Stop()
	log.Println("Server stopped")
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		return store.NewRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	case "sqlite":
		return store.NewSQLite(cfg.SQLitePath)
	default:
		return store.NewMemory(), nil
	}
}

// bootstrapKeys provisions API keys from the API_KEYS env var, each entry a
// key:name pair granted the transcribe permission. Real deployments add
// richer keys through the auth service directly.
func bootstrapKeys(svc *auth.Service, raw string) {
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, name, _ := strings.Cut(entry, ":")
		svc.Add(&auth.Key{
			Key:         key,
			Name:        name,
			Permissions: []auth.Permission{auth.PermTranscribe},
			CreatedAt:   time.Now().UTC(),
		})
		log.Printf("Provisioned api key for %q", name)
	}
}
