package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/ptymux/ptymux/internal/config"
	"github.com/ptymux/ptymux/internal/handlers"
	"github.com/ptymux/ptymux/internal/hub"
	"github.com/ptymux/ptymux/internal/logging"
	"github.com/ptymux/ptymux/internal/session"
	"github.com/ptymux/ptymux/internal/store"
)

func main() {
	config.Load()

	logging.Init()

	st, err := store.Open(filepath.Join(config.Cfg.DataPath, "sessions.db"))
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}
	defer st.Close()

	registry := session.NewRegistry(session.Config{
		Store:          st,
		BufferMaxBytes: config.Cfg.BufferMaxBytes,
		MaxSessions:    config.Cfg.MaxSessions,
		DefaultShell:   config.Cfg.DefaultShell,
	})

	h := hub.New(registry, hub.Config{
		MonitorAuthKey: config.Cfg.MonitorAuthKey,
	})
	registry.Subscribe(h)

	handlers.Registry = registry
	handlers.Store = st
	handlers.Hub = h

	// Bring persisted sessions back before accepting clients so reconnecting
	// browsers find their scrollback where they left it.
	registry.Restore()
	log.Printf("Restored %d session(s) from store", registry.Count())

	flushCron := startFlushJob(registry, config.Cfg.FlushInterval)
	defer flushCron.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Get("/ws", handlers.TerminalWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)

		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Cfg.Port),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	// Persist everything, then kill the child processes. Records written
	// here are what Restore picks up on the next start.
	registry.Shutdown()
	log.Println("Server stopped")
}

// startFlushJob schedules the debounced scrollback persistence cycle.
func startFlushJob(registry *session.Registry, interval time.Duration) *cron.Cron {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	c := cron.New()
	c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if n := registry.FlushDirty(); n > 0 {
			log.Printf("Flushed %d dirty session(s)", n)
		}
		registry.SweepClosed()
	})
	c.Start()
	return c
}
