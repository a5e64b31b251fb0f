package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rowsync/engine/internal/engine"
	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
	"github.com/rowsync/engine/internal/transport/httptransport"
)

func main() {
	addr := envOrDefault("SYNCD_ADDR", ":8080")
	namespace := envOrDefault("SYNCD_NAMESPACE", "default")
	deviceID := envOrDefault("SYNCD_DEVICE_ID", "syncd")

	adapter, err := buildAdapterFromEnv(namespace)
	if err != nil {
		log.Fatalf("failed to initialize storage adapter: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister := rowstore.NewKVPersister(ctx, adapter, "hlc.clock")
	clock, err := hlc.NewService(deviceID, nil, persister)
	if err != nil {
		log.Fatalf("failed to initialize hlc service: %v", err)
	}

	eng, err := engine.NewEngine(ctx, namespace, adapter, clock, engine.EngineOptions{
		ErrorSink: func(err error) { log.Printf("engine error: %v", err) },
	})
	if err != nil {
		log.Fatalf("failed to initialize storage engine: %v", err)
	}
	defer eng.Close()

	server, err := httptransport.NewServer(eng, httptransport.ServerOptions{
		MaxBodyBytes: int64Env("SYNCD_MAX_BODY_BYTES", 0),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize http transport server: %v", err)
	}

	// Listeners run on the engine's serial queue, so the row lookups run on
	// their own goroutine instead of waiting on that same queue.
	unsubscribe := eng.Subscribe(func(event engine.ChangeEvent) {
		if event.Source != engine.SourceLocal || len(event.InvalidationHints) == 0 {
			return
		}
		hints := event.InvalidationHints
		go func() {
			changes := make([]rowstore.Row, 0, len(hints))
			for _, hint := range hints {
				row, err := eng.GetIncludingTombstones(ctx, hint.CollectionID, hint.ID)
				if err != nil || row == nil {
					continue
				}
				changes = append(changes, *row)
			}
			if len(changes) > 0 {
				server.BroadcastServerChanges(changes)
			}
		}()
	})
	defer unsubscribe()

	log.Printf("syncd listening on %s (namespace=%s)", addr, namespace)
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildAdapterFromEnv(namespace string) (rowstore.StorageAdapter, error) {
	if dsn := strings.TrimSpace(os.Getenv("SYNCD_POSTGRES_DSN")); dsn != "" {
		return rowstore.NewPostgresAdapter(dsn, namespace)
	}
	if path := strings.TrimSpace(os.Getenv("SYNCD_STATE_FILE")); path != "" {
		return rowstore.NewJSONFileAdapter(path, namespace)
	}
	return rowstore.NewInMemoryAdapter(namespace), nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
