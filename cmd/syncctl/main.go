package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rowsync/engine/internal/connection"
	"github.com/rowsync/engine/internal/engine"
	"github.com/rowsync/engine/internal/hlc"
	"github.com/rowsync/engine/internal/rowstore"
	"github.com/rowsync/engine/internal/syncloop"
	"github.com/rowsync/engine/internal/transport"
	"github.com/rowsync/engine/internal/transport/httptransport"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SYNCCTL_BASE_URL", "http://127.0.0.1:8080"), "syncd base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SYNCCTL_TOKEN")), "bearer token")
	namespace := flag.String("namespace", envOrDefault("SYNCCTL_NAMESPACE", "default"), "sync namespace")
	deviceID := flag.String("device-id", strings.TrimSpace(os.Getenv("SYNCCTL_DEVICE_ID")), "this device's HLC device id")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("SYNCCTL_STATE_FILE")), "local row storage file (in-memory if empty)")
	healthInterval := flag.Duration("health-interval", durationEnv("SYNCCTL_HEALTH_INTERVAL", 15*time.Second), "connection health-check interval")
	syncInterval := flag.Duration("sync-interval", durationEnv("SYNCCTL_SYNC_INTERVAL", 5*time.Second), "sync cycle interval")
	timeout := flag.Duration("timeout", durationEnv("SYNCCTL_TIMEOUT", 15*time.Second), "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*deviceID) == "" {
		log.Fatalf("device-id is required (--device-id or SYNCCTL_DEVICE_ID)")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := buildAdapterFromEnv(*stateFile, *namespace)
	if err != nil {
		log.Fatalf("failed to initialize storage adapter: %v", err)
	}

	persister := rowstore.NewKVPersister(rootCtx, adapter, "hlc.clock")
	clock, err := hlc.NewService(*deviceID, nil, persister)
	if err != nil {
		log.Fatalf("failed to initialize hlc service: %v", err)
	}

	eng, err := engine.NewEngine(rootCtx, *namespace, adapter, clock, engine.EngineOptions{
		ErrorSink: func(err error) { log.Printf("engine error: %v", err) },
	})
	if err != nil {
		log.Fatalf("failed to initialize storage engine: %v", err)
	}
	defer eng.Close()

	clientOpts := httptransport.ClientOptions{HTTPClient: &http.Client{Timeout: *timeout}, Logger: log.Default()}
	if strings.TrimSpace(*token) != "" {
		tok := *token
		clientOpts.AuthMode = httptransport.AuthBearer
		clientOpts.TokenFunc = func(ctx context.Context) (string, error) { return tok, nil }
	}
	client := httptransport.NewClient(*baseURL, clientOpts)

	healthCheck := func(ctx context.Context) error {
		_, err := client.Pull(ctx, transport.PullRequest{Namespace: *namespace, Limit: 1})
		return classifyHealthErr(err)
	}
	driver := connection.NewPollingDriver(healthCheck, *healthInterval)
	driver.Start(rootCtx)
	defer driver.Stop()

	connMgr, err := connection.NewManager(driver, connection.ManagerOptions{
		ErrorSink: func(err error) { log.Printf("connection error: %v", err) },
	})
	if err != nil {
		log.Fatalf("failed to initialize connection manager: %v", err)
	}
	defer connMgr.Close()

	loop, err := syncloop.New(eng, client, connMgr, syncloop.Options{
		Namespace:  *namespace,
		CursorKey:  "sync.cursor.v1",
		IntervalMs: int(syncInterval.Milliseconds()),
		OnError:    func(err error) { log.Printf("sync loop error: %v", err) },
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync loop: %v", err)
	}
	if err := loop.Start(rootCtx); err != nil {
		log.Fatalf("failed to start sync loop: %v", err)
	}
	defer loop.Stop()

	log.Printf("syncctl running against %s (namespace=%s, device=%s)", *baseURL, *namespace, *deviceID)
	<-rootCtx.Done()
	log.Printf("syncctl stopping: %v", rootCtx.Err())
}

func buildAdapterFromEnv(stateFile, namespace string) (rowstore.StorageAdapter, error) {
	if strings.TrimSpace(stateFile) != "" {
		return rowstore.NewJSONFileAdapter(stateFile, namespace)
	}
	return rowstore.NewInMemoryAdapter(namespace), nil
}

// classifyHealthErr maps a failed health-check pull onto the sentinel the
// polling driver understands, so a revoked session is reported as
// needs_auth rather than a generic offline.
func classifyHealthErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*transport.Unauthorized); ok {
		return connection.ErrHealthUnauthorized
	}
	return err
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
