package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/pingtriage/internal/httpapi"
	"github.com/agentworkforce/pingtriage/internal/pingtriage"
	"github.com/agentworkforce/pingtriage/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func main() {
	addr := os.Getenv("PINGTRIAGE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	store, err := pingtriage.NewStoreWithOptions(pingtriage.StoreOptions{
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to load state: %v", err)
	}
	defer store.Close()

	workflowConfig, err := loadWorkflowConfigFromEnv()
	if err != nil {
		log.Fatalf("failed to load workflow config: %v", err)
	}
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("PINGTRIAGE_JWT_SECRET"),
		RateLimitMax:    intEnv("PINGTRIAGE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("PINGTRIAGE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("PINGTRIAGE_MAX_BODY_BYTES", 0),
		Workflow:        workflowConfig,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if path := watchedStateFile(stateBackend); path != "" && boolEnv("PINGTRIAGE_WATCH_STATE", true) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			log.Fatalf("failed to create state directory: %v", err)
		}
		go func() {
			if err := pingtriage.WatchStateFile(ctx, store, path, log.Default()); err != nil {
				log.Printf("state watcher stopped: %v", err)
			}
		}()
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown failed: %v", err)
		}
	}()

	log.Printf("pingtriage listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
	log.Printf("pingtriage stopped")
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
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

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

// buildStateBackendFromEnv resolves, in order: an explicit DSN, a state file,
// the backend profile, then the per-user default file.
func buildStateBackendFromEnv() (pingtriage.StateBackend, error) {
	profileStateDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("PINGTRIAGE_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("PINGTRIAGE_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return pingtriage.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return pingtriage.BuildStateBackendFromDSN(stateFile)
	case profileStateDSN != "":
		return pingtriage.BuildStateBackendFromDSN(profileStateDSN)
	}
	path, err := defaultStateFile()
	if err != nil {
		return nil, err
	}
	return pingtriage.NewJSONFileStateBackend(path), nil
}

func storageProfileDefaultsFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("PINGTRIAGE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("PINGTRIAGE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".pingtriage"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("PINGTRIAGE_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("PINGTRIAGE_POSTGRES_DSN is required when PINGTRIAGE_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported PINGTRIAGE_BACKEND_PROFILE: %s", profile)
	}
}

func defaultStateFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pings-triage", "state.json"), nil
}

func watchedStateFile(backend pingtriage.StateBackend) string {
	fileBackend, ok := backend.(*pingtriage.JSONFileStateBackend)
	if !ok {
		return ""
	}
	return fileBackend.Path
}

func loadWorkflowConfigFromEnv() (*workflow.Config, error) {
	path := strings.TrimSpace(os.Getenv("PINGTRIAGE_CONFIG"))
	if path == "" {
		return nil, nil
	}
	cfg, err := workflow.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
