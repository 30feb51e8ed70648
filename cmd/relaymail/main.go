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

	"github.com/agentworkforce/relaymail/internal/httpapi"
	"github.com/agentworkforce/relaymail/internal/relaymail"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	addr := os.Getenv("RELAYMAIL_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateBackend, blobs, err := buildStorageFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}
	defer func() {
		if err := relaymail.CloseStateBackend(stateBackend); err != nil {
			log.Printf("close state backend: %v", err)
		}
	}()

	store, err := relaymail.OpenWatermarkStore(stateBackend, relaymail.WatermarkOptions{})
	if err != nil {
		log.Fatalf("failed to open watermark: %v", err)
	}

	hub := httpapi.NewEventHub(intEnv("RELAYMAIL_EVENT_BUFFER", 32), nil)
	sinks := []relaymail.EventSink{hub}
	if kafkaSink, err := buildKafkaSinkFromEnv(); err != nil {
		log.Fatalf("failed to initialize kafka sink: %v", err)
	} else if kafkaSink != nil {
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	connector, err := buildConnectorFromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to initialize gmail credentials: %v", err)
	}

	service, err := relaymail.NewService(relaymail.ServiceOptions{
		Store:    store,
		Provider: connector,
		Resolver: relaymail.NewResolver(store, relaymail.ResolverOptions{
			PageSize: int64Env("RELAYMAIL_SCAN_PAGE_SIZE", relaymail.DefaultScanPageSize),
		}),
		Pipeline: relaymail.NewPipeline(store, relaymail.PipelineOptions{
			Blobs: blobs,
			Sinks: sinks,
		}),
	})
	if err != nil {
		log.Fatalf("failed to build service: %v", err)
	}

	handler := httpapi.NewServerWithConfig(service, hub, serverConfigFromEnv())
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("relaymail listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
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

func csvEnv(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildStorageFromEnv() (relaymail.StateBackend, relaymail.BlobStore, error) {
	profileStateDSN, profileBlobDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	stateDSN := strings.TrimSpace(os.Getenv("RELAYMAIL_STATE_DSN"))
	if stateDSN == "" {
		stateDSN = profileStateDSN
	}
	blobDSN := strings.TrimSpace(os.Getenv("RELAYMAIL_BLOB_DSN"))
	if blobDSN == "" {
		blobDSN = profileBlobDSN
	}
	stateBackend, err := relaymail.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("state backend: %w", err)
	}
	blobs, err := relaymail.BuildBlobStoreFromDSN(blobDSN)
	if err != nil {
		_ = relaymail.CloseStateBackend(stateBackend)
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}
	return stateBackend, blobs, nil
}

// storageProfileDefaultsFromEnv maps RELAYMAIL_BACKEND_PROFILE onto default
// DSNs. An unset profile means durable-local.
func storageProfileDefaultsFromEnv() (stateDSN, blobDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYMAIL_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("RELAYMAIL_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".relaymail"
	}
	switch profile {
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("RELAYMAIL_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("RELAYMAIL_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("RELAYMAIL_PRODUCTION_DSN or RELAYMAIL_POSTGRES_DSN is required when RELAYMAIL_BACKEND_PROFILE=%s", profile)
		}
		blobDSN := strings.TrimSpace(os.Getenv("RELAYMAIL_PRODUCTION_BLOB_DSN"))
		if blobDSN == "" {
			blobDSN = "file://" + filepath.Join(dataDir, "artifacts")
		}
		return productionDSN, blobDSN, nil
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state"),
			"file://" + filepath.Join(dataDir, "artifacts"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported RELAYMAIL_BACKEND_PROFILE: %s", profile)
	}
}

func buildKafkaSinkFromEnv() (*relaymail.KafkaSink, error) {
	brokers := strings.TrimSpace(os.Getenv("RELAYMAIL_KAFKA_BROKERS"))
	if brokers == "" {
		return nil, nil
	}
	topic := strings.TrimSpace(os.Getenv("RELAYMAIL_KAFKA_TOPIC"))
	if topic == "" {
		topic = "relaymail.messages"
	}
	return relaymail.NewKafkaSink(brokers, topic)
}

func buildTokenStoreFromEnv() (relaymail.TokenStore, error) {
	switch kind := strings.ToLower(strings.TrimSpace(os.Getenv("RELAYMAIL_TOKEN_STORE"))); kind {
	case "", "file":
		path := strings.TrimSpace(os.Getenv("RELAYMAIL_TOKEN_FILE"))
		if path == "" {
			path = "token.json"
		}
		return relaymail.NewFileTokenStore(path), nil
	case "keyring":
		return relaymail.OpenKeyringTokenStore(
			os.Getenv("RELAYMAIL_KEYRING_SERVICE"),
			os.Getenv("RELAYMAIL_KEYRING_KEY"),
			os.Getenv("RELAYMAIL_KEYRING_DIR"),
		)
	default:
		return nil, fmt.Errorf("unsupported RELAYMAIL_TOKEN_STORE: %s", kind)
	}
}

// buildConnectorFromEnv never fails on missing credentials; deliveries then
// get a 500 and are redelivered once a token is in place.
func buildConnectorFromEnv(ctx context.Context) (*relaymail.GmailConnector, error) {
	tokens, err := buildTokenStoreFromEnv()
	if err != nil {
		return nil, err
	}
	credentialsFile := strings.TrimSpace(os.Getenv("RELAYMAIL_CREDENTIALS_FILE"))
	if credentialsFile == "" {
		credentialsFile = "credentials.json"
	}
	oauthConfig, err := relaymail.LoadOAuthConfig(credentialsFile, relaymail.GmailScopes...)
	if err != nil {
		log.Printf("warning: gmail client credentials unavailable (%s): %v", credentialsFile, err)
		oauthConfig = nil
	}
	connector := relaymail.NewGmailConnector(relaymail.GmailConnectorOptions{
		OAuthConfig: oauthConfig,
		Tokens:      tokens,
		User:        os.Getenv("RELAYMAIL_GMAIL_USER"),
		CallTimeout: durationEnv("RELAYMAIL_GMAIL_CALL_TIMEOUT", relaymail.DefaultGmailCallTimeout),
	})
	if fileTokens, ok := tokens.(*relaymail.FileTokenStore); ok {
		if err := fileTokens.Watch(ctx, connector.Invalidate, nil); err != nil {
			log.Printf("warning: token file hot reload disabled: %v", err)
		}
	}
	return connector, nil
}

func serverConfigFromEnv() httpapi.ServerConfig {
	return httpapi.ServerConfig{
		PushToken:       os.Getenv("RELAYMAIL_PUSH_TOKEN"),
		AdminJWTSecret:  os.Getenv("RELAYMAIL_ADMIN_JWT_SECRET"),
		RateLimitMax:    intEnv("RELAYMAIL_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYMAIL_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("RELAYMAIL_MAX_BODY_BYTES", 0),
		RequestTimeout:  durationEnv("RELAYMAIL_REQUEST_TIMEOUT", 5*time.Minute),
		EventOrigins:    csvEnv("RELAYMAIL_EVENT_ORIGINS"),
	}
}
