package relaymail

import (
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestPostgresStateBackendOpenFailureIsSticky(t *testing.T) {
	backend, err := NewPostgresStateBackend("postgres://example/relaymail")
	if err != nil {
		t.Fatalf("construct backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	opens := 0
	pg.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opens++
		if driverName != "postgres" {
			t.Fatalf("expected postgres driver, got %q", driverName)
		}
		return nil, errors.New("connection refused")
	}
	if _, err := backend.Load("app_start_time"); err == nil {
		t.Fatalf("expected load to surface open failure")
	}
	if err := backend.Save("app_start_time", []byte(`{}`)); err == nil {
		t.Fatalf("expected save to surface open failure")
	}
	if opens != 1 {
		t.Fatalf("expected a single open attempt, got %d", opens)
	}
}

func TestNewPostgresStateBackendRejectsEmptyDSN(t *testing.T) {
	if _, err := NewPostgresStateBackend("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`we"ird`); got != `"we""ird"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}

func TestPostgresStateBackendIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYMAIL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RELAYMAIL_TEST_POSTGRES_DSN not set")
	}
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("construct backend: %v", err)
	}
	t.Cleanup(func() { _ = CloseStateBackend(backend) })

	store, err := OpenWatermarkStore(backend, WatermarkOptions{Logger: discardLogger})
	if err != nil {
		t.Fatalf("open watermark store: %v", err)
	}
	if _, err := store.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := store.MarkMessageProcessed("pg-m1"); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	reopened, err := OpenWatermarkStore(backend, WatermarkOptions{Logger: discardLogger})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.IsMessageProcessed("pg-m1") {
		t.Fatalf("expected pg-m1 to survive reopen")
	}
}
