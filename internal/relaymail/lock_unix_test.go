//go:build unix

package relaymail

import (
	"errors"
	"testing"
)

func TestJSONDirStateBackendExclusiveWriter(t *testing.T) {
	dir := t.TempDir()
	first := NewJSONDirStateBackend(dir)
	if err := first.Save("app_start_time", []byte(`{}`)); err != nil {
		t.Fatalf("first writer save failed: %v", err)
	}

	second := NewJSONDirStateBackend(dir)
	if err := second.Save("app_start_time", []byte(`{}`)); !errors.Is(err, ErrBackendLocked) {
		t.Fatalf("expected ErrBackendLocked for second writer, got %v", err)
	}
	if _, err := second.Load("app_start_time"); err != nil {
		t.Fatalf("reads must not need the lock: %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	third := NewJSONDirStateBackend(dir)
	t.Cleanup(func() { _ = third.Close() })
	if err := third.Save("app_start_time", []byte(`{}`)); err != nil {
		t.Fatalf("expected lock to be free after close, got %v", err)
	}
}

func TestOpenWatermarkStoreRefusesLockedDirectory(t *testing.T) {
	dir := t.TempDir()
	first := NewJSONDirStateBackend(dir)
	t.Cleanup(func() { _ = first.Close() })
	if _, err := OpenWatermarkStore(first, WatermarkOptions{Logger: discardLogger}); err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	// The epoch already exists, so the second open has nothing to write.
	second := NewJSONDirStateBackend(dir)
	t.Cleanup(func() { _ = second.Close() })
	store, err := OpenWatermarkStore(second, WatermarkOptions{Logger: discardLogger})
	if !errors.Is(err, ErrBackendLocked) {
		t.Fatalf("expected ErrBackendLocked for second process, got %v", err)
	}
	if store != nil {
		t.Fatalf("expected no store for a locked directory")
	}
}
