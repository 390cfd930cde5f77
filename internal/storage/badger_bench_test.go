package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func setupBenchStore(b *testing.B) (*BadgerStore, func()) {
	b.Helper()

	tmpDir, err := os.MkdirTemp("", "storage-bench-*")
	if err != nil {
		b.Fatalf("failed to create temp dir: %v", err)
	}

	store, err := NewStore(tmpDir, Options{}, zerolog.Nop())
	if err != nil {
		os.RemoveAll(tmpDir)
		b.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func BenchmarkStore_SaveForecast(b *testing.B) {
	store, cleanup := setupBenchStore(b)
	defer cleanup()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.SaveForecast(ctx, testRecord(fmt.Sprintf("f-%d", i), "basel", time.Duration(i)*time.Hour))
	}
}

func BenchmarkStore_ListForecasts(b *testing.B) {
	store, cleanup := setupBenchStore(b)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		_ = store.SaveForecast(ctx, testRecord(fmt.Sprintf("f-%d", i), "basel", time.Duration(i)*time.Hour))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.ListForecasts(ctx, "basel", 50)
	}
}
