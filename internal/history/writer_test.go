package history

import (
	"context"
	"testing"

	"carrybot/internal/config"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	w, err := New(config.HistoryConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatalf("expected nil writer when disabled")
	}
}

func TestNewRequiresDSNWhenEnabled(t *testing.T) {
	if _, err := New(config.HistoryConfig{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error for missing dsn")
	}
}

func TestNilWriterMethodsAreNoOps(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	w.EnqueueMarketSnapshot(MarketSnapshot{Symbol: "DOGE"})
	w.EnqueuePositionSnapshot(PositionSnapshot{Symbol: "DOGE"})
	if err := w.Close(); err != nil {
		t.Fatalf("expected nil error from nil writer close, got %v", err)
	}
}
