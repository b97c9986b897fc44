package replica

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSQLiteOutbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	ctx := context.Background()

	outbox, err := NewSQLiteOutbox(path, 0, logger)
	if err != nil {
		t.Fatalf("create outbox: %v", err)
	}

	last, err := outbox.LastID(ctx)
	if err != nil {
		t.Fatalf("last id: %v", err)
	}
	if last != 0 {
		t.Errorf("expected empty outbox to start at 0, got %d", last)
	}

	at := time.Date(2026, 6, 1, 10, 0, 0, 123, time.UTC)
	for i := int64(1); i <= 3; i++ {
		p := &Pending{ID: i, Name: "todo.create", Args: json.RawMessage(`{"title":"x"}`), CreatedAt: at}
		if err := outbox.Append(ctx, p); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := outbox.Append(ctx, &Pending{ID: 7, Name: "todo.create", Args: json.RawMessage(`{}`), CreatedAt: at}); err == nil {
		t.Error("expected error for an id gap")
	}

	pending, err := outbox.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].ID != 1 || pending[2].ID != 3 {
		t.Errorf("unexpected order: %d..%d", pending[0].ID, pending[2].ID)
	}
	if string(pending[1].Args) != `{"title":"x"}` {
		t.Errorf("args mismatch: %s", pending[1].Args)
	}
	if !pending[0].CreatedAt.Equal(at) {
		t.Errorf("created_at mismatch: got %v, want %v", pending[0].CreatedAt, at)
	}

	if err := outbox.Ack(ctx, 2); err != nil {
		t.Fatalf("ack: %v", err)
	}
	count, err := outbox.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 pending after ack, got %d", count)
	}

	if err := outbox.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Ids keep increasing after a restart even though acked rows are gone.
	reopened, err := NewSQLiteOutbox(path, 0, logger)
	if err != nil {
		t.Fatalf("reopen outbox: %v", err)
	}
	defer reopened.Close()

	last, err = reopened.LastID(ctx)
	if err != nil {
		t.Fatalf("last id: %v", err)
	}
	if last != 3 {
		t.Errorf("expected last id 3, got %d", last)
	}
	if err := reopened.Ack(ctx, 3); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := reopened.Append(ctx, &Pending{ID: 1, Name: "todo.create", Args: json.RawMessage(`{}`), CreatedAt: at}); err == nil {
		t.Error("expected reused id to be refused")
	}
}

func TestSQLiteOutboxFull(t *testing.T) {
	ctx := context.Background()
	outbox, err := NewSQLiteOutbox(filepath.Join(t.TempDir(), "outbox.db"), 1, zerolog.Nop())
	if err != nil {
		t.Fatalf("create outbox: %v", err)
	}
	defer outbox.Close()

	at := time.Now()
	if err := outbox.Append(ctx, &Pending{ID: 1, Name: "todo.create", Args: json.RawMessage(`{}`), CreatedAt: at}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err = outbox.Append(ctx, &Pending{ID: 2, Name: "todo.create", Args: json.RawMessage(`{}`), CreatedAt: at})
	if !errors.Is(err, ErrOutboxFull) {
		t.Errorf("expected ErrOutboxFull, got %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxBatch != 100 {
		t.Errorf("MaxBatch = %d, want 100", cfg.MaxBatch)
	}
	if cfg.RetryTimeout != 2*time.Minute {
		t.Errorf("RetryTimeout = %v, want 2m", cfg.RetryTimeout)
	}
	if cfg.SweepSchedule != DefaultSweepSchedule {
		t.Errorf("SweepSchedule = %q, want %q", cfg.SweepSchedule, DefaultSweepSchedule)
	}
}
