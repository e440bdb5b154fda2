package canonical

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/certen/privacy-witness-kernel/pkg/checkpoint"
	"github.com/certen/privacy-witness-kernel/pkg/database"
	"github.com/certen/privacy-witness-kernel/pkg/eventlog"
)

func TestBuildExportBundle_ContainsEventsAndCheckpoints(t *testing.T) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	db, err := database.Open(filepath.Join(t.TempDir(), "export.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store, err := eventlog.Open(ctx, db, sk, pk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, _, err := store.Append(ctx, []byte("payload"), 10); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	cpEngine := checkpoint.NewEngine(db, sk, 1)
	if _, err := cpEngine.ForceCheckpoint(ctx, 10); err != nil {
		t.Fatalf("force checkpoint: %v", err)
	}

	raw, err := BuildExportBundle(ctx, store, cpEngine, 10, 10, 50, 3600)
	if err != nil {
		t.Fatalf("build export bundle: %v", err)
	}

	var bundle ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if len(bundle.Events) != 4 {
		t.Fatalf("expected 4 events in bundle, got %d", len(bundle.Events))
	}
	if len(bundle.Checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint in bundle, got %d", len(bundle.Checkpoints))
	}
	if bundle.Checkpoints[0].CoversThroughSeq != 4 {
		t.Fatalf("expected checkpoint to cover through seq 4, got %d", bundle.Checkpoints[0].CoversThroughSeq)
	}
}

func TestBuildExportBundle_EmptyWindowProducesEmptyEvents(t *testing.T) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	db, err := database.Open(filepath.Join(t.TempDir(), "export_empty.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store, err := eventlog.Open(ctx, db, sk, pk)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cpEngine := checkpoint.NewEngine(db, sk, 1)

	raw, err := BuildExportBundle(ctx, store, cpEngine, 1, 5, 50, 3600)
	if err != nil {
		t.Fatalf("build export bundle: %v", err)
	}
	var bundle ExportBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if len(bundle.Events) != 0 || len(bundle.Checkpoints) != 0 {
		t.Fatalf("expected empty bundle, got %+v", bundle)
	}
}
