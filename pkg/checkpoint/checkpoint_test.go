package checkpoint

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/certen/privacy-witness-kernel/pkg/crypto"
	"github.com/certen/privacy-witness-kernel/pkg/database"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "checkpoint.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func appendEvents(t *testing.T, db *database.DB, sk ed25519.PrivateKey, n int, bucket uint32) {
	t.Helper()
	ctx := context.Background()
	var prevHash [32]byte
	for i := 1; i <= n; i++ {
		hash := crypto.DomainHash(crypto.DomainEvent, prevHash[:], []byte("payload"))
		sig := crypto.Sign(sk, hash[:])
		_, err := db.Conn().ExecContext(ctx,
			`INSERT INTO sealed_events (seq, payload, prev_hash, entry_hash, signature, bucket) VALUES (?, ?, ?, ?, ?, ?)`,
			i, []byte("payload"), prevHash[:], hash[:], sig, bucket)
		if err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
		prevHash = hash
	}
}

func TestForceCheckpoint_CoversAllEventsAndVerifies(t *testing.T) {
	db := testDB(t)
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	appendEvents(t, db, sk, 10, 1)

	e := NewEngine(db, sk, 1000)
	cp, err := e.ForceCheckpoint(context.Background(), 1)
	if err != nil {
		t.Fatalf("force checkpoint: %v", err)
	}
	if cp.CoversThroughSeq != 10 {
		t.Fatalf("expected checkpoint to cover through seq 10, got %d", cp.CoversThroughSeq)
	}
	if !crypto.Verify(pk, cp.EntryHash[:], cp.Signature) {
		t.Fatal("checkpoint signature does not verify")
	}
	if cp.PrevHash != zeroHash() {
		t.Fatalf("expected first checkpoint's prev_hash to be zero, got %x", cp.PrevHash)
	}
}

func TestForceCheckpoint_NoNewEntriesFails(t *testing.T) {
	db := testDB(t)
	_, sk, _ := ed25519.GenerateKey(rand.Reader)
	appendEvents(t, db, sk, 3, 1)

	e := NewEngine(db, sk, 1000)
	ctx := context.Background()
	if _, err := e.ForceCheckpoint(ctx, 1); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	if _, err := e.ForceCheckpoint(ctx, 1); err != ErrNothingToCheckpoint {
		t.Fatalf("expected ErrNothingToCheckpoint, got %v", err)
	}
}

func TestMaybeCheckpoint_RespectsCadence(t *testing.T) {
	db := testDB(t)
	_, sk, _ := ed25519.GenerateKey(rand.Reader)
	appendEvents(t, db, sk, 5, 1)

	e := NewEngine(db, sk, 10)
	ctx := context.Background()
	cp, err := e.MaybeCheckpoint(ctx, 1)
	if err != nil {
		t.Fatalf("maybe checkpoint: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected cadence not to have fired yet, got %+v", cp)
	}

	appendEvents2(t, db, sk, 6, 10, 1)
	cp, err = e.MaybeCheckpoint(ctx, 1)
	if err != nil {
		t.Fatalf("maybe checkpoint after cadence: %v", err)
	}
	if cp == nil {
		t.Fatal("expected cadence to have fired")
	}
}

// appendEvents2 extends an existing chain from seq `from` through `to`,
// reading the prior head's hash rather than starting from zero.
func appendEvents2(t *testing.T, db *database.DB, sk ed25519.PrivateKey, from, to int, bucket uint32) {
	t.Helper()
	ctx := context.Background()
	var prevHash [32]byte
	var h []byte
	err := db.Conn().QueryRowContext(ctx, `SELECT entry_hash FROM sealed_events ORDER BY seq DESC LIMIT 1`).Scan(&h)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	copy(prevHash[:], h)

	for i := from; i <= to; i++ {
		hash := crypto.DomainHash(crypto.DomainEvent, prevHash[:], []byte("payload"))
		sig := crypto.Sign(sk, hash[:])
		_, err := db.Conn().ExecContext(ctx,
			`INSERT INTO sealed_events (seq, payload, prev_hash, entry_hash, signature, bucket) VALUES (?, ?, ?, ?, ?, ?)`,
			i, []byte("payload"), prevHash[:], hash[:], sig, bucket)
		if err != nil {
			t.Fatalf("seed event %d: %v", i, err)
		}
		prevHash = hash
	}
}

func TestPrune_FailsClosedWithoutCoveringCheckpoint(t *testing.T) {
	db := testDB(t)
	_, sk, _ := ed25519.GenerateKey(rand.Reader)
	appendEvents(t, db, sk, 10, 1)

	e := NewEngine(db, sk, 1000)
	_, err := e.Prune(context.Background(), 1)
	if err != ErrCheckpointStale {
		t.Fatalf("expected ErrCheckpointStale, got %v", err)
	}
}

func TestPrune_DeletesOnlyCoveredRows(t *testing.T) {
	db := testDB(t)
	_, sk, _ := ed25519.GenerateKey(rand.Reader)
	appendEvents(t, db, sk, 10, 1)

	e := NewEngine(db, sk, 1000)
	ctx := context.Background()
	if _, err := e.ForceCheckpoint(ctx, 1); err != nil {
		t.Fatalf("force checkpoint: %v", err)
	}

	deleted, err := e.Prune(ctx, 1)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 10 {
		t.Fatalf("expected 10 rows deleted, got %d", deleted)
	}

	var remaining int
	if err := db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM sealed_events`).Scan(&remaining); err != nil {
		t.Fatalf("count remaining: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected all covered rows pruned, %d remain", remaining)
	}
}

func TestGetCheckpointChain_ReturnsInSequenceOrder(t *testing.T) {
	db := testDB(t)
	_, sk, _ := ed25519.GenerateKey(rand.Reader)
	appendEvents(t, db, sk, 5, 1)

	e := NewEngine(db, sk, 2)
	ctx := context.Background()

	if _, err := e.ForceCheckpoint(ctx, 1); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	appendEvents2(t, db, sk, 6, 8, 2)
	if _, err := e.ForceCheckpoint(ctx, 2); err != nil {
		t.Fatalf("second checkpoint: %v", err)
	}

	chain, err := e.GetCheckpointChain(ctx)
	if err != nil {
		t.Fatalf("get checkpoint chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(chain))
	}
	if chain[0].CheckpointSeq != 1 || chain[1].CheckpointSeq != 2 {
		t.Fatalf("expected checkpoints in sequence order, got %d then %d", chain[0].CheckpointSeq, chain[1].CheckpointSeq)
	}
	if chain[1].PrevHash != chain[0].EntryHash {
		t.Fatal("second checkpoint does not chain to the first")
	}
}

func zeroHash() [32]byte {
	var z [32]byte
	return z
}
