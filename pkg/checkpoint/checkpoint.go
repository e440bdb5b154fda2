// Package checkpoint implements the Privacy Witness Kernel's checkpoint
// and retention engine (C4): periodic signed anchors over the event chain
// that let verification and pruning start from a covered prefix instead of
// genesis.
package checkpoint

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/binary"
	"fmt"

	"github.com/certen/privacy-witness-kernel/pkg/crypto"
	"github.com/certen/privacy-witness-kernel/pkg/database"
)

const pruneBatchSize = 500

// Checkpoint is one committed checkpoint-chain record.
type Checkpoint struct {
	CheckpointSeq    uint64
	CoversThroughSeq uint64
	ChainHeadHash    [32]byte
	PrevHash         [32]byte
	EntryHash        [32]byte
	Signature        []byte
	Bucket           uint32
}

// Engine drives checkpoint creation and retention pruning against the
// event chain held in db.
type Engine struct {
	db *database.DB
	sk ed25519.PrivateKey

	// EveryN is the append-count cadence: MaybeCheckpoint fires once at
	// least this many event-chain entries exist past the last checkpoint.
	EveryN uint64
}

// NewEngine constructs a checkpoint Engine signing with sk, checkpointing
// every everyN new event-chain entries.
func NewEngine(db *database.DB, sk ed25519.PrivateKey, everyN uint64) *Engine {
	return &Engine{db: db, sk: sk, EveryN: everyN}
}

func (e *Engine) lastCheckpoint(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (seq, covers uint64, headHash [32]byte, err error) {
	var hash []byte
	err = q.QueryRowContext(ctx,
		`SELECT checkpoint_seq, covers_through_seq, entry_hash FROM checkpoints ORDER BY checkpoint_seq DESC LIMIT 1`,
	).Scan(&seq, &covers, &hash)
	if err == sql.ErrNoRows {
		return 0, 0, headHash, nil
	}
	if err != nil {
		return 0, 0, headHash, fmt.Errorf("checkpoint: read last checkpoint: %w", err)
	}
	copy(headHash[:], hash)
	return seq, covers, headHash, nil
}

func (e *Engine) eventHead(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (seq uint64, hash [32]byte, err error) {
	var h []byte
	err = q.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM sealed_events ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &h)
	if err == sql.ErrNoRows {
		return 0, hash, nil
	}
	if err != nil {
		return 0, hash, fmt.Errorf("checkpoint: read event head: %w", err)
	}
	copy(hash[:], h)
	return seq, hash, nil
}

// MaybeCheckpoint issues a new checkpoint if at least EveryN event-chain
// entries have accumulated since the last one. Returns (nil, nil) if the
// cadence hasn't fired yet.
func (e *Engine) MaybeCheckpoint(ctx context.Context, bucket uint32) (*Checkpoint, error) {
	_, covers, _, err := e.lastCheckpoint(ctx, e.db.Conn())
	if err != nil {
		return nil, err
	}
	headSeq, _, err := e.eventHead(ctx, e.db.Conn())
	if err != nil {
		return nil, err
	}
	if headSeq < covers+e.EveryN {
		return nil, nil
	}
	return e.ForceCheckpoint(ctx, bucket)
}

// ForceCheckpoint issues a new checkpoint covering the event chain through
// its current head, regardless of cadence. Fails with
// ErrNothingToCheckpoint if there are no entries past the last checkpoint.
func (e *Engine) ForceCheckpoint(ctx context.Context, bucket uint32) (*Checkpoint, error) {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: begin: %w", err)
	}
	defer tx.Rollback()

	lastSeq, covers, lastHash, err := e.lastCheckpoint(ctx, tx)
	if err != nil {
		return nil, err
	}
	headSeq, headHash, err := e.eventHead(ctx, tx)
	if err != nil {
		return nil, err
	}
	if headSeq <= covers {
		return nil, ErrNothingToCheckpoint
	}

	cp := &Checkpoint{
		CheckpointSeq:    lastSeq + 1,
		CoversThroughSeq: headSeq,
		ChainHeadHash:    headHash,
		PrevHash:         lastHash,
		Bucket:           bucket,
	}
	cp.EntryHash = checkpointHash(cp)
	cp.Signature = crypto.Sign(e.sk, cp.EntryHash[:])

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_seq, covers_through_seq, chain_head_hash, prev_hash, entry_hash, signature, bucket)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.CheckpointSeq, cp.CoversThroughSeq, cp.ChainHeadHash[:], cp.PrevHash[:], cp.EntryHash[:], cp.Signature, cp.Bucket,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("checkpoint: commit: %w", err)
	}
	return cp, nil
}

// GetCheckpointChain returns every committed checkpoint in sequence order,
// oldest first. Intended for export and for external verification, where
// the whole chain (not just the latest anchor) is needed to confirm
// unbroken coverage back to genesis.
func (e *Engine) GetCheckpointChain(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := e.db.Conn().QueryContext(ctx,
		`SELECT checkpoint_seq, covers_through_seq, chain_head_hash, prev_hash, entry_hash, signature, bucket
		 FROM checkpoints ORDER BY checkpoint_seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query chain: %w", err)
	}
	defer rows.Close()

	var chain []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var headHash, prevHash, entryHash []byte
		if err := rows.Scan(&cp.CheckpointSeq, &cp.CoversThroughSeq, &headHash, &prevHash, &entryHash, &cp.Signature, &cp.Bucket); err != nil {
			return nil, fmt.Errorf("checkpoint: scan chain row: %w", err)
		}
		copy(cp.ChainHeadHash[:], headHash)
		copy(cp.PrevHash[:], prevHash)
		copy(cp.EntryHash[:], entryHash)
		chain = append(chain, &cp)
	}
	return chain, rows.Err()
}

// checkpointHash computes the domain-separated hash committing a
// checkpoint to its coverage, the event chain head it anchors, and its
// position in the checkpoint chain.
func checkpointHash(cp *Checkpoint) [32]byte {
	var coversBuf, bucketBuf [8]byte
	binary.BigEndian.PutUint64(coversBuf[:], cp.CoversThroughSeq)
	binary.BigEndian.PutUint64(bucketBuf[:], uint64(cp.Bucket))
	return crypto.DomainHash(crypto.DomainCheckpoint, cp.PrevHash[:], coversBuf[:], cp.ChainHeadHash[:], bucketBuf[:])
}

// Prune deletes event-chain rows with bucket <= cutoffBucket, but only if
// every such row is covered by a committed checkpoint (seq <= the latest
// checkpoint's covers_through_seq). If any candidate row is not covered,
// Prune deletes nothing and returns ErrCheckpointStale — retention never
// destroys a row the checkpoint chain hasn't anchored yet.
func (e *Engine) Prune(ctx context.Context, cutoffBucket uint32) (uint64, error) {
	_, covers, _, err := e.lastCheckpoint(ctx, e.db.Conn())
	if err != nil {
		return 0, err
	}

	var uncovered int
	err = e.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sealed_events WHERE bucket <= ? AND seq > ?`, cutoffBucket, covers,
	).Scan(&uncovered)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: check coverage: %w", err)
	}
	if uncovered > 0 {
		return 0, ErrCheckpointStale
	}

	var deleted uint64
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		n, err := e.pruneBatch(ctx, cutoffBucket, covers)
		if err != nil {
			return deleted, err
		}
		deleted += uint64(n)
		if n < pruneBatchSize {
			return deleted, nil
		}
	}
}

func (e *Engine) pruneBatch(ctx context.Context, cutoffBucket uint32, covers uint64) (int, error) {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: begin prune batch: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq FROM sealed_events WHERE bucket <= ? AND seq <= ? ORDER BY seq ASC LIMIT ?`,
		cutoffBucket, covers, pruneBatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: select prune batch: %w", err)
	}
	var seqs []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return 0, fmt.Errorf("checkpoint: scan prune batch: %w", err)
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sealed_events WHERE seq = ?`, seq); err != nil {
			return 0, fmt.Errorf("checkpoint: delete seq %d: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("checkpoint: commit prune batch: %w", err)
	}
	return len(seqs), nil
}
