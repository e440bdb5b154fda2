// Package eventlog implements the Privacy Witness Kernel's sealed log
// store (C3): an append-only, hash-chained, signed event log with a
// gapless monotonic sequence number.
package eventlog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"sync"

	"github.com/certen/privacy-witness-kernel/pkg/crypto"
	"github.com/certen/privacy-witness-kernel/pkg/database"
)

var zeroHash [32]byte

// Entry is one committed event chain record.
type Entry struct {
	Seq       uint64
	Payload   []byte
	PrevHash  [32]byte
	EntryHash [32]byte
	Signature []byte
	Bucket    uint32
}

// Store is the sealed event log. Appends are serialized by mu; reads may
// proceed concurrently against the underlying sqlite connection.
type Store struct {
	db *database.DB
	sk ed25519.PrivateKey
	pk ed25519.PublicKey

	mu          sync.Mutex
	quarantined bool
}

// Open opens the event log against db, verifying the current head's
// signature and chain link before returning. sk is used to sign new
// entries; pk is the device public key entries are expected to verify
// under (normally ed25519.PrivateKey.Public() of sk, but kept distinct so
// a read-only opener can pass nil sk and still detect corruption).
func Open(ctx context.Context, db *database.DB, sk ed25519.PrivateKey, pk ed25519.PublicKey) (*Store, error) {
	s := &Store{db: db, sk: sk, pk: pk}
	if err := s.verifyHead(ctx); err != nil {
		s.quarantined = true
		return s, err
	}
	return s, nil
}

// Quarantined reports whether a corruption has been detected; once true,
// Append always fails.
func (s *Store) Quarantined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quarantined
}

// Head returns the last committed entry's seq and entry_hash, or
// (0, zero hash) if the log is empty.
func (s *Store) Head(ctx context.Context) (uint64, [32]byte, error) {
	return s.headTx(ctx, s.db.Conn())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) headTx(ctx context.Context, q queryer) (uint64, [32]byte, error) {
	var seq uint64
	var hash []byte
	err := q.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM sealed_events ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, zeroHash, nil
	}
	if err != nil {
		return 0, zeroHash, fmt.Errorf("eventlog: read head: %w", err)
	}
	var out [32]byte
	copy(out[:], hash)
	return seq, out, nil
}

// Append atomically assigns the next seq, links it to the current head,
// signs it, and commits it in one transaction. Either the entry is
// durably on disk with a valid signature and prev_hash, or the call fails
// with no side effect.
func (s *Store) Append(ctx context.Context, payload []byte, bucket uint32) (uint64, [32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quarantined {
		return 0, zeroHash, ErrChainBroken
	}

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return 0, zeroHash, fmt.Errorf("eventlog: begin append: %w", err)
	}
	defer tx.Rollback()

	headSeq, headHash, err := s.headTx(ctx, tx)
	if err != nil {
		return 0, zeroHash, err
	}

	entryHash := crypto.DomainHash(crypto.DomainEvent, headHash[:], payload)
	sig := crypto.Sign(s.sk, entryHash[:])
	seq := headSeq + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sealed_events (seq, payload, prev_hash, entry_hash, signature, bucket)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		seq, payload, headHash[:], entryHash[:], sig, bucket,
	)
	if err != nil {
		return 0, zeroHash, fmt.Errorf("eventlog: insert entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, zeroHash, fmt.Errorf("eventlog: commit append: %w", err)
	}

	return seq, entryHash, nil
}

// Get retrieves and re-verifies a single entry by seq.
func (s *Store) Get(ctx context.Context, seq uint64) (*Entry, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT seq, payload, prev_hash, entry_hash, signature, bucket
		 FROM sealed_events WHERE seq = ?`, seq)
	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	if err := s.verifyEntry(e, nil); err != nil {
		s.mu.Lock()
		s.quarantined = true
		s.mu.Unlock()
		return nil, err
	}
	return e, nil
}

// Iter returns committed entries with seq in [from, to], re-verifying the
// chain link and signature of each as it is read. Restartable: callers
// page through the log by calling Iter again with an updated `from`.
func (s *Store) Iter(ctx context.Context, from, to uint64) ([]*Entry, error) {
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT seq, payload, prev_hash, entry_hash, signature, bucket
		 FROM sealed_events WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query range: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	var prev *Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if err := s.verifyEntry(e, prev); err != nil {
			s.mu.Lock()
			s.quarantined = true
			s.mu.Unlock()
			return nil, err
		}
		entries = append(entries, e)
		prev = e
	}
	return entries, rows.Err()
}

// ListEvents returns entries whose stored bucket falls in [fromBucket,
// toBucket], most recent first, capped at limit. The Bucket field on each
// returned Entry is jittered — shifted by a uniform random offset in
// [0, bucketSizeS) seconds, reseeded on every call — so a returned bucket
// does not by itself reveal the exact stored bucket an event was sealed
// under. Jitter never touches EntryHash or Signature, which
// commit only to PrevHash and Payload, so a jittered entry still verifies.
func (s *Store) ListEvents(ctx context.Context, fromBucket, toBucket uint32, limit int, bucketSizeS int64) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Conn().QueryContext(ctx,
		`SELECT seq, payload, prev_hash, entry_hash, signature, bucket
		 FROM sealed_events WHERE bucket >= ? AND bucket <= ? ORDER BY seq DESC LIMIT ?`,
		fromBucket, toBucket, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query bucket range: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if err := s.verifyEntry(e, nil); err != nil {
			s.mu.Lock()
			s.quarantined = true
			s.mu.Unlock()
			return nil, err
		}
		e.Bucket = jitterBucket(e.Bucket, bucketSizeS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// jitterBucket shifts bucket's start time by a uniform random offset in
// [0, bucketSizeS) seconds and re-derives the bucket index by rounding to
// the nearest bucket, so the reported bucket is either the stored one or
// its upper neighbor. Falls back to the unjittered bucket if the system
// RNG is unavailable.
func jitterBucket(bucket uint32, bucketSizeS int64) uint32 {
	if bucketSizeS <= 0 {
		return bucket
	}
	offset, err := rand.Int(rand.Reader, big.NewInt(bucketSizeS))
	if err != nil {
		return bucket
	}
	startS := int64(bucket)*bucketSizeS + offset.Int64()
	return uint32((startS + bucketSizeS/2) / bucketSizeS)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var prevHash, entryHash []byte
	if err := row.Scan(&e.Seq, &e.Payload, &prevHash, &entryHash, &e.Signature, &e.Bucket); err != nil {
		return nil, fmt.Errorf("eventlog: scan entry: %w", err)
	}
	copy(e.PrevHash[:], prevHash)
	copy(e.EntryHash[:], entryHash)
	return &e, nil
}

// verifyEntry re-checks an entry's signature and, when prev is non-nil,
// its chain linkage against prev.
func (s *Store) verifyEntry(e *Entry, prev *Entry) error {
	if prev != nil && e.PrevHash != prev.EntryHash {
		return &ChainBrokenError{Seq: e.Seq}
	}
	want := crypto.DomainHash(crypto.DomainEvent, e.PrevHash[:], e.Payload)
	if want != e.EntryHash {
		return &ChainBrokenError{Seq: e.Seq}
	}
	if s.pk != nil && !crypto.Verify(s.pk, e.EntryHash[:], e.Signature) {
		return &ChainBrokenError{Seq: e.Seq}
	}
	return nil
}

// verifyHead re-verifies the current head entry and the entry directly
// below it (if any), run once at Open.
func (s *Store) verifyHead(ctx context.Context) error {
	headSeq, _, err := s.Head(ctx)
	if err != nil {
		return err
	}
	if headSeq == 0 {
		return nil
	}
	from := headSeq
	if headSeq > 1 {
		from = headSeq - 1
	}
	_, err = s.Iter(ctx, from, headSeq)
	return err
}
