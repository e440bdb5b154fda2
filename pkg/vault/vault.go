// Package vault implements the Privacy Witness Kernel's confidential
// vault (C5): AEAD-sealed short artifacts, one per event, with a one-shot
// release semantic and checkpoint-independent retention expiry.
package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Vault wraps the shared sqlite store, sealing and releasing artifacts
// under a single 32-byte AEAD key derived by pkg/crypto.
type Vault struct {
	conn *sql.DB
	aead *chacha20poly1305.AEAD
}

// Open constructs a Vault over conn using key as the ChaCha20-Poly1305
// sealing key.
func Open(conn *sql.DB, key [32]byte) (*Vault, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("vault: construct aead: %w", err)
	}
	return &Vault{conn: conn, aead: &aead}, nil
}

// Seal encrypts plaintext under envelopeID (the sealing event's entry
// hash, used as both the envelope's primary key and its AEAD associated
// data) and inserts it. Fails with ErrEnvelopeExists if already sealed.
func (v *Vault) Seal(ctx context.Context, envelopeID [32]byte, plaintext []byte, sealedBucket, retentionUntilBucket uint32) error {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}
	ciphertext := (*v.aead).Seal(nil, nonce, plaintext, envelopeID[:])

	_, err := v.conn.ExecContext(ctx,
		`INSERT INTO vault_envelopes (envelope_id, ciphertext, nonce, aad, sealed_bucket, retention_until_bucket)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		envelopeID[:], ciphertext, nonce, envelopeID[:], sealedBucket, retentionUntilBucket,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEnvelopeExists
		}
		return fmt.Errorf("vault: insert envelope: %w", err)
	}
	return nil
}

// Unseal decrypts and returns the plaintext for envelopeID. Callers that
// need the artifact for release should call Release in the same
// operation rather than relying on Unseal having side effects — Unseal
// never mutates released_to_receipt_id.
func (v *Vault) Unseal(ctx context.Context, envelopeID [32]byte) ([]byte, error) {
	var ciphertext, nonce []byte
	err := v.conn.QueryRowContext(ctx,
		`SELECT ciphertext, nonce FROM vault_envelopes WHERE envelope_id = ?`, envelopeID[:],
	).Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read envelope: %w", err)
	}
	plaintext, err := (*v.aead).Open(nil, nonce, ciphertext, envelopeID[:])
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt envelope: %w", err)
	}
	return plaintext, nil
}

// Release atomically assigns envelopeID to receiptID, but only if it has
// never been released before. Concurrent Release calls for the same
// envelope serialize at the database; exactly one succeeds and every
// other caller gets ErrReleaseAlreadyConsumed.
func (v *Vault) Release(ctx context.Context, envelopeID [32]byte, receiptID []byte) error {
	res, err := v.conn.ExecContext(ctx,
		`UPDATE vault_envelopes SET released_to_receipt_id = ? WHERE envelope_id = ? AND released_to_receipt_id IS NULL`,
		receiptID, envelopeID[:],
	)
	if err != nil {
		return fmt.Errorf("vault: release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: release rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		err := v.conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM vault_envelopes WHERE envelope_id = ?)`, envelopeID[:]).Scan(&exists)
		if err != nil {
			return fmt.Errorf("vault: check envelope existence: %w", err)
		}
		if !exists {
			return ErrEnvelopeNotFound
		}
		return ErrReleaseAlreadyConsumed
	}
	return nil
}

// Expire deletes every envelope whose retention_until_bucket has passed,
// regardless of release state — retention expiry is unconditional.
func (v *Vault) Expire(ctx context.Context, bucket uint32) (uint64, error) {
	res, err := v.conn.ExecContext(ctx, `DELETE FROM vault_envelopes WHERE retention_until_bucket <= ?`, bucket)
	if err != nil {
		return 0, fmt.Errorf("vault: expire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vault: expire rows affected: %w", err)
	}
	return uint64(n), nil
}

// isUniqueViolation reports whether err is a sqlite UNIQUE/PRIMARY KEY
// constraint failure. modernc.org/sqlite surfaces these as plain errors
// carrying the SQLite text, so this matches on message content rather
// than a typed sentinel the driver doesn't expose.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "PRIMARY KEY constraint failed")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
