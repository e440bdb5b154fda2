// Package verifier implements the Privacy Witness Kernel's external
// verifier (C7): a self-contained re-implementation of chain
// verification against nothing but a sqlite file and, optionally, an
// operator-supplied public key. It deliberately imports none of this
// kernel's other packages' internal types, so it can be lifted out and
// run independently of the rest of the kernel.
package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	_ "modernc.org/sqlite"
)

const (
	domainEvent          = "pwk:event:v1"
	domainCheckpoint     = "pwk:checkpoint:v1"
	domainReceipt        = "pwk:receipt:v1"
	domainApprovals      = "pwk:approvals:v1"
	domainDeviceMetadata = "pwk:device-metadata:v1"
)

// Reason codes for a BrokenLink, mirroring the kernel's own error
// taxonomy so operator tooling can key off the same strings.
const (
	ReasonHashMismatch = "hash_mismatch"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonChainLinkBroken = "chain_link_broken"
	ReasonCoverageGap = "coverage_gap"
	ReasonCommitmentMismatch = "approvals_commitment_mismatch"
	ReasonApproverUnknown = "approver_unknown"
	ReasonApprovalSignatureBad = "approval_signature_invalid"
)

// BrokenLink names the first place verification failed.
type BrokenLink struct {
	Chain  string // "event" | "checkpoint" | "receipt"
	Seq    uint64
	Reason string
}

// Report is the outcome of a full verification pass.
type Report struct {
	OK              bool
	FirstBreak      *BrokenLink
	EventCount      uint64
	CheckpointCount uint64
	ReceiptCount    uint64
}

func domainHash(domain string, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify opens dbPath read-only and independently re-checks the event
// chain, the checkpoint chain, and the break-glass receipt chain: every
// entry's hash linkage, and — when a public key is available — its
// signature. pubKeyOverride, if non-nil, is used in place of the key
// recorded in device_metadata (useful for verifying against a key held
// outside the database being checked).
func Verify(ctx context.Context, dbPath string, pubKeyOverride ed25519.PublicKey) (*Report, error) {
	conn, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("verifier: open %s: %w", dbPath, err)
	}
	defer conn.Close()

	pk := pubKeyOverride
	if pk == nil {
		pk, err = readDevicePublicKey(ctx, conn)
		if err != nil {
			return nil, err
		}
	}

	report := &Report{OK: true}

	if broken, n, err := verifyEventChain(ctx, conn, pk); err != nil {
		return nil, err
	} else {
		report.EventCount = n
		if broken != nil {
			report.OK = false
			report.FirstBreak = broken
			return report, nil
		}
	}

	if broken, n, err := verifyCheckpointChain(ctx, conn, pk); err != nil {
		return nil, err
	} else {
		report.CheckpointCount = n
		if broken != nil {
			report.OK = false
			report.FirstBreak = broken
			return report, nil
		}
	}

	if broken, n, err := verifyReceiptChain(ctx, conn, pk); err != nil {
		return nil, err
	} else {
		report.ReceiptCount = n
		if broken != nil {
			report.OK = false
			report.FirstBreak = broken
			return report, nil
		}
	}

	if broken, err := verifyCheckpointCoverage(ctx, conn); err != nil {
		return nil, err
	} else if broken != nil {
		report.OK = false
		report.FirstBreak = broken
	}

	return report, nil
}

// readDevicePublicKey reads the device's provisioning record and verifies
// its self-signature before returning the public key — this is the
// verifier's trust root, so an unverified record must never be trusted.
func readDevicePublicKey(ctx context.Context, conn *sql.DB) (ed25519.PublicKey, error) {
	var pk, quorumHash, sig []byte
	var rulesetID, kernelVersion string
	var provisionBucket uint32
	err := conn.QueryRowContext(ctx,
		`SELECT public_key, ruleset_id, kernel_version, quorum_policy_hash, provision_bucket, provision_signature
		 FROM device_metadata WHERE id = 1`,
	).Scan(&pk, &rulesetID, &kernelVersion, &quorumHash, &provisionBucket, &sig)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("verifier: device not provisioned")
	}
	if err != nil {
		return nil, fmt.Errorf("verifier: read device public key: %w", err)
	}

	var bucketBuf [8]byte
	binary.BigEndian.PutUint64(bucketBuf[:], uint64(provisionBucket))
	metaHash := domainHash(domainDeviceMetadata, pk, []byte(rulesetID), []byte(kernelVersion), quorumHash, bucketBuf[:])
	if !ed25519.Verify(ed25519.PublicKey(pk), metaHash[:], sig) {
		return nil, fmt.Errorf("verifier: device metadata self-signature does not verify")
	}
	return ed25519.PublicKey(pk), nil
}

// anchorPrevHash seeds verifyEventChain's running prevHash. An unpruned
// log starts at the zero hash; a pruned log's first retained row carries a
// non-zero prev_hash that only the checkpoint covering through the row
// just before it can account for, so that checkpoint's chain_head_hash is
// the correct anchor instead of zero.
func anchorPrevHash(ctx context.Context, conn *sql.DB) ([32]byte, *BrokenLink, error) {
	var zero [32]byte
	var firstSeq sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT MIN(seq) FROM sealed_events`).Scan(&firstSeq); err != nil {
		return zero, nil, fmt.Errorf("verifier: read first event seq: %w", err)
	}
	if !firstSeq.Valid || firstSeq.Int64 <= 1 {
		return zero, nil, nil
	}

	var headHashBytes []byte
	err := conn.QueryRowContext(ctx,
		`SELECT chain_head_hash FROM checkpoints WHERE covers_through_seq = ? ORDER BY checkpoint_seq DESC LIMIT 1`,
		firstSeq.Int64-1,
	).Scan(&headHashBytes)
	if err == sql.ErrNoRows {
		return zero, &BrokenLink{Chain: "event", Seq: uint64(firstSeq.Int64), Reason: ReasonCoverageGap}, nil
	}
	if err != nil {
		return zero, nil, fmt.Errorf("verifier: read covering checkpoint: %w", err)
	}
	var anchor [32]byte
	copy(anchor[:], headHashBytes)
	return anchor, nil, nil
}

func verifyEventChain(ctx context.Context, conn *sql.DB, pk ed25519.PublicKey) (*BrokenLink, uint64, error) {
	prevHash, broken, err := anchorPrevHash(ctx, conn)
	if err != nil {
		return nil, 0, err
	}
	if broken != nil {
		return broken, 0, nil
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT seq, payload, prev_hash, entry_hash, signature FROM sealed_events ORDER BY seq ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("verifier: query events: %w", err)
	}
	defer rows.Close()

	var count uint64
	for rows.Next() {
		var seq uint64
		var payload, prevHashBytes, entryHashBytes, sig []byte
		if err := rows.Scan(&seq, &payload, &prevHashBytes, &entryHashBytes, &sig); err != nil {
			return nil, count, fmt.Errorf("verifier: scan event: %w", err)
		}
		count++

		var storedPrev, storedEntry [32]byte
		copy(storedPrev[:], prevHashBytes)
		copy(storedEntry[:], entryHashBytes)

		if storedPrev != prevHash {
			return &BrokenLink{Chain: "event", Seq: seq, Reason: ReasonChainLinkBroken}, count, nil
		}
		want := domainHash(domainEvent, storedPrev[:], payload)
		if want != storedEntry {
			return &BrokenLink{Chain: "event", Seq: seq, Reason: ReasonHashMismatch}, count, nil
		}
		if len(pk) == ed25519.PublicKeySize && !ed25519.Verify(pk, storedEntry[:], sig) {
			return &BrokenLink{Chain: "event", Seq: seq, Reason: ReasonSignatureInvalid}, count, nil
		}
		prevHash = storedEntry
	}
	return nil, count, rows.Err()
}

func verifyCheckpointChain(ctx context.Context, conn *sql.DB, pk ed25519.PublicKey) (*BrokenLink, uint64, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT checkpoint_seq, covers_through_seq, chain_head_hash, prev_hash, entry_hash, signature, bucket
		 FROM checkpoints ORDER BY checkpoint_seq ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("verifier: query checkpoints: %w", err)
	}
	defer rows.Close()

	var count uint64
	var prevHash [32]byte
	for rows.Next() {
		var seq, covers uint64
		var bucket uint32
		var headHashBytes, prevHashBytes, entryHashBytes, sig []byte
		if err := rows.Scan(&seq, &covers, &headHashBytes, &prevHashBytes, &entryHashBytes, &sig, &bucket); err != nil {
			return nil, count, fmt.Errorf("verifier: scan checkpoint: %w", err)
		}
		count++

		var storedPrev, storedEntry [32]byte
		copy(storedPrev[:], prevHashBytes)
		copy(storedEntry[:], entryHashBytes)

		if storedPrev != prevHash {
			return &BrokenLink{Chain: "checkpoint", Seq: seq, Reason: ReasonChainLinkBroken}, count, nil
		}

		var coversBuf, bucketBuf [8]byte
		binary.BigEndian.PutUint64(coversBuf[:], covers)
		binary.BigEndian.PutUint64(bucketBuf[:], uint64(bucket))
		want := domainHash(domainCheckpoint, storedPrev[:], coversBuf[:], headHashBytes, bucketBuf[:])
		if want != storedEntry {
			return &BrokenLink{Chain: "checkpoint", Seq: seq, Reason: ReasonHashMismatch}, count, nil
		}
		if len(pk) == ed25519.PublicKeySize && !ed25519.Verify(pk, storedEntry[:], sig) {
			return &BrokenLink{Chain: "checkpoint", Seq: seq, Reason: ReasonSignatureInvalid}, count, nil
		}
		prevHash = storedEntry
	}
	return nil, count, rows.Err()
}

// verifierApproval mirrors breakglass.Approval's field shape exactly
// (including its lack of JSON tags and its [32]byte scope hash, which
// marshals as a JSON number array rather than base64) so approvals_json
// round-trips identically without importing the breakglass package.
type verifierApproval struct {
	RequestID         string
	ApproverID        string
	ApprovedScopeHash [32]byte
	ApproverSignature []byte
	ApprovalBucket    uint32
}

// approvalsCommitmentLocal mirrors breakglass.approvalsCommitment: sort by
// approver ID, then hash each approver ID and their signed scope hash.
func approvalsCommitmentLocal(approvals []verifierApproval) [32]byte {
	sorted := make([]verifierApproval, len(approvals))
	copy(sorted, approvals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ApproverID < sorted[j].ApproverID })

	parts := make([][]byte, 0, len(sorted)*2)
	for _, a := range sorted {
		parts = append(parts, []byte(a.ApproverID), a.ApprovedScopeHash[:])
	}
	return domainHash(domainApprovals, parts...)
}

// lookupApproverKey reads one approver's enrolled public key.
func lookupApproverKey(ctx context.Context, conn *sql.DB, approverID string) (ed25519.PublicKey, bool, error) {
	var pk []byte
	err := conn.QueryRowContext(ctx, `SELECT public_key FROM approvers WHERE approver_id = ?`, approverID).Scan(&pk)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("verifier: read approver %s: %w", approverID, err)
	}
	return ed25519.PublicKey(pk), true, nil
}

func verifyReceiptChain(ctx context.Context, conn *sql.DB, pk ed25519.PublicKey) (*BrokenLink, uint64, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT receipt_seq, request_id, approvals_commitment, approvals_json, outcome, issued_bucket, prev_hash, entry_hash, signature
		 FROM break_glass_receipts ORDER BY receipt_seq ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("verifier: query receipts: %w", err)
	}
	defer rows.Close()

	var count uint64
	var prevHash [32]byte
	for rows.Next() {
		var seq uint64
		var requestID, outcome, approvalsJSON string
		var bucket uint32
		var commitment, prevHashBytes, entryHashBytes, sig []byte
		if err := rows.Scan(&seq, &requestID, &commitment, &approvalsJSON, &outcome, &bucket, &prevHashBytes, &entryHashBytes, &sig); err != nil {
			return nil, count, fmt.Errorf("verifier: scan receipt: %w", err)
		}
		count++

		var storedPrev, storedEntry, storedCommitment [32]byte
		copy(storedPrev[:], prevHashBytes)
		copy(storedEntry[:], entryHashBytes)
		copy(storedCommitment[:], commitment)

		if storedPrev != prevHash {
			return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonChainLinkBroken}, count, nil
		}

		var seqBuf, bucketBuf [8]byte
		binary.BigEndian.PutUint64(seqBuf[:], seq)
		binary.BigEndian.PutUint64(bucketBuf[:], uint64(bucket))
		want := domainHash(domainReceipt, storedPrev[:], seqBuf[:], []byte(requestID), commitment, []byte(outcome), bucketBuf[:])
		if want != storedEntry {
			return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonHashMismatch}, count, nil
		}
		if len(pk) == ed25519.PublicKeySize && !ed25519.Verify(pk, storedEntry[:], sig) {
			return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonSignatureInvalid}, count, nil
		}

		var approvals []verifierApproval
		if err := json.Unmarshal([]byte(approvalsJSON), &approvals); err != nil {
			return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonCommitmentMismatch}, count, nil
		}
		if approvalsCommitmentLocal(approvals) != storedCommitment {
			return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonCommitmentMismatch}, count, nil
		}
		for _, a := range approvals {
			approverPK, enrolled, err := lookupApproverKey(ctx, conn, a.ApproverID)
			if err != nil {
				return nil, count, err
			}
			if !enrolled {
				return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonApproverUnknown}, count, nil
			}
			signingHash := domainHash(domainApprovals, []byte(requestID), []byte(a.ApproverID), a.ApprovedScopeHash[:])
			if !ed25519.Verify(approverPK, signingHash[:], a.ApproverSignature) {
				return &BrokenLink{Chain: "receipt", Seq: seq, Reason: ReasonApprovalSignatureBad}, count, nil
			}
		}

		prevHash = storedEntry
	}
	return nil, count, rows.Err()
}

// verifyCheckpointCoverage checks that the latest checkpoint does not
// claim coverage past the highest retained event seq: a checkpoint
// covering through seq N while the log's highest seq is below N means rows
// at the tail of the covered range are gone. An empty event table is not
// flagged. Useful for auditing a store this verifier doesn't control.
func verifyCheckpointCoverage(ctx context.Context, conn *sql.DB) (*BrokenLink, error) {
	var maxCovers sql.NullInt64
	err := conn.QueryRowContext(ctx, `SELECT MAX(covers_through_seq) FROM checkpoints`).Scan(&maxCovers)
	if err != nil {
		return nil, fmt.Errorf("verifier: read max coverage: %w", err)
	}
	if !maxCovers.Valid {
		return nil, nil
	}

	var maxEventSeq sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM sealed_events`).Scan(&maxEventSeq); err != nil {
		return nil, fmt.Errorf("verifier: read max event seq: %w", err)
	}
	if maxEventSeq.Valid && maxEventSeq.Int64 < maxCovers.Int64 {
		return &BrokenLink{Chain: "checkpoint", Seq: uint64(maxCovers.Int64), Reason: ReasonCoverageGap}, nil
	}
	return nil, nil
}
