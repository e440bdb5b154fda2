// Package breakglass implements the Privacy Witness Kernel's quorum-gated
// break-glass workflow (C6): a request/approval state machine with its
// own independently-chained receipt lineage.
package breakglass

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/certen/privacy-witness-kernel/pkg/crypto"
	"github.com/certen/privacy-witness-kernel/pkg/database"
	"github.com/certen/privacy-witness-kernel/pkg/vault"
)

// Engine drives the break-glass state machine and its receipt chain.
type Engine struct {
	db *database.DB
	sk ed25519.PrivateKey

	// QuorumM is the minimum number of distinct, role-diverse approvers
	// required before a request resolves to Approved.
	QuorumM int

	// BucketSizeS converts the abstract bucket unit used throughout the
	// kernel into seconds, for comparing against ApprovalWindowS.
	BucketSizeS int64

	// DenialReceiptsMandatory decides whether Deny always issues a
	// receipt-chain entry or only does so when explicitly asked.
	DenialReceiptsMandatory bool
}

// NewEngine constructs a break-glass Engine signing with sk.
func NewEngine(db *database.DB, sk ed25519.PrivateKey, quorumM int, bucketSizeS int64, denialReceiptsMandatory bool) *Engine {
	return &Engine{
		db:                      db,
		sk:                      sk,
		QuorumM:                 quorumM,
		BucketSizeS:             bucketSizeS,
		DenialReceiptsMandatory: denialReceiptsMandatory,
	}
}

// Propose opens a new break-glass request, snapshotting the currently
// eligible approver set onto the request so later enrollment or
// revocation changes never affect this request's eligibility.
func (e *Engine) Propose(ctx context.Context, scopeJSON string, scopeHash, justificationHash [32]byte, bucket uint32, approvalWindowS int64, eligible []EnrolledApprover) (*Request, error) {
	req := &Request{
		RequestID:         uuid.NewString(),
		State:             StateProposed,
		ScopeJSON:         scopeJSON,
		ScopeHash:         scopeHash,
		JustificationHash: justificationHash,
		ProposedBucket:    bucket,
		ApprovalWindowS:   approvalWindowS,
		EnrolledApprovers: eligible,
	}

	snapshot, err := json.Marshal(eligible)
	if err != nil {
		return nil, fmt.Errorf("breakglass: marshal approver snapshot: %w", err)
	}

	_, err = e.db.Conn().ExecContext(ctx,
		`INSERT INTO break_glass_requests
		 (request_id, state, scope_json, scope_hash, justification_hash, proposed_bucket, approval_window_s, enrolled_approvers_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.State, req.ScopeJSON, req.ScopeHash[:], req.JustificationHash[:],
		req.ProposedBucket, req.ApprovalWindowS, string(snapshot),
	)
	if err != nil {
		return nil, fmt.Errorf("breakglass: insert request: %w", err)
	}
	return req, nil
}

func (e *Engine) loadRequest(ctx context.Context, requestID string) (*Request, error) {
	var req Request
	var scopeHash, justificationHash []byte
	var snapshotJSON string
	var resolvedSeq sql.NullInt64

	err := e.db.Conn().QueryRowContext(ctx,
		`SELECT request_id, state, scope_json, scope_hash, justification_hash, proposed_bucket, approval_window_s, enrolled_approvers_json, resolved_receipt_seq
		 FROM break_glass_requests WHERE request_id = ?`, requestID,
	).Scan(&req.RequestID, &req.State, &req.ScopeJSON, &scopeHash, &justificationHash,
		&req.ProposedBucket, &req.ApprovalWindowS, &snapshotJSON, &resolvedSeq)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("breakglass: load request: %w", err)
	}
	copy(req.ScopeHash[:], scopeHash)
	copy(req.JustificationHash[:], justificationHash)
	if resolvedSeq.Valid {
		seq := uint64(resolvedSeq.Int64)
		req.ResolvedReceiptSeq = &seq
	}
	if err := json.Unmarshal([]byte(snapshotJSON), &req.EnrolledApprovers); err != nil {
		return nil, fmt.Errorf("breakglass: unmarshal approver snapshot: %w", err)
	}
	return &req, nil
}

func (e *Engine) loadApprovals(ctx context.Context, requestID string) ([]Approval, error) {
	rows, err := e.db.Conn().QueryContext(ctx,
		`SELECT request_id, approver_id, approved_scope_hash, approver_signature, approval_bucket
		 FROM break_glass_approvals WHERE request_id = ? ORDER BY approver_id ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("breakglass: load approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var scopeHash []byte
		if err := rows.Scan(&a.RequestID, &a.ApproverID, &scopeHash, &a.ApproverSignature, &a.ApprovalBucket); err != nil {
			return nil, fmt.Errorf("breakglass: scan approval: %w", err)
		}
		copy(a.ApprovedScopeHash[:], scopeHash)
		out = append(out, a)
	}
	return out, rows.Err()
}

// approvalSigningHash is the domain-separated hash an approver signs:
// binds their vote to this request and the scope they are approving.
func approvalSigningHash(requestID, approverID string, scopeHash [32]byte) [32]byte {
	return crypto.DomainHash(crypto.DomainApprovals, []byte(requestID), []byte(approverID), scopeHash[:])
}

// Approve records one approver's vote. If this vote satisfies quorum, the
// request resolves to Approved and a receipt is issued in the same call.
func (e *Engine) Approve(ctx context.Context, requestID, approverID string, approvedScopeHash [32]byte, signature []byte, bucket uint32) (*Request, error) {
	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != StateProposed && req.State != StateCollecting {
		return nil, ErrRequestResolved
	}

	var enrolled *EnrolledApprover
	for i := range req.EnrolledApprovers {
		if req.EnrolledApprovers[i].ApproverID == approverID {
			enrolled = &req.EnrolledApprovers[i]
			break
		}
	}
	if enrolled == nil {
		return nil, ErrApproverNotEnrolled
	}

	if e.BucketSizeS > 0 {
		elapsed := int64(bucket-req.ProposedBucket) * e.BucketSizeS
		if elapsed > req.ApprovalWindowS {
			return nil, ErrApprovalWindowExpired
		}
	}

	if approvedScopeHash != req.ScopeHash {
		return nil, ErrScopeMismatch
	}

	signingHash := approvalSigningHash(requestID, approverID, approvedScopeHash)
	if !crypto.Verify(ed25519.PublicKey(enrolled.PublicKey), signingHash[:], signature) {
		return nil, ErrBadApproverSignature
	}

	_, err = e.db.Conn().ExecContext(ctx,
		`INSERT INTO break_glass_approvals (request_id, approver_id, approved_scope_hash, approver_signature, approval_bucket)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, approverID, approvedScopeHash[:], signature, bucket,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateApprover
		}
		return nil, fmt.Errorf("breakglass: insert approval: %w", err)
	}

	if req.State == StateProposed {
		if _, err := e.db.Conn().ExecContext(ctx,
			`UPDATE break_glass_requests SET state = ? WHERE request_id = ?`, StateCollecting, requestID,
		); err != nil {
			return nil, fmt.Errorf("breakglass: transition to collecting: %w", err)
		}
		req.State = StateCollecting
	}

	approvals, err := e.loadApprovals(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !quorumSatisfied(approvals, req.EnrolledApprovers, e.QuorumM) {
		return req, ErrQuorumInsufficient
	}

	receipt, err := e.issueReceipt(ctx, req, approvals, OutcomeApproved, "", bucket)
	if err != nil {
		return nil, err
	}
	if err := e.resolve(ctx, requestID, StateApproved, receipt.ReceiptSeq); err != nil {
		return nil, err
	}
	req.State = StateApproved
	req.ResolvedReceiptSeq = &receipt.ReceiptSeq
	return req, nil
}

// quorumSatisfied requires at least m distinct approvers and, when m >=
// 2, at least two distinct enrolled roles among them — a single role
// acting alone can never authorize release.
func quorumSatisfied(approvals []Approval, enrolled []EnrolledApprover, m int) bool {
	if len(approvals) < m {
		return false
	}
	if m < 2 {
		return true
	}
	roleByApprover := make(map[string]string, len(enrolled))
	for _, a := range enrolled {
		roleByApprover[a.ApproverID] = a.Role
	}
	roles := make(map[string]struct{})
	for _, ap := range approvals {
		roles[roleByApprover[ap.ApproverID]] = struct{}{}
	}
	return len(roles) >= 2
}

// Deny resolves a request to Denied. A receipt is issued unconditionally
// when DenialReceiptsMandatory, or when explicitly requested via
// issueReceiptOverride=true.
func (e *Engine) Deny(ctx context.Context, requestID, reasonCode string, bucket uint32, issueReceiptOverride bool) (*Request, error) {
	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.State != StateProposed && req.State != StateCollecting {
		return nil, ErrRequestResolved
	}

	if e.DenialReceiptsMandatory || issueReceiptOverride {
		approvals, err := e.loadApprovals(ctx, requestID)
		if err != nil {
			return nil, err
		}
		receipt, err := e.issueReceipt(ctx, req, approvals, OutcomeDenied, reasonCode, bucket)
		if err != nil {
			return nil, err
		}
		if err := e.resolve(ctx, requestID, StateDenied, receipt.ReceiptSeq); err != nil {
			return nil, err
		}
		req.ResolvedReceiptSeq = &receipt.ReceiptSeq
	} else {
		if _, err := e.db.Conn().ExecContext(ctx,
			`UPDATE break_glass_requests SET state = ? WHERE request_id = ?`, StateDenied, requestID,
		); err != nil {
			return nil, fmt.Errorf("breakglass: deny: %w", err)
		}
	}
	req.State = StateDenied
	return req, nil
}

// ExpireStale transitions every Proposed/Collecting request whose
// approval window has elapsed by nowBucket into Expired, returning the
// request IDs transitioned.
func (e *Engine) ExpireStale(ctx context.Context, nowBucket uint32) ([]string, error) {
	rows, err := e.db.Conn().QueryContext(ctx,
		`SELECT request_id, proposed_bucket, approval_window_s FROM break_glass_requests WHERE state IN (?, ?)`,
		StateProposed, StateCollecting)
	if err != nil {
		return nil, fmt.Errorf("breakglass: scan open requests: %w", err)
	}
	type candidate struct {
		id   string
		bkt  uint32
		wndS int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.bkt, &c.wndS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("breakglass: scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []string
	for _, c := range candidates {
		if e.BucketSizeS <= 0 {
			continue
		}
		elapsed := int64(nowBucket-c.bkt) * e.BucketSizeS
		if elapsed <= c.wndS {
			continue
		}
		if _, err := e.db.Conn().ExecContext(ctx,
			`UPDATE break_glass_requests SET state = ? WHERE request_id = ? AND state IN (?, ?)`,
			StateExpired, c.id, StateProposed, StateCollecting,
		); err != nil {
			return nil, fmt.Errorf("breakglass: expire %s: %w", c.id, err)
		}
		expired = append(expired, c.id)
	}
	return expired, nil
}

// Release performs the one composed operation the quorum gate actually
// exists to protect: it re-checks that the request resolved to Approved,
// that the envelope being asked for is the one the resolved scope covers,
// and that the resolved receipt still verifies under the device key —
// only then does it hand the release through to the vault and flip the
// request's own state to Released. A caller that skips this method and
// calls vault.Release directly gets none of these checks.
func (e *Engine) Release(ctx context.Context, v *vault.Vault, requestID string, envelopeID [32]byte) error {
	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State != StateApproved || req.ResolvedReceiptSeq == nil {
		return ErrNotApproved
	}
	if !scopeCoversEnvelope(req.ScopeJSON, envelopeID) {
		return ErrEnvelopeNotCovered
	}

	receipt, err := e.loadReceipt(ctx, *req.ResolvedReceiptSeq)
	if err != nil {
		return err
	}
	if receipt.RequestID != requestID || receipt.Outcome != OutcomeApproved {
		return ErrReceiptMismatch
	}
	if !crypto.Verify(e.sk.Public().(ed25519.PublicKey), receipt.EntryHash[:], receipt.Signature) {
		return ErrReceiptMismatch
	}

	if err := v.Release(ctx, envelopeID, receipt.EntryHash[:]); err != nil {
		return err
	}

	res, err := e.db.Conn().ExecContext(ctx,
		`UPDATE break_glass_requests SET state = ? WHERE request_id = ? AND state = ?`,
		StateReleased, requestID, StateApproved,
	)
	if err != nil {
		return fmt.Errorf("breakglass: mark released: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotApproved
	}
	return nil
}

// scopeCoversEnvelope reports whether envelopeID is named in the request's
// approved scope, under the convention that scope_json carries an
// "envelope_ids" array of hex-encoded envelope IDs alongside whatever else
// a caller puts there to describe what was requested.
func scopeCoversEnvelope(scopeJSON string, envelopeID [32]byte) bool {
	var scope struct {
		EnvelopeIDs []string `json:"envelope_ids"`
	}
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		return false
	}
	want := hex.EncodeToString(envelopeID[:])
	for _, id := range scope.EnvelopeIDs {
		if id == want {
			return true
		}
	}
	return false
}

func (e *Engine) loadReceipt(ctx context.Context, seq uint64) (*Receipt, error) {
	var r Receipt
	var commitment, prevHash, entryHash, sig []byte
	var reasonCode sql.NullString
	err := e.db.Conn().QueryRowContext(ctx,
		`SELECT receipt_seq, request_id, scope_json, approvals_commitment, approvals_json, outcome, reason_code, issued_bucket, prev_hash, entry_hash, signature
		 FROM break_glass_receipts WHERE receipt_seq = ?`, seq,
	).Scan(&r.ReceiptSeq, &r.RequestID, &r.ScopeJSON, &commitment, &r.ApprovalsJSON, &r.Outcome, &reasonCode,
		&r.IssuedBucket, &prevHash, &entryHash, &sig)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("breakglass: load receipt: %w", err)
	}
	copy(r.ApprovalsCommitment[:], commitment)
	copy(r.PrevHash[:], prevHash)
	copy(r.EntryHash[:], entryHash)
	r.ReasonCode = reasonCode.String
	r.Signature = sig
	return &r, nil
}

func (e *Engine) resolve(ctx context.Context, requestID, state string, receiptSeq uint64) error {
	_, err := e.db.Conn().ExecContext(ctx,
		`UPDATE break_glass_requests SET state = ?, resolved_receipt_seq = ? WHERE request_id = ?`,
		state, receiptSeq, requestID,
	)
	if err != nil {
		return fmt.Errorf("breakglass: resolve request: %w", err)
	}
	return nil
}

// issueReceipt appends one entry to the receipt chain, a lineage kept
// entirely separate from the event chain (own prev_hash/entry_hash
// sequence, own domain string) even though both are signed with the same
// device key.
func (e *Engine) issueReceipt(ctx context.Context, req *Request, approvals []Approval, outcome, reasonCode string, bucket uint32) (*Receipt, error) {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("breakglass: begin receipt: %w", err)
	}
	defer tx.Rollback()

	var lastSeq uint64
	var lastHashBytes []byte
	err = tx.QueryRowContext(ctx, `SELECT receipt_seq, entry_hash FROM break_glass_receipts ORDER BY receipt_seq DESC LIMIT 1`).
		Scan(&lastSeq, &lastHashBytes)
	var prevHash [32]byte
	if err == nil {
		copy(prevHash[:], lastHashBytes)
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("breakglass: read receipt head: %w", err)
	}

	approvalsJSON, err := json.Marshal(approvals)
	if err != nil {
		return nil, fmt.Errorf("breakglass: marshal approvals: %w", err)
	}

	r := &Receipt{
		ReceiptSeq:          lastSeq + 1,
		RequestID:           req.RequestID,
		ScopeJSON:           req.ScopeJSON,
		ApprovalsCommitment: approvalsCommitment(approvals),
		ApprovalsJSON:       string(approvalsJSON),
		Outcome:             outcome,
		ReasonCode:          reasonCode,
		IssuedBucket:        bucket,
		PrevHash:            prevHash,
	}
	r.EntryHash = receiptHash(r)
	r.Signature = crypto.Sign(e.sk, r.EntryHash[:])

	_, err = tx.ExecContext(ctx,
		`INSERT INTO break_glass_receipts
		 (receipt_seq, request_id, scope_json, approvals_commitment, approvals_json, outcome, reason_code, issued_bucket, prev_hash, entry_hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptSeq, r.RequestID, r.ScopeJSON, r.ApprovalsCommitment[:], r.ApprovalsJSON,
		r.Outcome, nullableString(r.ReasonCode), r.IssuedBucket, r.PrevHash[:], r.EntryHash[:], r.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("breakglass: insert receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("breakglass: commit receipt: %w", err)
	}
	return r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// approvalsCommitment hashes the sorted set of approver IDs and their
// signed scope hashes, so a receipt commits to exactly who approved what
// without re-deriving it from the mutable approvals table.
func approvalsCommitment(approvals []Approval) [32]byte {
	sorted := make([]Approval, len(approvals))
	copy(sorted, approvals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ApproverID < sorted[j].ApproverID })

	parts := make([][]byte, 0, len(sorted)*2)
	for _, a := range sorted {
		parts = append(parts, []byte(a.ApproverID), a.ApprovedScopeHash[:])
	}
	return crypto.DomainHash(crypto.DomainApprovals, parts...)
}

func receiptHash(r *Receipt) [32]byte {
	var seqBuf, bucketBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.ReceiptSeq)
	binary.BigEndian.PutUint64(bucketBuf[:], uint64(r.IssuedBucket))
	return crypto.DomainHash(crypto.DomainReceipt,
		r.PrevHash[:], seqBuf[:], []byte(r.RequestID), r.ApprovalsCommitment[:], []byte(r.Outcome), bucketBuf[:])
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	needle := "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(msg); i++ {
		if msg[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
