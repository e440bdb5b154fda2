package breakglass

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/certen/privacy-witness-kernel/pkg/crypto"
	"github.com/certen/privacy-witness-kernel/pkg/database"
	"github.com/certen/privacy-witness-kernel/pkg/vault"
)

type testApprover struct {
	id   string
	role string
	pk   ed25519.PublicKey
	sk   ed25519.PrivateKey
}

func newTestApprover(t *testing.T, id, role string) testApprover {
	t.Helper()
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate approver key: %v", err)
	}
	return testApprover{id: id, role: role, pk: pk, sk: sk}
}

func (a testApprover) enrolled() EnrolledApprover {
	return EnrolledApprover{ApproverID: a.id, PublicKey: a.pk, Role: a.role}
}

func (a testApprover) approve(e *Engine, requestID string, scopeHash [32]byte, bucket uint32) (*Request, error) {
	sig := crypto.Sign(a.sk, hashFor(requestID, a.id, scopeHash)[:])
	return e.Approve(context.Background(), requestID, a.id, scopeHash, sig, bucket)
}

func hashFor(requestID, approverID string, scopeHash [32]byte) [32]byte {
	return approvalSigningHash(requestID, approverID, scopeHash)
}

func testEngine(t *testing.T, quorumM int) *Engine {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "breakglass.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	_, sk, _ := ed25519.GenerateKey(rand.Reader)
	return NewEngine(db, sk, quorumM, 60, false)
}

func TestApprove_SingleApproverInsufficientForTwoOfThreeQuorum(t *testing.T) {
	e := testEngine(t, 2)
	ctx := context.Background()

	ops := newTestApprover(t, "approver-ops", "operator")
	sec := newTestApprover(t, "approver-sec", "security")
	eng := newTestApprover(t, "approver-eng", "engineering")

	var scopeHash, justHash [32]byte
	scopeHash[0] = 0xAA
	justHash[0] = 0xBB

	req, err := e.Propose(ctx, `{"zone_id":"zone:front"}`, scopeHash, justHash, 1, 60,
		[]EnrolledApprover{ops.enrolled(), sec.enrolled(), eng.enrolled()})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	_, err = ops.approve(e, req.RequestID, scopeHash, 1)
	if err != ErrQuorumInsufficient {
		t.Fatalf("expected ErrQuorumInsufficient after first approval, got %v", err)
	}

	resolved, err := sec.approve(e, req.RequestID, scopeHash, 1)
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if resolved.State != StateApproved {
		t.Fatalf("expected state approved, got %s", resolved.State)
	}
	if resolved.ResolvedReceiptSeq == nil || *resolved.ResolvedReceiptSeq != 1 {
		t.Fatalf("expected receipt seq 1, got %+v", resolved.ResolvedReceiptSeq)
	}
}

func TestApprove_SameRoleTwiceNeverSatisfiesQuorum(t *testing.T) {
	e := testEngine(t, 2)
	ctx := context.Background()

	opsA := newTestApprover(t, "approver-ops-a", "operator")
	opsB := newTestApprover(t, "approver-ops-b", "operator")

	var scopeHash, justHash [32]byte
	scopeHash[0] = 0xCC

	req, err := e.Propose(ctx, `{}`, scopeHash, justHash, 1, 60, []EnrolledApprover{opsA.enrolled(), opsB.enrolled()})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if _, err := opsA.approve(e, req.RequestID, scopeHash, 1); err != ErrQuorumInsufficient {
		t.Fatalf("expected ErrQuorumInsufficient, got %v", err)
	}
	if _, err := opsB.approve(e, req.RequestID, scopeHash, 1); err != ErrQuorumInsufficient {
		t.Fatalf("expected ErrQuorumInsufficient due to lack of role diversity, got %v", err)
	}
}

func TestApprove_RejectsDuplicateApprover(t *testing.T) {
	e := testEngine(t, 2)
	ctx := context.Background()
	ops := newTestApprover(t, "approver-ops", "operator")
	sec := newTestApprover(t, "approver-sec", "security")

	var scopeHash, justHash [32]byte
	scopeHash[0] = 0x01

	req, _ := e.Propose(ctx, `{}`, scopeHash, justHash, 1, 60, []EnrolledApprover{ops.enrolled(), sec.enrolled()})

	if _, err := ops.approve(e, req.RequestID, scopeHash, 1); err != ErrQuorumInsufficient {
		t.Fatalf("first approval: %v", err)
	}
	if _, err := ops.approve(e, req.RequestID, scopeHash, 1); err != ErrDuplicateApprover {
		t.Fatalf("expected ErrDuplicateApprover, got %v", err)
	}
}

func TestApprove_RejectsUnenrolledApprover(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()
	ops := newTestApprover(t, "approver-ops", "operator")
	outsider := newTestApprover(t, "approver-outsider", "operator")

	var scopeHash, justHash [32]byte
	req, _ := e.Propose(ctx, `{}`, scopeHash, justHash, 1, 60, []EnrolledApprover{ops.enrolled()})

	if _, err := outsider.approve(e, req.RequestID, scopeHash, 1); err != ErrApproverNotEnrolled {
		t.Fatalf("expected ErrApproverNotEnrolled, got %v", err)
	}
}

func TestApprove_RejectsExpiredApprovalWindow(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()
	ops := newTestApprover(t, "approver-ops", "operator")

	var scopeHash, justHash [32]byte
	req, _ := e.Propose(ctx, `{}`, scopeHash, justHash, 1, 60, []EnrolledApprover{ops.enrolled()})

	// BucketSizeS=60, window=60s => window is 1 bucket; bucket 3 is well past it.
	if _, err := ops.approve(e, req.RequestID, scopeHash, 3); err != ErrApprovalWindowExpired {
		t.Fatalf("expected ErrApprovalWindowExpired, got %v", err)
	}
}

func TestDeny_WithoutMandatoryReceiptSkipsReceiptChain(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()
	var scopeHash, justHash [32]byte
	req, _ := e.Propose(ctx, `{}`, scopeHash, justHash, 1, 60, nil)

	resolved, err := e.Deny(ctx, req.RequestID, "insufficient_justification", 1, false)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if resolved.State != StateDenied {
		t.Fatalf("expected denied, got %s", resolved.State)
	}
	if resolved.ResolvedReceiptSeq != nil {
		t.Fatalf("expected no receipt issued, got seq %d", *resolved.ResolvedReceiptSeq)
	}
}

func TestRelease_RequiresApprovedState(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()
	var scopeHash, justHash [32]byte
	req, _ := e.Propose(ctx, `{}`, scopeHash, justHash, 1, 60, nil)

	var envelopeID [32]byte
	if err := e.Release(ctx, nil, req.RequestID, envelopeID); err != ErrNotApproved {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
}

func TestRelease_SucceedsForApprovedRequestCoveringEnvelope(t *testing.T) {
	e := testEngine(t, 2)
	ctx := context.Background()

	var vaultKey [32]byte
	v, err := vault.Open(e.db.Conn(), vaultKey)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	var envelopeID [32]byte
	envelopeID[0] = 0x42
	if err := v.Seal(ctx, envelopeID, []byte("secret"), 1, 1000); err != nil {
		t.Fatalf("seal: %v", err)
	}

	ops := newTestApprover(t, "approver-ops", "operator")
	sec := newTestApprover(t, "approver-sec", "security")

	var scopeHash, justHash [32]byte
	scopeHash[0] = 0x11
	scopeJSON := `{"envelope_ids":["` + hex.EncodeToString(envelopeID[:]) + `"]}`

	req, err := e.Propose(ctx, scopeJSON, scopeHash, justHash, 1, 60, []EnrolledApprover{ops.enrolled(), sec.enrolled()})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if _, err := ops.approve(e, req.RequestID, scopeHash, 1); err != ErrQuorumInsufficient {
		t.Fatalf("first approval: %v", err)
	}
	if _, err := sec.approve(e, req.RequestID, scopeHash, 1); err != nil {
		t.Fatalf("second approval: %v", err)
	}

	if err := e.Release(ctx, v, req.RequestID, envelopeID); err != nil {
		t.Fatalf("release: %v", err)
	}

	resolved, err := e.loadRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	if resolved.State != StateReleased {
		t.Fatalf("expected released, got %s", resolved.State)
	}

	if err := v.Release(ctx, envelopeID, []byte("x")); err != vault.ErrReleaseAlreadyConsumed {
		t.Fatalf("expected vault release to already be consumed, got %v", err)
	}
}

func TestRelease_RejectsEnvelopeNotCoveredByScope(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()

	var vaultKey [32]byte
	v, err := vault.Open(e.db.Conn(), vaultKey)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	var envelopeID, otherEnvelopeID [32]byte
	envelopeID[0] = 0x01
	otherEnvelopeID[0] = 0x02
	if err := v.Seal(ctx, otherEnvelopeID, []byte("secret"), 1, 1000); err != nil {
		t.Fatalf("seal: %v", err)
	}

	ops := newTestApprover(t, "approver-ops", "operator")
	var scopeHash, justHash [32]byte
	scopeJSON := `{"envelope_ids":["` + hex.EncodeToString(envelopeID[:]) + `"]}`
	req, _ := e.Propose(ctx, scopeJSON, scopeHash, justHash, 1, 60, []EnrolledApprover{ops.enrolled()})

	if _, err := ops.approve(e, req.RequestID, scopeHash, 1); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := e.Release(ctx, v, req.RequestID, otherEnvelopeID); err != ErrEnvelopeNotCovered {
		t.Fatalf("expected ErrEnvelopeNotCovered, got %v", err)
	}
}
