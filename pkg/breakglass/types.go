package breakglass

// Request states, per the state machine: Proposed -> Collecting ->
// Approved -> Released, with Denied/Expired terminal branches.
const (
	StateProposed   = "proposed"
	StateCollecting = "collecting"
	StateApproved   = "approved"
	StateDenied     = "denied"
	StateExpired    = "expired"
	StateReleased   = "released"
)

const (
	OutcomeApproved = "approved"
	OutcomeDenied   = "denied"
)

// EnrolledApprover is a point-in-time snapshot of one eligible approver,
// captured onto the request at Propose time so a later key rotation or
// revocation never changes who could have approved an already-open
// request.
type EnrolledApprover struct {
	ApproverID string `json:"approver_id"`
	PublicKey  []byte `json:"public_key"`
	Role       string `json:"role"`
}

// Request is the working state of one break-glass proposal.
type Request struct {
	RequestID             string
	State                 string
	ScopeJSON             string
	ScopeHash             [32]byte
	JustificationHash     [32]byte
	ProposedBucket        uint32
	ApprovalWindowS       int64
	EnrolledApprovers     []EnrolledApprover
	ResolvedReceiptSeq    *uint64
}

// Approval is one approver's signed vote on a request.
type Approval struct {
	RequestID         string
	ApproverID        string
	ApprovedScopeHash [32]byte
	ApproverSignature []byte
	ApprovalBucket    uint32
}

// Receipt is one committed entry in the break-glass receipt chain — a
// lineage independent of the event chain, signed with the same device
// key but a distinct domain string.
type Receipt struct {
	ReceiptSeq           uint64
	RequestID            string
	ScopeJSON            string
	ApprovalsCommitment  [32]byte
	ApprovalsJSON        string
	Outcome              string
	ReasonCode           string
	IssuedBucket         uint32
	PrevHash             [32]byte
	EntryHash            [32]byte
	Signature            []byte
}
