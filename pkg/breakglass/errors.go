package breakglass

import "errors"

var (
	// ErrRequestNotFound is returned when no request exists for the given ID.
	ErrRequestNotFound = errors.New("breakglass: request not found")

	// ErrRequestResolved is returned when Approve or Deny is called against
	// a request that has already left the Proposed/Collecting states.
	ErrRequestResolved = errors.New("breakglass: request already resolved")

	// ErrApproverNotEnrolled is returned when the named approver was not
	// present in the eligible-approver snapshot taken at Propose time.
	ErrApproverNotEnrolled = errors.New("breakglass: approver not enrolled at request creation time")

	// ErrDuplicateApprover is returned when the same approver attempts to
	// approve a request twice.
	ErrDuplicateApprover = errors.New("breakglass: approver has already approved this request")

	// ErrApprovalWindowExpired is returned when an approval arrives after
	// the request's approval window has elapsed.
	ErrApprovalWindowExpired = errors.New("breakglass: approval window has expired")

	// ErrScopeMismatch is returned when an approver signs a scope hash
	// that doesn't match the request's requested scope.
	ErrScopeMismatch = errors.New("breakglass: approved scope does not match requested scope")

	// ErrBadApproverSignature is returned when an approval's signature
	// does not verify under the approver's enrolled public key.
	ErrBadApproverSignature = errors.New("breakglass: approver signature does not verify")

	// ErrQuorumInsufficient is returned (informationally, not as a hard
	// failure) when a request has not yet collected enough distinct,
	// role-diverse approvals to resolve.
	ErrQuorumInsufficient = errors.New("breakglass: quorum not yet satisfied")

	// ErrNotApproved is returned by Release when called against a request
	// that is not in the Approved state: it was never approved, or it has
	// already been released.
	ErrNotApproved = errors.New("breakglass: request was not approved")

	// ErrEnvelopeNotCovered is returned by Release when the requested
	// vault envelope is not named in the resolved request's scope.
	ErrEnvelopeNotCovered = errors.New("breakglass: envelope is not covered by the request's approved scope")

	// ErrReceiptMismatch is returned by Release when the request's
	// resolved receipt cannot be loaded, does not belong to this request,
	// or does not verify under the device signing key.
	ErrReceiptMismatch = errors.New("breakglass: resolved receipt does not match or does not verify")
)
