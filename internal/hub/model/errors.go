package model

import "fmt"

// RejectReason classifies why StateModel.Stage declined to advance the
// version for a given mutation (§3 invariant 3-5, §4.2).
type RejectReason string

const (
	// RejectIgnored marks an idempotent no-op: the mutation referenced
	// something that no longer exists (unknown toolCallId, unknown slot).
	RejectIgnored RejectReason = "ignored"
	// RejectProtocolViolation marks a state-machine violation, such as
	// setting a second PendingUI while one is outstanding.
	RejectProtocolViolation RejectReason = "protocol_violation"
	// RejectInvalid marks a structurally malformed mutation.
	RejectInvalid RejectReason = "invalid"
)

// RejectedError is returned by Stage when a mutation does not advance the
// version. It is not a failure of the hub — callers (VersionedLog) must
// treat it as "no commit happened", not as a durability error.
type RejectedError struct {
	Reason  RejectReason
	Mutation MutationKind
	Detail  string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("mutation %s rejected: %s", e.Mutation, e.Reason)
	}
	return fmt.Sprintf("mutation %s rejected: %s (%s)", e.Mutation, e.Reason, e.Detail)
}

// IsIgnored reports whether err represents an idempotent no-op rather than
// a genuine protocol error worth surfacing to the client.
func IsIgnored(err error) bool {
	re, ok := err.(*RejectedError)
	return ok && re.Reason == RejectIgnored
}
