package ledger

import (
	"time"

	"confidentialscore/internal/fhe"
	"confidentialscore/internal/identity"
)

// ScoreRecord is the current best score of one participant.
// Handle always refers to the maximum value the participant ever submitted.
type ScoreRecord struct {
	Handle     fhe.Handle       `json:"handle"`
	Owner      identity.Address `json:"owner"`
	RecordedAt time.Time        `json:"recordedAt"`
	Seq        uint64           `json:"seq"` // sequence number of the last update
}

// Event is emitted after every accepted submission.
type Event struct {
	Ledger      identity.Address `json:"ledger"`
	Participant identity.Address `json:"participant"`
	Timestamp   time.Time        `json:"timestamp"`
	Seq         uint64           `json:"seq"`
}

// Notifier receives ledger events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// DuplicatePolicy decides what a second submission from a participant does.
type DuplicatePolicy int

const (
	// AcceptAndCombine keeps the max of old and new values.
	AcceptAndCombine DuplicatePolicy = iota
	// RejectDuplicates refuses any submission after the first.
	RejectDuplicates
)

func (p DuplicatePolicy) String() string {
	switch p {
	case AcceptAndCombine:
		return "accept-and-combine"
	case RejectDuplicates:
		return "reject-duplicates"
	default:
		return "unknown"
	}
}

// ParseDuplicatePolicy maps a config string to a policy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, bool) {
	switch s {
	case "", "accept-and-combine", "combine":
		return AcceptAndCombine, true
	case "reject-duplicates", "reject":
		return RejectDuplicates, true
	}
	return AcceptAndCombine, false
}
