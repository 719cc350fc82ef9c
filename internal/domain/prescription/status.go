package prescription

import "strings"

// Status represents prescription status
type Status string

const (
	StatusRequested   Status = "requested"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusReady       Status = "ready"
	StatusSent        Status = "sent"
)

// statusGroups maps UI-facing labels to the underlying statuses.
var statusGroups = map[string][]Status{
	"pending":     {StatusRequested},
	"in_progress": {StatusUnderReview, StatusApproved, StatusReady},
	"completed":   {StatusSent},
}

// rank gives the advisory position of each status. rejected and ready share
// a rank because they are alternative outcomes of approval.
var rank = map[Status]int{
	StatusRequested:   0,
	StatusUnderReview: 1,
	StatusApproved:    2,
	StatusRejected:    3,
	StatusReady:       3,
	StatusSent:        4,
}

// Valid reports whether s belongs to the vocabulary.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// ParseStatus converts a raw value into a Status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.TrimSpace(raw))
	return s, s.Valid()
}

// ResolveStatusFilter expands a filter value into concrete statuses. Group
// aliases such as "pending" expand to their members; a plain status maps to
// itself. ok is false for unknown values.
func ResolveStatusFilter(raw string) ([]Status, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if group, ok := statusGroups[raw]; ok {
		out := make([]Status, len(group))
		copy(out, group)
		return out, true
	}
	if s, ok := ParseStatus(raw); ok {
		return []Status{s}, true
	}
	return nil, false
}

// IsAdvisoryForward reports whether moving from one status to another follows
// the documented order. Transitions are not enforced: any status may be set
// from any other, and callers use this only to flag unusual jumps.
func IsAdvisoryForward(from, to Status) bool {
	if from == to {
		return true
	}
	if from == StatusRejected || from == StatusSent {
		return false
	}
	if from == StatusApproved && to == StatusSent {
		return false
	}
	if to == StatusSent {
		return from == StatusReady
	}
	return rank[to] == rank[from]+1 || (from == StatusUnderReview && to == StatusRejected)
}

// IsMilestone reports whether reaching s stamps a one-time timestamp.
func (s Status) IsMilestone() bool {
	return s == StatusApproved || s == StatusReady || s == StatusSent
}
