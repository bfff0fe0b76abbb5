package models

import "time"

// DiscoveryMethod records how a Link was found.
type DiscoveryMethod string

const (
	MethodExplicit DiscoveryMethod = "explicit-annotation"
	MethodFuzzy    DiscoveryMethod = "fuzzy-match"
)

// Rank orders methods by authority; higher wins.
func (m DiscoveryMethod) Rank() int {
	switch m {
	case MethodExplicit:
		return 2
	case MethodFuzzy:
		return 1
	default:
		return 0
	}
}

// Link is a discovered correspondence between one Issue and one Ticket.
type Link struct {
	IssueID    string          `json:"issue_id"`
	TicketKey  string          `json:"ticket_key"`
	Method     DiscoveryMethod `json:"method"`
	Confidence float64         `json:"confidence"`
	CreatedAt  time.Time       `json:"created_at"`
	RetiredAt  *time.Time      `json:"retired_at,omitempty"`
}

// Pair returns the (issue, ticket) identity of the link.
func (l Link) Pair() LinkPair {
	return LinkPair{IssueID: l.IssueID, TicketKey: l.TicketKey}
}

// LinkPair identifies a link independent of how it was discovered.
type LinkPair struct {
	IssueID   string
	TicketKey string
}

// CorrelationResult is the output of one correlation pass.
type CorrelationResult struct {
	Active  []Link
	Retired []Link
	Skipped int
}
