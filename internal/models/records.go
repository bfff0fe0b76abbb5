package models

import (
	"strings"
	"time"
)

// Level is the error-tracking severity of an Issue.
type Level string

const (
	LevelFatal   Level = "fatal"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// IssueStatus is the resolution state of an Issue.
type IssueStatus string

const (
	IssueUnresolved IssueStatus = "unresolved"
	IssueResolved   IssueStatus = "resolved"
	IssueIgnored    IssueStatus = "ignored"
)

// criticalEventFloor is the event count above which an error-level issue counts as critical.
const criticalEventFloor = 100

// Issue is a normalised error-tracking record.
type Issue struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	Level       Level             `json:"level"`
	EventCount  int               `json:"event_count"`
	UserCount   int               `json:"user_count"`
	Status      IssueStatus       `json:"status"`
	ProductID   string            `json:"product_id,omitempty"`
	Annotations []string          `json:"annotations,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Critical reports whether the issue counts against the critical-issue budget.
func (i Issue) Critical() bool {
	switch i.Level {
	case LevelFatal:
		return true
	case LevelError:
		return i.EventCount >= criticalEventFloor
	default:
		return false
	}
}

// TicketStatus is the normalised workflow state of a Ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketDone       TicketStatus = "done"
)

// NormalizeTicketStatus folds vendor workflow names into the three canonical states.
// Unknown names are treated as open.
func NormalizeTicketStatus(raw string) TicketStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "closed", "resolved", "complete", "completed":
		return TicketDone
	case "in progress", "in_progress", "in review", "review", "in development":
		return TicketInProgress
	default:
		return TicketOpen
	}
}

// Ticket is a normalised work-tracking record.
type Ticket struct {
	Key        string       `json:"key"`
	Summary    string       `json:"summary"`
	Status     TicketStatus `json:"status"`
	RawStatus  string       `json:"raw_status,omitempty"`
	Priority   string       `json:"priority,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	ProductID  string       `json:"product_id,omitempty"`
}

// QualityMetric is the latest code-quality measurement for one project of a product.
type QualityMetric struct {
	ProductID       string    `json:"product_id"`
	Project         string    `json:"project"`
	GatePassed      bool      `json:"gate_passed"`
	Coverage        float64   `json:"coverage"`
	Bugs            int       `json:"bugs"`
	CodeSmells      int       `json:"code_smells"`
	Vulnerabilities int       `json:"vulnerabilities"`
	LinesOfCode     int       `json:"lines_of_code"`
	MeasuredAt      time.Time `json:"measured_at"`
}

// InfraMetric is a single cloud-metrics sample.
type InfraMetric struct {
	ProductID  string    `json:"product_id"`
	Resource   string    `json:"resource"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	MeasuredAt time.Time `json:"measured_at"`
}

// Source names used as keys of SourceBatch.LastModified.
const (
	SourceErrors  = "errors"
	SourceTickets = "tickets"
	SourceQuality = "quality"
	SourceInfra   = "infra"
)

// SourceBatch is the pull result for one product scope.
type SourceBatch struct {
	ProductID    string               `json:"product_id"`
	Issues       []Issue              `json:"issues"`
	Tickets      []Ticket             `json:"tickets"`
	Quality      []QualityMetric      `json:"quality"`
	Infra        []InfraMetric        `json:"infra"`
	LastModified map[string]time.Time `json:"last_modified"`
}

// RecordCount returns the number of source records carried by the batch.
func (b SourceBatch) RecordCount() int {
	return len(b.Issues) + len(b.Tickets) + len(b.Quality) + len(b.Infra)
}

// Product identifies a reliability scope.
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Environment string `json:"environment,omitempty"`
	Active      bool   `json:"active"`
}
