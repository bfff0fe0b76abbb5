package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DashboardKind identifies the type of pre-aggregated dashboard.
type DashboardKind string

const (
	KindExecutive   DashboardKind = "executive"
	KindProduct     DashboardKind = "product"
	KindEnvironment DashboardKind = "environment"
	KindReliability DashboardKind = "reliability"
)

// Valid reports whether k is a known kind.
func (k DashboardKind) Valid() bool {
	switch k {
	case KindExecutive, KindProduct, KindEnvironment, KindReliability:
		return true
	}
	return false
}

// ScopeKey addresses one snapshot slot.
type ScopeKey struct {
	Kind  DashboardKind `json:"kind" yaml:"kind"`
	Scope string        `json:"scope" yaml:"scope"`
}

func (k ScopeKey) String() string {
	return string(k.Kind) + ":" + k.Scope
}

// ParseScopeKey parses the "kind:scope" form produced by ScopeKey.String.
func ParseScopeKey(value string) (ScopeKey, error) {
	kind, scope, ok := strings.Cut(value, ":")
	if !ok || scope == "" {
		return ScopeKey{}, fmt.Errorf("scope key %q: expected kind:scope", value)
	}
	key := ScopeKey{Kind: DashboardKind(kind), Scope: scope}
	if !key.Kind.Valid() {
		return ScopeKey{}, fmt.Errorf("scope key %q: unknown kind %q", value, kind)
	}
	return key, nil
}

// DashboardSnapshot is a cached pre-computed payload for one scope key.
type DashboardSnapshot struct {
	Key                ScopeKey        `json:"key"`
	Sequence           uint64          `json:"sequence"`
	Payload            json.RawMessage `json:"payload"`
	GeneratedAt        time.Time       `json:"generated_at"`
	GenerationDuration time.Duration   `json:"generation_duration"`
	Generator          string          `json:"generator"`
	Valid              bool            `json:"valid"`
	SourceRecordCount  int             `json:"source_record_count"`
	DataSize           int             `json:"data_size"`
}

// Age returns how old the snapshot is at now.
func (s DashboardSnapshot) Age(now time.Time) time.Duration {
	if s.GeneratedAt.IsZero() || now.Before(s.GeneratedAt) {
		return 0
	}
	return now.Sub(s.GeneratedAt)
}

// Stale reports whether the snapshot exceeded maxAge. A zero maxAge never goes stale.
func (s DashboardSnapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && s.Age(now) > maxAge
}

// RefreshType labels a refresh batch.
type RefreshType string

const (
	RefreshScheduled   RefreshType = "scheduled"
	RefreshOnDemand    RefreshType = "on_demand"
	RefreshExpiredOnly RefreshType = "expired_only"
	RefreshForceAll    RefreshType = "force_all"
)

// RefreshRun logs one refresh batch.
type RefreshRun struct {
	ID        string      `json:"id"`
	Type      RefreshType `json:"type"`
	Started   time.Time   `json:"started"`
	Completed time.Time   `json:"completed"`
	Refreshed int         `json:"refreshed"`
	Failed    int         `json:"failed"`
	Errors    []string    `json:"errors,omitempty"`
}

// Duration returns the wall time the batch took.
func (r RefreshRun) Duration() time.Duration {
	if r.Completed.Before(r.Started) {
		return 0
	}
	return r.Completed.Sub(r.Started)
}

// GenerationOutput is what a generator hands back for installation as a snapshot.
type GenerationOutput struct {
	Payload           json.RawMessage
	SourceRecordCount int
}
