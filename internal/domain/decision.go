package domain

import "time"

type DecisionKind string

const (
	DecisionEvict DecisionKind = "evict"
	DecisionAdmit DecisionKind = "admit"
	DecisionCycle DecisionKind = "cycle"
)

// Decision is one journal row: an eviction, an admission or a cycle summary.
type Decision struct {
	ID        int64
	CycleID   string
	Kind      DecisionKind
	Hash      string
	Name      string
	Link      string
	Size      int64
	Reason    string
	DryRun    bool
	CreatedAt time.Time
}
