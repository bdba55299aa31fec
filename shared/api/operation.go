package api

import (
	"fmt"
	"time"
)

// Operation is the wire representation of a long-running apply or rollback
// transaction. Metadata
// carries class-specific detail as a loosely typed map so the envelope
// stays stable across apply engine changes.
type Operation struct {
	ID        string         `json:"id"`
	Class     string         `json:"class"`
	Status    string         `json:"status"`
	StatusCode int           `json:"status_code"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Err       string         `json:"err,omitempty"`
	Metadata  map[string]any `json:"metadata"`
}

// ApplyProgress is the metadata shape of a running apply transaction.
type ApplyProgress struct {
	Phase          string
	CompletedSteps int
	TotalSteps     int
	CurrentIface   string
}

// ToApplyProgress decodes the operation's metadata as apply-transaction
// progress, failing if required fields are missing or of the wrong type.
func (o Operation) ToApplyProgress() (*ApplyProgress, error) {
	phase, ok := o.Metadata["phase"].(string)
	if !ok {
		return nil, fmt.Errorf("operation metadata missing phase")
	}

	completed, ok := toInt(o.Metadata["completedSteps"])
	if !ok {
		return nil, fmt.Errorf("operation metadata missing completedSteps")
	}

	total, ok := toInt(o.Metadata["totalSteps"])
	if !ok {
		return nil, fmt.Errorf("operation metadata missing totalSteps")
	}

	iface, _ := o.Metadata["currentIface"].(string)

	return &ApplyProgress{
		Phase:          phase,
		CompletedSteps: completed,
		TotalSteps:     total,
		CurrentIface:   iface,
	}, nil
}

// RollbackSummary is the metadata shape of a completed rollback
// transaction.
type RollbackSummary struct {
	PointID string
	Reason  string
}

// ToRollbackSummary decodes the operation's metadata as a rollback
// summary.
func (o Operation) ToRollbackSummary() (*RollbackSummary, error) {
	pointID, ok := o.Metadata["pointId"].(string)
	if !ok || pointID == "" {
		return nil, fmt.Errorf("operation metadata missing pointId")
	}

	reason, _ := o.Metadata["reason"].(string)

	return &RollbackSummary{PointID: pointID, Reason: reason}, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
