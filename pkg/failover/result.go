package failover

import (
	"time"

	"validator_fleet/pkg/data"
)

// Request describes a failover attempt
type Request struct {
	PrimaryID string
	BackupID  string
	// Strategy overrides the group's strategy when set
	Strategy *data.FailoverStrategy
	// Force skips the live-primary health gate and overrides a signing conflict
	Force bool
	// Failback returns the active role to a group's original primary
	Failback bool
}

// Result is the outcome of one attempt
type Result struct {
	IdentityID    string                `json:"identity_id"`
	PrimaryNodeID string                `json:"primary_node_id"`
	BackupNodeID  string                `json:"backup_node_id"`
	Strategy      data.FailoverStrategy `json:"strategy"`
	State         data.FailoverState    `json:"state"`
	Success       bool                  `json:"success"`
	Message       string                `json:"message"`
	Warnings      []string              `json:"warnings"`
	Instructions  []string              `json:"instructions,omitempty"`
	RecordID      string                `json:"record_id"`
	StartedAt     time.Time             `json:"started_at"`
	CompletedAt   time.Time             `json:"completed_at"`
	// Err is the cause of a failed attempt, for errors.Is matching
	Err error `json:"-"`
}

func (r *Result) record(req Request) *data.FailoverRecord {
	rec := &data.FailoverRecord{
		ID:            r.RecordID,
		IdentityID:    r.IdentityID,
		PrimaryNodeID: r.PrimaryNodeID,
		BackupNodeID:  r.BackupNodeID,
		Strategy:      r.Strategy,
		State:         r.State,
		Success:       r.Success,
		Forced:        req.Force,
		Failback:      req.Failback,
		Warnings:      append([]string(nil), r.Warnings...),
		Instructions:  append([]string(nil), r.Instructions...),
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}
