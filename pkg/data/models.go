package data

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Error variables for consistent error handling
var (
	ErrInvalidID       = errors.New("invalid identifier")
	ErrInvalidStatus   = errors.New("invalid lifecycle status")
	ErrInvalidRole     = errors.New("invalid node role")
	ErrInvalidStrategy = errors.New("invalid failover strategy")
	ErrInvalidState    = errors.New("invalid failover state")
)

// DefaultSigningGapBlocks is the number of blocks a new signer must wait after the previous one stopped.
const DefaultSigningGapBlocks = 2

// NodeRole is the role a node plays inside its failover group
type NodeRole string

const (
	RolePrimary NodeRole = "primary"
	RoleBackup  NodeRole = "backup"
)

// Valid reports whether r is a known role
func (r NodeRole) Valid() bool {
	return r == RolePrimary || r == RoleBackup
}

// NodeStatus is the lifecycle status of a validator process
type NodeStatus string

const (
	NodeStarting   NodeStatus = "starting"
	NodeRunning    NodeStatus = "running"
	NodeSyncing    NodeStatus = "syncing"
	NodeStopped    NodeStatus = "stopped"
	NodeError      NodeStatus = "error"
	NodeTerminated NodeStatus = "terminated"
)

// Valid reports whether s is a known lifecycle status
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStarting, NodeRunning, NodeSyncing, NodeStopped, NodeError, NodeTerminated:
		return true
	}
	return false
}

// Live reports whether the node is expected to be producing heartbeats
func (s NodeStatus) Live() bool {
	return s == NodeRunning || s == NodeSyncing
}

// ParseNodeStatus converts a raw string into a NodeStatus
func ParseNodeStatus(raw string) (NodeStatus, error) {
	s := NodeStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// FailoverStrategy selects how the active role moves between nodes
type FailoverStrategy string

const (
	StrategyManual         FailoverStrategy = "manual"
	StrategyTimeDelayed    FailoverStrategy = "time_delayed"
	StrategyConsensusBased FailoverStrategy = "consensus_based"
)

// Valid reports whether s is a known strategy
func (s FailoverStrategy) Valid() bool {
	switch s {
	case StrategyManual, StrategyTimeDelayed, StrategyConsensusBased:
		return true
	}
	return false
}

// ParseStrategy converts a raw string into a FailoverStrategy
func ParseStrategy(raw string) (FailoverStrategy, error) {
	s := FailoverStrategy(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, raw)
	}
	return s, nil
}

// FailoverState is the state of a failover group
type FailoverState string

const (
	StateActive      FailoverState = "active"
	StateFailingOver FailoverState = "failing_over"
	StateFailedOver  FailoverState = "failed_over"
	StateFailed      FailoverState = "failed"
)

// Valid reports whether s is a known state
func (s FailoverState) Valid() bool {
	switch s {
	case StateActive, StateFailingOver, StateFailedOver, StateFailed:
		return true
	}
	return false
}

// SigningIdentity is a consensus key that must never have two concurrent signers
type SigningIdentity struct {
	IdentityID              string    `json:"identity_id"`
	WalletAddress           string    `json:"wallet_address"`
	ConsensusKeyFingerprint string    `json:"consensus_key_fingerprint"`
	CreatedAt               time.Time `json:"created_at"`
}

// FingerprintConsensusKey returns the hex BLAKE2b-256 digest of a consensus public key
func FingerprintConsensusKey(pubKey []byte) string {
	sum := blake2b.Sum256(pubKey)
	return hex.EncodeToString(sum[:])
}

// NewSigningIdentity creates an identity for the given consensus public key
func NewSigningIdentity(identityID, walletAddress string, consensusPubKey []byte) (*SigningIdentity, error) {
	if identityID == "" {
		return nil, ErrInvalidID
	}
	if len(consensusPubKey) == 0 {
		return nil, errors.New("consensus public key cannot be empty")
	}
	return &SigningIdentity{
		IdentityID:              identityID,
		WalletAddress:           walletAddress,
		ConsensusKeyFingerprint: FingerprintConsensusKey(consensusPubKey),
		CreatedAt:               time.Now().UTC(),
	}, nil
}

// ValidatorNode is a deployable unit that signs for exactly one identity while active
type ValidatorNode struct {
	NodeID           string     `json:"node_id"`
	IdentityID       string     `json:"identity_id"`
	Role             NodeRole   `json:"role"`
	LastHeight       int64      `json:"last_height"`
	LastRound        int32      `json:"last_round"`
	LastSignedHash   string     `json:"last_signed_hash,omitempty"`
	LastHeartbeatAt  time.Time  `json:"last_heartbeat_at"`
	MissedBlockCount int64      `json:"missed_block_count"`
	Status           NodeStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks if the node is valid
func (n *ValidatorNode) Validate() error {
	if n.NodeID == "" || n.IdentityID == "" {
		return ErrInvalidID
	}
	if !n.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, n.Role)
	}
	if !n.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, n.Status)
	}
	if n.LastHeight < 0 || n.MissedBlockCount < 0 {
		return errors.New("height and missed block count cannot be negative")
	}
	return nil
}

// NodeUpdate carries a partial update of a node; nil fields are left untouched
type NodeUpdate struct {
	Role             *NodeRole
	Status           *NodeStatus
	LastHeight       *int64
	LastRound        *int32
	LastSignedHash   *string
	LastHeartbeatAt  *time.Time
	MissedBlockCount *int64
}

// StatusUpdate builds an update that only changes the lifecycle status
func StatusUpdate(s NodeStatus) NodeUpdate {
	return NodeUpdate{Status: &s}
}

// Heartbeat is the externally supplied liveness sample of a node
type Heartbeat struct {
	Height           int64
	Round            int32
	SignedHash       string
	MissedBlockCount int64
	Status           NodeStatus
	Timestamp        time.Time
}

// Update converts the heartbeat into a NodeUpdate
func (h Heartbeat) Update() NodeUpdate {
	u := NodeUpdate{
		LastHeight:       &h.Height,
		LastRound:        &h.Round,
		LastHeartbeatAt:  &h.Timestamp,
		MissedBlockCount: &h.MissedBlockCount,
	}
	if h.SignedHash != "" {
		u.LastSignedHash = &h.SignedHash
	}
	if h.Status != "" {
		u.Status = &h.Status
	}
	return u
}

func (u NodeUpdate) apply(n *ValidatorNode) {
	if u.Role != nil {
		n.Role = *u.Role
	}
	if u.Status != nil {
		n.Status = *u.Status
	}
	if u.LastHeight != nil {
		n.LastHeight = *u.LastHeight
	}
	if u.LastRound != nil {
		n.LastRound = *u.LastRound
	}
	if u.LastSignedHash != nil {
		n.LastSignedHash = *u.LastSignedHash
	}
	if u.LastHeartbeatAt != nil {
		n.LastHeartbeatAt = *u.LastHeartbeatAt
	}
	if u.MissedBlockCount != nil {
		n.MissedBlockCount = *u.MissedBlockCount
	}
}

func (u NodeUpdate) validate() error {
	if u.Role != nil && !u.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, *u.Role)
	}
	if u.Status != nil && !u.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, *u.Status)
	}
	return nil
}

// IdentityLock is the store-held double-sign guard record of one identity
type IdentityLock struct {
	IdentityID               string     `json:"identity_id"`
	IsSigningActive          bool       `json:"is_signing_active"`
	ActiveNodeID             *string    `json:"active_node_id,omitempty"`
	RequiredSigningGapBlocks int        `json:"required_signing_gap_blocks"`
	MigrationLock            bool       `json:"migration_lock"`
	MigrationLockOwner       string     `json:"migration_lock_owner,omitempty"`
	MigrationLockExpiresAt   *time.Time `json:"migration_lock_expires_at,omitempty"`
	LastVerifiedAt           *time.Time `json:"last_verified_at,omitempty"`
}

// ActiveNode returns the current signer or "" when nobody signs
func (l *IdentityLock) ActiveNode() string {
	if !l.IsSigningActive || l.ActiveNodeID == nil {
		return ""
	}
	return *l.ActiveNodeID
}

// MigrationHeld reports whether a non-expired migration lock exists at now.
// An expired lock is treated as absent.
func (l *IdentityLock) MigrationHeld(now time.Time) bool {
	if !l.MigrationLock || l.MigrationLockExpiresAt == nil {
		return false
	}
	return now.Before(*l.MigrationLockExpiresAt)
}

// FailoverGroup binds a primary and ordered backups of one identity
type FailoverGroup struct {
	IdentityID    string           `json:"identity_id"`
	PrimaryNodeID string           `json:"primary_node_id"`
	BackupNodeIDs []string         `json:"backup_node_ids"`
	Strategy      FailoverStrategy `json:"strategy"`
	FailoverDelay time.Duration    `json:"failover_delay"`
	AutoFailback  bool             `json:"auto_failback"`
	State         FailoverState    `json:"state"`
	CooldownUntil *time.Time       `json:"cooldown_until,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Validate checks if the group is valid
func (g *FailoverGroup) Validate() error {
	if g.IdentityID == "" || g.PrimaryNodeID == "" {
		return ErrInvalidID
	}
	if len(g.BackupNodeIDs) == 0 {
		return errors.New("failover group needs at least one backup")
	}
	for _, id := range g.BackupNodeIDs {
		if id == g.PrimaryNodeID {
			return fmt.Errorf("node %s cannot be both primary and backup", id)
		}
	}
	if !g.Strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, g.Strategy)
	}
	if !g.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, g.State)
	}
	if g.FailoverDelay < 0 {
		return errors.New("failover delay cannot be negative")
	}
	return nil
}

// InCooldown reports whether automated failover is suppressed at now
func (g *FailoverGroup) InCooldown(now time.Time) bool {
	return g.CooldownUntil != nil && now.Before(*g.CooldownUntil)
}

// FailoverRecord is the audit trail entry of one failover attempt
type FailoverRecord struct {
	ID            string           `json:"id"`
	IdentityID    string           `json:"identity_id"`
	PrimaryNodeID string           `json:"primary_node_id"`
	BackupNodeID  string           `json:"backup_node_id"`
	Strategy      FailoverStrategy `json:"strategy"`
	State         FailoverState    `json:"state"`
	Success       bool             `json:"success"`
	Forced        bool             `json:"forced"`
	Failback      bool             `json:"failback"`
	Warnings      []string         `json:"warnings"`
	Instructions  []string         `json:"instructions,omitempty"`
	Error         string           `json:"error,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   time.Time        `json:"completed_at"`
}

// NodeFilter defines filter parameters for node queries
type NodeFilter struct {
	IdentityID string
	Statuses   []NodeStatus
	Limit      int
}

func (f NodeFilter) matches(n *ValidatorNode) bool {
	if f.IdentityID != "" && n.IdentityID != f.IdentityID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if n.Status == s {
			return true
		}
	}
	return false
}
