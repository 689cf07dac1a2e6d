package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a process-local Repository. Every conditional
// operation runs under a single mutex, which gives it the same
// check-and-set semantics as the SQL statements of PostgresRepository.
type MemoryRepository struct {
	mu         sync.Mutex
	identities map[string]*SigningIdentity
	nodes      map[string]*ValidatorNode
	groups     map[string]*FailoverGroup
	locks      map[string]*IdentityLock
	records    []*FailoverRecord
}

// Ensure MemoryRepository implements the Repository interface
var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		identities: make(map[string]*SigningIdentity),
		nodes:      make(map[string]*ValidatorNode),
		groups:     make(map[string]*FailoverGroup),
		locks:      make(map[string]*IdentityLock),
	}
}

// Identity operations
func (m *MemoryRepository) SaveIdentity(ctx context.Context, identity *SigningIdentity) error {
	if identity.IdentityID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.identities[identity.IdentityID]; exists {
		return ErrDuplicate
	}
	for _, other := range m.identities {
		if other.ConsensusKeyFingerprint == identity.ConsensusKeyFingerprint {
			return ErrDuplicate
		}
	}
	cp := *identity
	m.identities[identity.IdentityID] = &cp
	return nil
}

func (m *MemoryRepository) GetIdentity(ctx context.Context, identityID string) (*SigningIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

// Node operations
func (m *MemoryRepository) SaveNode(ctx context.Context, node *ValidatorNode) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("validating node: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[node.NodeID]; exists {
		return ErrDuplicate
	}
	if _, ok := m.identities[node.IdentityID]; !ok {
		return fmt.Errorf("identity %s: %w", node.IdentityID, ErrNotFound)
	}
	cp := *node
	m.nodes[node.NodeID] = &cp
	return nil
}

func (m *MemoryRepository) GetNode(ctx context.Context, nodeID string) (*ValidatorNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *node
	return &cp, nil
}

func (m *MemoryRepository) ListNodes(ctx context.Context, filter NodeFilter) ([]*ValidatorNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var nodes []*ValidatorNode
	for _, node := range m.nodes {
		if filter.matches(node) {
			cp := *node
			nodes = append(nodes, &cp)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	if filter.Limit > 0 && len(nodes) > filter.Limit {
		nodes = nodes[:filter.Limit]
	}
	return nodes, nil
}

func (m *MemoryRepository) UpdateNode(ctx context.Context, nodeID string, update NodeUpdate) error {
	if err := update.validate(); err != nil {
		return fmt.Errorf("validating node update: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	update.apply(node)
	node.UpdatedAt = time.Now().UTC()
	return nil
}

// Failover group operations
func (m *MemoryRepository) SaveFailoverGroup(ctx context.Context, group *FailoverGroup) error {
	if err := group.Validate(); err != nil {
		return fmt.Errorf("validating failover group: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := copyGroup(group)
	if existing, ok := m.groups[group.IdentityID]; ok {
		// configuration changes never touch runtime state
		cp.State = existing.State
		cp.CooldownUntil = existing.CooldownUntil
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.groups[group.IdentityID] = cp
	return nil
}

func (m *MemoryRepository) GetFailoverGroup(ctx context.Context, identityID string) (*FailoverGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGroup(group), nil
}

func (m *MemoryRepository) ListFailoverGroups(ctx context.Context) ([]*FailoverGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make([]*FailoverGroup, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, copyGroup(g))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].IdentityID < groups[j].IdentityID })
	return groups, nil
}

func (m *MemoryRepository) TransitionGroupState(ctx context.Context, identityID string, t GroupTransition) (bool, error) {
	if !t.To.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidState, t.To)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	group, ok := m.groups[identityID]
	if !ok || !t.allows(group.State) {
		return false, nil
	}
	group.State = t.To
	if t.CooldownUntil != nil {
		until := *t.CooldownUntil
		group.CooldownUntil = &until
	}
	if t.PrimaryNodeID != nil {
		group.PrimaryNodeID = *t.PrimaryNodeID
	}
	if t.BackupNodeIDs != nil {
		group.BackupNodeIDs = append([]string(nil), t.BackupNodeIDs...)
	}
	group.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Failover record operations
func (m *MemoryRepository) SaveFailoverRecord(ctx context.Context, record *FailoverRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.ID == record.ID {
			return ErrDuplicate
		}
	}
	cp := *record
	cp.Warnings = append([]string(nil), record.Warnings...)
	cp.Instructions = append([]string(nil), record.Instructions...)
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryRepository) ListFailoverRecords(ctx context.Context, identityID string, limit int) ([]*FailoverRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*FailoverRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.IdentityID != identityID {
			continue
		}
		cp := *r
		records = append(records, &cp)
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

// Identity lock operations
func (m *MemoryRepository) GetOrCreateIdentityLock(ctx context.Context, identityID string) (*IdentityLock, error) {
	if identityID == "" {
		return nil, ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return copyLock(m.lockLocked(identityID)), nil
}

func (m *MemoryRepository) AcquireSigningLock(ctx context.Context, identityID, nodeID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock := m.lockLocked(identityID)
	if lock.IsSigningActive && lock.ActiveNode() != nodeID {
		return false, nil
	}
	lock.IsSigningActive = true
	id := nodeID
	lock.ActiveNodeID = &id
	lock.LastVerifiedAt = timePtr(now)
	return true, nil
}

func (m *MemoryRepository) ReleaseSigningLock(ctx context.Context, identityID, nodeID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[identityID]
	if !ok || !lock.IsSigningActive || lock.ActiveNode() != nodeID {
		return false, nil
	}
	lock.IsSigningActive = false
	lock.ActiveNodeID = nil
	return true, nil
}

func (m *MemoryRepository) AcquireMigrationLock(ctx context.Context, identityID, owner string, now, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock := m.lockLocked(identityID)
	if lock.MigrationHeld(now) && lock.MigrationLockOwner != owner {
		return false, nil
	}
	lock.MigrationLock = true
	lock.MigrationLockOwner = owner
	lock.MigrationLockExpiresAt = timePtr(expiresAt)
	return true, nil
}

func (m *MemoryRepository) ReleaseMigrationLock(ctx context.Context, identityID, owner string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[identityID]
	if !ok || !lock.MigrationLock || lock.MigrationLockOwner != owner {
		return false, nil
	}
	lock.MigrationLock = false
	lock.MigrationLockOwner = ""
	lock.MigrationLockExpiresAt = nil
	return true, nil
}

func (m *MemoryRepository) MarkLockVerified(ctx context.Context, identityID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[identityID]
	if !ok {
		return ErrNotFound
	}
	lock.LastVerifiedAt = timePtr(now)
	return nil
}

// lockLocked returns the live lock record, creating it if needed. m.mu must be held.
func (m *MemoryRepository) lockLocked(identityID string) *IdentityLock {
	lock, ok := m.locks[identityID]
	if !ok {
		lock = &IdentityLock{
			IdentityID:               identityID,
			RequiredSigningGapBlocks: DefaultSigningGapBlocks,
		}
		m.locks[identityID] = lock
	}
	return lock
}

func copyLock(l *IdentityLock) *IdentityLock {
	cp := *l
	if l.ActiveNodeID != nil {
		id := *l.ActiveNodeID
		cp.ActiveNodeID = &id
	}
	if l.MigrationLockExpiresAt != nil {
		cp.MigrationLockExpiresAt = timePtr(*l.MigrationLockExpiresAt)
	}
	if l.LastVerifiedAt != nil {
		cp.LastVerifiedAt = timePtr(*l.LastVerifiedAt)
	}
	return &cp
}

func copyGroup(g *FailoverGroup) *FailoverGroup {
	cp := *g
	cp.BackupNodeIDs = append([]string(nil), g.BackupNodeIDs...)
	if g.CooldownUntil != nil {
		cp.CooldownUntil = timePtr(*g.CooldownUntil)
	}
	return &cp
}

func timePtr(t time.Time) *time.Time {
	return &t
}
