package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Repository defines the interface for data persistence.
//
// The lock and group-state operations are single conditional updates; callers
// never read a record, decide, and write it back.
type Repository interface {
	// Identity operations
	SaveIdentity(ctx context.Context, identity *SigningIdentity) error
	GetIdentity(ctx context.Context, identityID string) (*SigningIdentity, error)

	// Node operations
	SaveNode(ctx context.Context, node *ValidatorNode) error
	GetNode(ctx context.Context, nodeID string) (*ValidatorNode, error)
	ListNodes(ctx context.Context, filter NodeFilter) ([]*ValidatorNode, error)
	UpdateNode(ctx context.Context, nodeID string, update NodeUpdate) error

	// Failover group operations
	SaveFailoverGroup(ctx context.Context, group *FailoverGroup) error
	GetFailoverGroup(ctx context.Context, identityID string) (*FailoverGroup, error)
	ListFailoverGroups(ctx context.Context) ([]*FailoverGroup, error)
	TransitionGroupState(ctx context.Context, identityID string, t GroupTransition) (bool, error)

	// Failover record operations
	SaveFailoverRecord(ctx context.Context, record *FailoverRecord) error
	ListFailoverRecords(ctx context.Context, identityID string, limit int) ([]*FailoverRecord, error)

	// Identity lock operations
	GetOrCreateIdentityLock(ctx context.Context, identityID string) (*IdentityLock, error)
	AcquireSigningLock(ctx context.Context, identityID, nodeID string, now time.Time) (bool, error)
	ReleaseSigningLock(ctx context.Context, identityID, nodeID string, now time.Time) (bool, error)
	AcquireMigrationLock(ctx context.Context, identityID, owner string, now, expiresAt time.Time) (bool, error)
	ReleaseMigrationLock(ctx context.Context, identityID, owner string, now time.Time) (bool, error)
	MarkLockVerified(ctx context.Context, identityID string, now time.Time) error
}

// GroupTransition is a conditional state change of a failover group.
// It applies only while the group is in one of From.
type GroupTransition struct {
	From          []FailoverState
	To            FailoverState
	CooldownUntil *time.Time
	// Optional role swap, used by failback
	PrimaryNodeID *string
	BackupNodeIDs []string
}

func (t GroupTransition) allows(s FailoverState) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// PostgresRepository implements Repository interface using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a repository on top of an existing pool
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger,
	}
}

// OpenPostgresRepository connects a dedicated pool and wraps it in a repository
func OpenPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return NewPostgresRepository(pool, logger), nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// SaveIdentity persists a new signing identity
func (r *PostgresRepository) SaveIdentity(ctx context.Context, identity *SigningIdentity) error {
	if identity.IdentityID == "" {
		return ErrInvalidID
	}

	query := `
		INSERT INTO signing_identities (
			identity_id, wallet_address, consensus_key_fingerprint, created_at
		) VALUES ($1, $2, $3, $4)`

	_, err := r.pool.Exec(ctx, query,
		identity.IdentityID, identity.WalletAddress,
		identity.ConsensusKeyFingerprint, identity.CreatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	return nil
}

// GetIdentity retrieves a signing identity by ID
func (r *PostgresRepository) GetIdentity(ctx context.Context, identityID string) (*SigningIdentity, error) {
	query := `
		SELECT identity_id, wallet_address, consensus_key_fingerprint, created_at
		FROM signing_identities
		WHERE identity_id = $1`

	identity := &SigningIdentity{}
	err := r.pool.QueryRow(ctx, query, identityID).Scan(
		&identity.IdentityID, &identity.WalletAddress,
		&identity.ConsensusKeyFingerprint, &identity.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying identity: %w", err)
	}

	return identity, nil
}

// SaveNode registers a validator node
func (r *PostgresRepository) SaveNode(ctx context.Context, node *ValidatorNode) error {
	if err := node.Validate(); err != nil {
		return fmt.Errorf("validating node: %w", err)
	}

	query := `
		INSERT INTO validator_nodes (
			node_id, identity_id, role, last_height, last_round, last_signed_hash,
			last_heartbeat_at, missed_block_count, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.pool.Exec(ctx, query,
		node.NodeID, node.IdentityID, string(node.Role), node.LastHeight, node.LastRound,
		node.LastSignedHash, node.LastHeartbeatAt, node.MissedBlockCount,
		string(node.Status), node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting node: %w", err)
	}

	return nil
}

const nodeColumns = `node_id, identity_id, role, last_height, last_round, last_signed_hash,
	last_heartbeat_at, missed_block_count, status, created_at, updated_at`

// GetNode retrieves a node by ID
func (r *PostgresRepository) GetNode(ctx context.Context, nodeID string) (*ValidatorNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM validator_nodes WHERE node_id = $1`

	node, err := scanNode(r.pool.QueryRow(ctx, query, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying node: %w", err)
	}

	return node, nil
}

// ListNodes retrieves nodes matching the filter
func (r *PostgresRepository) ListNodes(ctx context.Context, filter NodeFilter) ([]*ValidatorNode, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}

	query := `SELECT ` + nodeColumns + `
		FROM validator_nodes
		WHERE ($1 = '' OR identity_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY node_id
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, filter.IdentityID, statuses, limit)
	if err != nil {
		return nil, fmt.Errorf("querying node list: %w", err)
	}
	defer rows.Close()

	var nodes []*ValidatorNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating node rows: %w", err)
	}

	return nodes, nil
}

// UpdateNode applies a partial update to a node
func (r *PostgresRepository) UpdateNode(ctx context.Context, nodeID string, update NodeUpdate) error {
	if err := update.validate(); err != nil {
		return fmt.Errorf("validating node update: %w", err)
	}

	query := `
		UPDATE validator_nodes
		SET role = COALESCE($2, role),
			status = COALESCE($3, status),
			last_height = COALESCE($4, last_height),
			last_round = COALESCE($5, last_round),
			last_signed_hash = COALESCE($6, last_signed_hash),
			last_heartbeat_at = COALESCE($7, last_heartbeat_at),
			missed_block_count = COALESCE($8, missed_block_count),
			updated_at = $9
		WHERE node_id = $1`

	result, err := r.pool.Exec(ctx, query,
		nodeID, optionalString(update.Role), optionalString(update.Status),
		update.LastHeight, update.LastRound, update.LastSignedHash,
		update.LastHeartbeatAt, update.MissedBlockCount, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating node: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveFailoverGroup creates or replaces the operator configuration of a group
func (r *PostgresRepository) SaveFailoverGroup(ctx context.Context, group *FailoverGroup) error {
	if err := group.Validate(); err != nil {
		return fmt.Errorf("validating failover group: %w", err)
	}

	query := `
		INSERT INTO failover_groups (
			identity_id, primary_node_id, backup_node_ids, strategy, failover_delay_seconds,
			auto_failback, state, cooldown_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (identity_id) DO UPDATE
		SET primary_node_id = EXCLUDED.primary_node_id,
			backup_node_ids = EXCLUDED.backup_node_ids,
			strategy = EXCLUDED.strategy,
			failover_delay_seconds = EXCLUDED.failover_delay_seconds,
			auto_failback = EXCLUDED.auto_failback,
			updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now

	_, err := r.pool.Exec(ctx, query,
		group.IdentityID, group.PrimaryNodeID, group.BackupNodeIDs, string(group.Strategy),
		int64(group.FailoverDelay/time.Second), group.AutoFailback, string(group.State),
		group.CooldownUntil, group.CreatedAt, group.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting failover group: %w", err)
	}

	return nil
}

const groupColumns = `identity_id, primary_node_id, backup_node_ids, strategy, failover_delay_seconds,
	auto_failback, state, cooldown_until, created_at, updated_at`

// GetFailoverGroup retrieves the group of an identity
func (r *PostgresRepository) GetFailoverGroup(ctx context.Context, identityID string) (*FailoverGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM failover_groups WHERE identity_id = $1`

	group, err := scanGroup(r.pool.QueryRow(ctx, query, identityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying failover group: %w", err)
	}

	return group, nil
}

// ListFailoverGroups retrieves all failover groups
func (r *PostgresRepository) ListFailoverGroups(ctx context.Context) ([]*FailoverGroup, error) {
	query := `SELECT ` + groupColumns + ` FROM failover_groups ORDER BY identity_id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying failover groups: %w", err)
	}
	defer rows.Close()

	var groups []*FailoverGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning failover group row: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failover group rows: %w", err)
	}

	return groups, nil
}

// TransitionGroupState moves a group to t.To if its current state is one of t.From
func (r *PostgresRepository) TransitionGroupState(ctx context.Context, identityID string, t GroupTransition) (bool, error) {
	if !t.To.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidState, t.To)
	}

	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}

	query := `
		UPDATE failover_groups
		SET state = $2,
			cooldown_until = COALESCE($3, cooldown_until),
			primary_node_id = COALESCE($4, primary_node_id),
			backup_node_ids = COALESCE($5::text[], backup_node_ids),
			updated_at = $6
		WHERE identity_id = $1 AND state = ANY($7::text[])`

	result, err := r.pool.Exec(ctx, query,
		identityID, string(t.To), t.CooldownUntil, t.PrimaryNodeID, t.BackupNodeIDs,
		time.Now().UTC(), from,
	)
	if err != nil {
		return false, fmt.Errorf("transitioning failover group: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// SaveFailoverRecord persists the audit record of a failover attempt
func (r *PostgresRepository) SaveFailoverRecord(ctx context.Context, record *FailoverRecord) error {
	query := `
		INSERT INTO failover_records (
			id, identity_id, primary_node_id, backup_node_id, strategy, state, success,
			forced, failback, warnings, instructions, error, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	warnings := record.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	instructions := record.Instructions
	if instructions == nil {
		instructions = []string{}
	}

	_, err := r.pool.Exec(ctx, query,
		record.ID, record.IdentityID, record.PrimaryNodeID, record.BackupNodeID,
		string(record.Strategy), string(record.State), record.Success, record.Forced,
		record.Failback, warnings, instructions, record.Error,
		record.StartedAt, record.CompletedAt,
	)
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting failover record: %w", err)
	}

	return nil
}

// ListFailoverRecords returns the most recent records of an identity, newest first
func (r *PostgresRepository) ListFailoverRecords(ctx context.Context, identityID string, limit int) ([]*FailoverRecord, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	query := `
		SELECT id, identity_id, primary_node_id, backup_node_id, strategy, state, success,
			   forced, failback, warnings, instructions, error, started_at, completed_at
		FROM failover_records
		WHERE identity_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, identityID, lim)
	if err != nil {
		return nil, fmt.Errorf("querying failover records: %w", err)
	}
	defer rows.Close()

	var records []*FailoverRecord
	for rows.Next() {
		rec := &FailoverRecord{}
		var strategy, state string
		err := rows.Scan(
			&rec.ID, &rec.IdentityID, &rec.PrimaryNodeID, &rec.BackupNodeID, &strategy, &state,
			&rec.Success, &rec.Forced, &rec.Failback, &rec.Warnings, &rec.Instructions,
			&rec.Error, &rec.StartedAt, &rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning failover record row: %w", err)
		}
		rec.Strategy = FailoverStrategy(strategy)
		rec.State = FailoverState(state)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failover record rows: %w", err)
	}

	return records, nil
}

// GetOrCreateIdentityLock returns the lock row of an identity, creating it on first use
func (r *PostgresRepository) GetOrCreateIdentityLock(ctx context.Context, identityID string) (*IdentityLock, error) {
	if identityID == "" {
		return nil, ErrInvalidID
	}

	insert := `
		INSERT INTO identity_locks (identity_id, required_signing_gap_blocks, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, insert, identityID, DefaultSigningGapBlocks, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("creating identity lock: %w", err)
	}

	query := `
		SELECT identity_id, is_signing_active, active_node_id, required_signing_gap_blocks,
			   migration_lock, COALESCE(migration_lock_owner, ''), migration_lock_expires_at,
			   last_verified_at
		FROM identity_locks
		WHERE identity_id = $1`

	lock := &IdentityLock{}
	err := r.pool.QueryRow(ctx, query, identityID).Scan(
		&lock.IdentityID, &lock.IsSigningActive, &lock.ActiveNodeID, &lock.RequiredSigningGapBlocks,
		&lock.MigrationLock, &lock.MigrationLockOwner, &lock.MigrationLockExpiresAt,
		&lock.LastVerifiedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying identity lock: %w", err)
	}

	return lock, nil
}

// AcquireSigningLock marks nodeID as the active signer unless another node holds the lock
func (r *PostgresRepository) AcquireSigningLock(ctx context.Context, identityID, nodeID string, now time.Time) (bool, error) {
	query := `
		INSERT INTO identity_locks (
			identity_id, is_signing_active, active_node_id, required_signing_gap_blocks,
			last_verified_at, updated_at
		) VALUES ($1, TRUE, $2, $3, $4, $4)
		ON CONFLICT (identity_id) DO UPDATE
		SET is_signing_active = TRUE,
			active_node_id = EXCLUDED.active_node_id,
			last_verified_at = EXCLUDED.last_verified_at,
			updated_at = EXCLUDED.updated_at
		WHERE NOT identity_locks.is_signing_active
		   OR identity_locks.active_node_id = EXCLUDED.active_node_id`

	result, err := r.pool.Exec(ctx, query, identityID, nodeID, DefaultSigningGapBlocks, now)
	if err != nil {
		return false, fmt.Errorf("acquiring signing lock: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ReleaseSigningLock clears the active signer if nodeID holds it
func (r *PostgresRepository) ReleaseSigningLock(ctx context.Context, identityID, nodeID string, now time.Time) (bool, error) {
	query := `
		UPDATE identity_locks
		SET is_signing_active = FALSE, active_node_id = NULL, updated_at = $3
		WHERE identity_id = $1 AND is_signing_active AND active_node_id = $2`

	result, err := r.pool.Exec(ctx, query, identityID, nodeID, now)
	if err != nil {
		return false, fmt.Errorf("releasing signing lock: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// AcquireMigrationLock takes the migration lock unless a live lock of another owner exists
func (r *PostgresRepository) AcquireMigrationLock(ctx context.Context, identityID, owner string, now, expiresAt time.Time) (bool, error) {
	query := `
		INSERT INTO identity_locks (
			identity_id, required_signing_gap_blocks, migration_lock,
			migration_lock_owner, migration_lock_expires_at, updated_at
		) VALUES ($1, $2, TRUE, $3, $4, $5)
		ON CONFLICT (identity_id) DO UPDATE
		SET migration_lock = TRUE,
			migration_lock_owner = EXCLUDED.migration_lock_owner,
			migration_lock_expires_at = EXCLUDED.migration_lock_expires_at,
			updated_at = EXCLUDED.updated_at
		WHERE NOT identity_locks.migration_lock
		   OR identity_locks.migration_lock_expires_at IS NULL
		   OR identity_locks.migration_lock_expires_at <= EXCLUDED.updated_at
		   OR identity_locks.migration_lock_owner = EXCLUDED.migration_lock_owner`

	result, err := r.pool.Exec(ctx, query, identityID, DefaultSigningGapBlocks, owner, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("acquiring migration lock: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// ReleaseMigrationLock drops the migration lock if owner holds it
func (r *PostgresRepository) ReleaseMigrationLock(ctx context.Context, identityID, owner string, now time.Time) (bool, error) {
	query := `
		UPDATE identity_locks
		SET migration_lock = FALSE, migration_lock_owner = NULL,
			migration_lock_expires_at = NULL, updated_at = $3
		WHERE identity_id = $1 AND migration_lock_owner = $2`

	result, err := r.pool.Exec(ctx, query, identityID, owner, now)
	if err != nil {
		return false, fmt.Errorf("releasing migration lock: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkLockVerified records when the lock was last checked for conflicts
func (r *PostgresRepository) MarkLockVerified(ctx context.Context, identityID string, now time.Time) error {
	query := `UPDATE identity_locks SET last_verified_at = $2 WHERE identity_id = $1`

	result, err := r.pool.Exec(ctx, query, identityID, now)
	if err != nil {
		return fmt.Errorf("marking lock verified: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func scanNode(row pgx.Row) (*ValidatorNode, error) {
	node := &ValidatorNode{}
	var role, status string
	var heartbeat *time.Time
	err := row.Scan(
		&node.NodeID, &node.IdentityID, &role, &node.LastHeight, &node.LastRound,
		&node.LastSignedHash, &heartbeat, &node.MissedBlockCount, &status,
		&node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if heartbeat != nil {
		node.LastHeartbeatAt = *heartbeat
	}
	node.Role = NodeRole(role)
	if node.Status, err = ParseNodeStatus(status); err != nil {
		return nil, err
	}
	return node, nil
}

func scanGroup(row pgx.Row) (*FailoverGroup, error) {
	group := &FailoverGroup{}
	var strategy, state string
	var delaySeconds int64
	err := row.Scan(
		&group.IdentityID, &group.PrimaryNodeID, &group.BackupNodeIDs, &strategy, &delaySeconds,
		&group.AutoFailback, &state, &group.CooldownUntil, &group.CreatedAt, &group.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	group.FailoverDelay = time.Duration(delaySeconds) * time.Second
	if group.Strategy, err = ParseStrategy(strategy); err != nil {
		return nil, err
	}
	group.State = FailoverState(state)
	if !group.State.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	return group, nil
}

func optionalString[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

// Helper function to check for PostgreSQL duplicate key errors
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
