package failover

import "errors"

var (
	// ErrIdentityMismatch rejects moving the active role to a node of another identity
	ErrIdentityMismatch = errors.New("primary and backup sign for different identities")
	// ErrLockContention means another failover of the identity is in progress
	ErrLockContention = errors.New("failover already in progress for identity")
	// ErrStrategyUnavailable is reported for strategies that need infrastructure this process lacks
	ErrStrategyUnavailable = errors.New("failover strategy unavailable")
	// ErrGroupState means the failover group is not in a state that allows the operation
	ErrGroupState = errors.New("failover group state does not allow this operation")
	// ErrPrimaryHealthy refuses to fail over a primary that still reports healthy
	ErrPrimaryHealthy = errors.New("primary still reports healthy")
	// ErrSigningLockHeld means another process already claims to be signing
	ErrSigningLockHeld = errors.New("another process already claims to be signing")
)
