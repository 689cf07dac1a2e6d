package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintConsensusKey(t *testing.T) {
	a := FingerprintConsensusKey([]byte("key-a"))
	b := FingerprintConsensusKey([]byte("key-b"))

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, FingerprintConsensusKey([]byte("key-a")))
}

func TestNewSigningIdentity(t *testing.T) {
	_, err := NewSigningIdentity("", "w", []byte("k"))
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = NewSigningIdentity("id", "w", nil)
	assert.Error(t, err)

	identity, err := NewSigningIdentity("id", "w", []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, FingerprintConsensusKey([]byte("k")), identity.ConsensusKeyFingerprint)
}

func TestParseEnums(t *testing.T) {
	s, err := ParseNodeStatus("syncing")
	require.NoError(t, err)
	assert.True(t, s.Live())

	_, err = ParseNodeStatus("zombie")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = ParseStrategy("consensus_based")
	assert.NoError(t, err)

	_, err = ParseStrategy("random")
	assert.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestIdentityLockMigrationHeld(t *testing.T) {
	now := time.Now()
	expires := now.Add(time.Minute)

	lock := &IdentityLock{MigrationLock: true, MigrationLockOwner: "o", MigrationLockExpiresAt: &expires}
	assert.True(t, lock.MigrationHeld(now))
	assert.False(t, lock.MigrationHeld(expires))
	assert.False(t, lock.MigrationHeld(now.Add(2*time.Minute)))

	lock.MigrationLock = false
	assert.False(t, lock.MigrationHeld(now))
}

func TestFailoverGroupValidate(t *testing.T) {
	valid := FailoverGroup{
		IdentityID:    "id",
		PrimaryNodeID: "p",
		BackupNodeIDs: []string{"b"},
		Strategy:      StrategyTimeDelayed,
		State:         StateActive,
	}
	assert.NoError(t, valid.Validate())

	noBackups := valid
	noBackups.BackupNodeIDs = nil
	assert.Error(t, noBackups.Validate())

	selfBackup := valid
	selfBackup.BackupNodeIDs = []string{"p"}
	assert.Error(t, selfBackup.Validate())

	badStrategy := valid
	badStrategy.Strategy = "coin_flip"
	assert.ErrorIs(t, badStrategy.Validate(), ErrInvalidStrategy)

	until := time.Now().Add(time.Minute)
	valid.CooldownUntil = &until
	assert.True(t, valid.InCooldown(time.Now()))
	assert.False(t, valid.InCooldown(until.Add(time.Second)))
}
