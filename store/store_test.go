package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewUserDefaults(t *testing.T) {
	u := NewUser(42)
	require.Equal(t, int64(42), u.ID)
	require.Equal(t, RankUser, u.Rank)
	require.True(t, u.IsJoined())
	require.False(t, u.IsBlacklisted())
	require.False(t, u.IsInCooldown())
}

func TestSetLeftAndRejoin(t *testing.T) {
	u := NewUser(1)
	u.SetLeft(true)
	require.False(t, u.IsJoined())
	require.NotNil(t, u.Left)

	u.SetLeft(false)
	require.True(t, u.IsJoined())
	require.Nil(t, u.Left)
}

func TestSetBlacklisted(t *testing.T) {
	u := NewUser(1)
	u.SetBlacklisted("spam")
	require.True(t, u.IsBlacklisted())
	require.False(t, u.IsJoined())
	require.Equal(t, RankBanned, u.Rank)
	require.Equal(t, "spam", *u.BlacklistReason)
}

func TestAddWarningFollowsLadder(t *testing.T) {
	u := NewUser(1)
	d := u.AddWarning()
	require.Equal(t, 1*time.Minute, d)
	require.Equal(t, 1, u.Warnings)
	require.True(t, u.IsInCooldown())

	d = u.AddWarning()
	require.Equal(t, 5*time.Minute, d)
	require.Equal(t, 2, u.Warnings)
}

func TestAddWarningLinearBeyondLadder(t *testing.T) {
	u := NewUser(1)
	u.Warnings = len(CooldownBeginMinutes)
	d := u.AddWarning()
	require.Equal(t, time.Duration(CooldownLinearIntercept)*time.Minute, d)
}

func TestRemoveWarningClearsExpiryAtZero(t *testing.T) {
	u := NewUser(1)
	u.AddWarning()
	u.RemoveWarning()
	require.Equal(t, 0, u.Warnings)
	require.Nil(t, u.WarnExpiry)
}

func TestRemoveWarningFloorsAtZero(t *testing.T) {
	u := NewUser(1)
	u.RemoveWarning()
	require.Equal(t, 0, u.Warnings)
}

func TestGetObfuscatedKarmaBuckets(t *testing.T) {
	u := NewUser(1)

	u.Karma = 5
	require.Equal(t, 0, u.GetObfuscatedKarma())

	u.Karma = 15
	require.Equal(t, 10, u.GetObfuscatedKarma())

	u.Karma = 200
	require.Equal(t, 100, u.GetObfuscatedKarma())

	u.Karma = -200
	require.Equal(t, -100, u.GetObfuscatedKarma())
}

func TestGetObfuscatedIDIsStableWithinADay(t *testing.T) {
	u := NewUser(12345)
	salt := []byte("secret")
	a := u.GetObfuscatedID(salt)
	b := u.GetObfuscatedID(salt)
	require.Equal(t, a, b)
	require.Len(t, a, 4)
}

func TestGetObfuscatedIDDependsOnSecretSalt(t *testing.T) {
	u := NewUser(12345)
	a := u.GetObfuscatedID([]byte("salt-one"))
	b := u.GetObfuscatedID([]byte("salt-two"))
	require.NotEqual(t, a, b)
}

func TestGetFormattedNamePrefersUsername(t *testing.T) {
	u := NewUser(1)
	u.Realname = "Real Name"
	require.Equal(t, "Real Name", u.GetFormattedName())

	name := "handle"
	u.Username = &name
	require.Equal(t, "@handle", u.GetFormattedName())
}

func TestGetMessagePriorityRanksAboveUsers(t *testing.T) {
	admin := NewUser(1)
	admin.Rank = RankAdmin
	admin.LastActive = time.Now()

	user := NewUser(2)
	user.Rank = RankUser
	user.LastActive = time.Now()

	require.Less(t, admin.GetMessagePriority(), user.GetMessagePriority())
}

func TestGetMessagePriorityFavorsRecentActivity(t *testing.T) {
	active := NewUser(1)
	active.LastActive = time.Now()

	idle := NewUser(2)
	idle.LastActive = time.Now().Add(-time.Hour)

	require.Less(t, active.GetMessagePriority(), idle.GetMessagePriority())
}

func TestUnknownUserPriorityEqualsFreshUserPriority(t *testing.T) {
	require.Equal(t, int(MaxRank)<<16, UnknownUserPriority())
}
