package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestAssignMessageIDIsMonotonic(t *testing.T) {
	c := New()
	a := c.AssignMessageID(NewCachedMessage(ptr(1)))
	b := c.AssignMessageID(NewCachedMessage(ptr(2)))
	require.NotEqual(t, a, b)
	require.Equal(t, a+1, b)
}

func TestGetMessageUnknownReturnsNil(t *testing.T) {
	c := New()
	require.Nil(t, c.GetMessage(999))
}

func TestMappingRoundTrip(t *testing.T) {
	c := New()
	cm := NewCachedMessage(ptr(1))
	msid := c.AssignMessageID(cm)

	c.SaveMapping(42, msid, 12345)

	v, ok := c.LookupByMsid(42, msid)
	require.True(t, ok)
	require.Equal(t, 12345, v)

	found, ok := c.LookupByData(42, 12345)
	require.True(t, ok)
	require.Equal(t, msid, found)

	_, ok = c.LookupByData(42, 99999)
	require.False(t, ok)
}

func TestDeleteMappingsRemovesAcrossUsers(t *testing.T) {
	c := New()
	cm := NewCachedMessage(ptr(1))
	msid := c.AssignMessageID(cm)
	c.SaveMapping(1, msid, "a")
	c.SaveMapping(2, msid, "b")

	c.DeleteMappings(msid)

	_, ok := c.LookupByMsid(1, msid)
	require.False(t, ok)
	_, ok = c.LookupByMsid(2, msid)
	require.False(t, ok)
}

func TestExpireRemovesOldEntriesAndMappings(t *testing.T) {
	c := New()
	cm := NewCachedMessage(ptr(1))
	cm.Time = time.Now().Add(-25 * time.Hour)
	msid := c.AssignMessageID(cm)
	c.SaveMapping(1, msid, "x")

	fresh := NewCachedMessage(ptr(2))
	freshID := c.AssignMessageID(fresh)

	ids := c.Expire()
	require.ElementsMatch(t, []int64{msid}, ids)
	require.Nil(t, c.GetMessage(msid))
	require.NotNil(t, c.GetMessage(freshID))

	_, ok := c.LookupByMsid(1, msid)
	require.False(t, ok)
}

func TestUpvoteTracking(t *testing.T) {
	cm := NewCachedMessage(ptr(1))
	require.False(t, cm.HasUpvoted(7))
	cm.AddUpvote(7)
	require.True(t, cm.HasUpvoted(7))
}

func TestIterateMessagesVisitsAllLiveEntries(t *testing.T) {
	c := New()
	c.AssignMessageID(NewCachedMessage(ptr(1)))
	c.AssignMessageID(NewCachedMessage(ptr(2)))
	c.AssignMessageID(NewCachedMessage(nil))

	seen := 0
	c.IterateMessages(func(msid int64, cm *CachedMessage) { seen++ })
	require.Equal(t, 3, seen)
}

func TestSizeReflectsLiveCount(t *testing.T) {
	c := New()
	require.Equal(t, 0, c.Size())
	c.AssignMessageID(NewCachedMessage(ptr(1)))
	require.Equal(t, 1, c.Size())
}
