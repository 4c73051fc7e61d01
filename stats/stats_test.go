package stats

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSources() Sources {
	warnCalls, karmaCalls := 0, 0
	return Sources{
		CacheSize: func() int { return 42 },
		ActiveUsers: func() map[string]int {
			return map[string]int{"15m": 1, "2h": 2, "12h": 3}
		},
		WarningsGiven: func() int64 {
			warnCalls++
			return int64(warnCalls)
		},
		KarmaGiven: func() int64 {
			karmaCalls++
			return int64(karmaCalls)
		},
	}
}

func TestSnapshotReportsSourcesVerbatim(t *testing.T) {
	c := New(testSources())
	snap := c.Snapshot()
	require.Equal(t, 42, snap["cache_size"])
	require.Equal(t, map[string]int{"15m": 1, "2h": 2, "12h": 3}, snap["active_users"])
	require.Equal(t, int64(1), snap["warnings_given"])
}

func TestSnapshotPollsCountersOnEachCall(t *testing.T) {
	c := New(testSources())
	first := c.Snapshot()["warnings_given"].(int64)
	second := c.Snapshot()["warnings_given"].(int64)
	require.Equal(t, int64(1), first)
	require.Equal(t, int64(2), second)
}

func TestSocketPathDisambiguatesByBotName(t *testing.T) {
	require.Equal(t, "/tmp/secretlounge", SocketPath(""))
	require.Equal(t, "/tmp/secretlounge_testbot", SocketPath("testbot"))
}

func TestServerAnswersRequestsWithJSONSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secretlounge.sock")

	srv := NewServer(path, New(testSources()))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("?"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	reader := bufio.NewReader(conn)
	buf := make([]byte, 4096)
	n, err := reader.Read(buf)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &got))
	require.Equal(t, float64(42), got["cache_size"])
}

func TestServerKeepsSocketOpenAcrossRequests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secretlounge.sock")

	srv := NewServer(path, New(testSources()))
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 4096)
	for i := 0; i < 2; i++ {
		_, err = conn.Write([]byte("?"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err = conn.Read(buf)
		require.NoError(t, err)
	}
}
