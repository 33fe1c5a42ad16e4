package usercache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempCachePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "users.toml")
}

func TestOpen_MissingFile(t *testing.T) {
	c, err := Open(tempCachePath(t))
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestOpen_CorruptFile(t *testing.T) {
	path := tempCachePath(t)
	original := []byte("this is [ not toml =")
	require.NoError(t, os.WriteFile(path, original, 0o644))

	c, err := Open(path)
	require.NotNil(t, c)

	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, path, corrupt.Path)

	// The broken file must stay untouched even after a sync attempt.
	c.SetWritesEnabled(false)
	c.AddTSUser("Nick", "uid-1")
	require.NoError(t, c.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestCache_SyncRoundTrip(t *testing.T) {
	path := tempCachePath(t)

	c, err := Open(path)
	require.NoError(t, err)
	c.SetWritesEnabled(true)

	c.AddTSUser("Test Tomato", "uid-tomato")
	c.AddPlayer("TestTomato73", 42)
	c.Pair("uid-tomato", "TestTomato73")
	require.NoError(t, c.Sync())

	reopened, err := Open(path)
	require.NoError(t, err)

	uid, ok := reopened.TSUserUniqueID("test tomato")
	require.True(t, ok)
	assert.Equal(t, "uid-tomato", uid)

	id, ok := reopened.PlayerID("TESTTOMATO73")
	require.True(t, ok)
	assert.Equal(t, 42, id)

	assert.Equal(t, []int{42}, reopened.PairedPlayerIDs("uid-tomato"))
}

func TestCache_PairingsAccumulate(t *testing.T) {
	c, err := Open(tempCachePath(t))
	require.NoError(t, err)

	c.AddPlayer("Alpha", 1)
	c.AddPlayer("Beta", 2)
	c.Pair("uid-1", "Alpha")
	c.Pair("uid-1", "Beta")
	c.Pair("uid-1", "Alpha") // duplicate is a no-op

	assert.ElementsMatch(t, []int{1, 2}, c.PairedPlayerIDs("uid-1"))
	assert.Len(t, c.PairedPlayerNames("uid-1"), 2)

	// Two voice identities may share one player.
	c.Pair("uid-2", "Alpha")
	assert.Equal(t, []int{1}, c.PairedPlayerIDs("uid-2"))
}

func TestCache_IsPaired(t *testing.T) {
	c, err := Open(tempCachePath(t))
	require.NoError(t, err)

	c.Pair("uid-1", "Alpha")

	assert.True(t, c.IsPaired("uid-1", "ALPHA"))
	assert.False(t, c.IsPaired("uid-1", "Beta"))
	assert.False(t, c.IsPaired("uid-2", "Alpha"))
}

func TestCache_WritesDisabledByDefault(t *testing.T) {
	path := tempCachePath(t)

	c, err := Open(path)
	require.NoError(t, err)

	c.AddTSUser("Nick", "uid-1")
	require.NoError(t, c.Sync())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "sync must not write while writes are disabled")
}

func TestCache_SyncSkipsWhenClean(t *testing.T) {
	path := tempCachePath(t)

	c, err := Open(path)
	require.NoError(t, err)
	c.SetWritesEnabled(true)

	c.AddTSUser("Nick", "uid-1")
	require.NoError(t, c.Sync())

	info1, err := os.Stat(path)
	require.NoError(t, err)

	// Nothing changed; a second sync must not rewrite the file.
	require.NoError(t, c.Sync())
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestCache_PlayerName(t *testing.T) {
	c, err := Open(tempCachePath(t))
	require.NoError(t, err)

	c.AddPlayer("Gamma", 7)

	name, ok := c.PlayerName(7)
	require.True(t, ok)
	assert.Equal(t, "gamma", name)

	_, ok = c.PlayerName(8)
	assert.False(t, ok)
}

func TestCache_IgnoresEmptyKeys(t *testing.T) {
	c, err := Open(tempCachePath(t))
	require.NoError(t, err)

	c.AddTSUser("  ", "uid-1")
	c.AddTSUser("Nick", "")
	c.AddPlayer("", 1)
	c.Pair("", "Alpha")
	c.Pair("uid-1", "  ")

	_, ok := c.TSUserUniqueID("Nick")
	assert.False(t, ok)
	assert.Empty(t, c.PairedPlayerNames("uid-1"))
}
