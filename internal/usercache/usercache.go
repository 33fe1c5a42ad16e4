// Package usercache persists what the bridge has learned about people: which
// TeamSpeak identities and game players have been seen, and which of them
// belong to the same person. Pairings are append-only so that a temporary
// nick change never unlinks a user.
package usercache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/tessumod/extension/internal/util"
)

const fileHeader = `# This file stores the TeamSpeak users and game players the bridge has
# seen, and the pairings made between them. You can edit pairings by hand
# while the bridge is not running; the file is rewritten on every sync.
`

// CorruptError is returned when the cache file exists but cannot be parsed.
// The on-disk file is left untouched so the user can repair it by hand.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("user cache file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// cacheFile is the on-disk TOML layout.
type cacheFile struct {
	TeamSpeakUsers     map[string]string   `toml:"TeamSpeakUsers"`
	GamePlayers        map[string]int      `toml:"GamePlayers"`
	PlayerUserPairings map[string][]string `toml:"PlayerUserPairings"`
}

// Cache is the in-memory view of the persisted user data. All methods are
// safe for concurrent use. Disk writes happen only in Sync and only while
// writes are enabled; in-memory updates are always applied.
type Cache struct {
	mu            sync.Mutex
	path          string
	tsUsers       map[string]string   // nickname -> unique id
	players       map[string]int      // player name -> player id
	pairings      map[string][]string // unique id -> paired player names
	writesEnabled bool
	dirty         bool
}

// Open loads the cache from path. A missing file yields an empty cache with
// no error. A file that exists but does not parse yields an empty cache and
// a *CorruptError; the file on disk is not modified.
func Open(path string) (*Cache, error) {
	c := &Cache{
		path:     path,
		tsUsers:  make(map[string]string),
		players:  make(map[string]int),
		pairings: make(map[string][]string),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading user cache: %w", err)
	}

	var file cacheFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return c, &CorruptError{Path: path, Err: err}
	}

	for nick, uid := range file.TeamSpeakUsers {
		c.tsUsers[util.NormalizeName(nick)] = uid
	}
	for name, id := range file.GamePlayers {
		c.players[util.NormalizeName(name)] = id
	}
	for uid, names := range file.PlayerUserPairings {
		for _, name := range names {
			c.pairings[uid] = appendUnique(c.pairings[uid], util.NormalizeName(name))
		}
	}
	return c, nil
}

// Path returns the backing file path.
func (c *Cache) Path() string {
	return c.path
}

// SetWritesEnabled controls whether Sync persists to disk. Writes start
// disabled so a corrupt or user-edited file is never clobbered before the
// caller decides it is safe.
func (c *Cache) SetWritesEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writesEnabled = enabled
}

// AddTSUser records a TeamSpeak nickname and its unique id.
func (c *Cache) AddTSUser(nick, uniqueID string) {
	nick = util.NormalizeName(nick)
	if nick == "" || uniqueID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tsUsers[nick] != uniqueID {
		c.tsUsers[nick] = uniqueID
		c.dirty = true
	}
}

// AddPlayer records a game player name and its id.
func (c *Cache) AddPlayer(name string, id int) {
	name = util.NormalizeName(name)
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.players[name] != id {
		c.players[name] = id
		c.dirty = true
	}
}

// Pair links a TeamSpeak unique id to a game player. Pairings accumulate;
// pairing an already-paired combination is a no-op.
func (c *Cache) Pair(uniqueID, playerName string) {
	playerName = util.NormalizeName(playerName)
	if uniqueID == "" || playerName == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.pairings[uniqueID])
	c.pairings[uniqueID] = appendUnique(c.pairings[uniqueID], playerName)
	if len(c.pairings[uniqueID]) != before {
		c.dirty = true
	}
}

// PairedPlayerIDs returns the ids of the players paired with the unique id,
// resolved through the known player names. Names without a known id are
// skipped.
func (c *Cache) PairedPlayerIDs(uniqueID string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int
	for _, name := range c.pairings[uniqueID] {
		if id, ok := c.players[name]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// PairedPlayerNames returns the player names paired with the unique id.
func (c *Cache) PairedPlayerNames(uniqueID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pairings[uniqueID])
}

// TSUserUniqueID looks up the unique id recorded for a nickname.
func (c *Cache) TSUserUniqueID(nick string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid, ok := c.tsUsers[util.NormalizeName(nick)]
	return uid, ok
}

// PlayerID looks up the id recorded for a player name.
func (c *Cache) PlayerID(name string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.players[util.NormalizeName(name)]
	return id, ok
}

// PlayerName looks up the name recorded for a player id.
func (c *Cache) PlayerName(id int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, pid := range c.players {
		if pid == id {
			return name, true
		}
	}
	return "", false
}

// IsPaired reports whether the unique id has the player name among its
// pairings.
func (c *Cache) IsPaired(uniqueID, playerName string) bool {
	playerName = util.NormalizeName(playerName)
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.pairings[uniqueID], playerName)
}

// Sync writes the cache to disk if writes are enabled and anything changed
// since the last sync. The file is replaced atomically via a temp file in
// the same directory.
func (c *Cache) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.writesEnabled || !c.dirty {
		return nil
	}

	file := cacheFile{
		TeamSpeakUsers:     c.tsUsers,
		GamePlayers:        c.players,
		PlayerUserPairings: make(map[string][]string, len(c.pairings)),
	}
	for uid, names := range c.pairings {
		sorted := slices.Clone(names)
		slices.Sort(sorted)
		file.PlayerUserPairings[uid] = sorted
	}

	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	buf.WriteByte('\n')
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return fmt.Errorf("encoding user cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating user cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp user cache: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing user cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing user cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing user cache: %w", err)
	}

	c.dirty = false
	return nil
}

func appendUnique(names []string, name string) []string {
	if slices.Contains(names, name) {
		return names
	}
	return append(names, name)
}
