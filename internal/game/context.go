// Package game tracks what the game side of the bridge reports: the player
// roster, the listening camera and per-player world positions. The data
// arrives through a roster file the game integration mod rewrites as the
// battle progresses.
package game

import (
	"sync"

	"github.com/tessumod/extension/internal/model"
)

// Snapshot is one complete game state update. Timestamp is when the game
// side produced it, in unix seconds.
type Snapshot struct {
	Timestamp       uint32
	SelfPlayerID    int
	CameraPosition  model.Vec3
	CameraDirection model.Vec3
	Players         []model.Player
	Positions       map[int]model.Vec3
}

// Context holds the current game state
type Context struct {
	mu       sync.RWMutex
	snapshot Snapshot
	present  bool
}

// NewContext creates a new Context with no game running
func NewContext() *Context {
	return &Context{}
}

// Update replaces the current state with a new snapshot
func (c *Context) Update(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
	c.present = true
}

// Clear marks the game as not running
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = Snapshot{}
	c.present = false
}

// InGame reports whether a game snapshot is available
func (c *Context) InGame() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.present
}

// Players returns the current roster
func (c *Context) Players() []model.Player {
	c.mu.RLock()
	defer c.mu.RUnlock()
	players := make([]model.Player, len(c.snapshot.Players))
	copy(players, c.snapshot.Players)
	return players
}

// SelfPlayer returns the player the bridge user controls
func (c *Context) SelfPlayer() (model.Player, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.snapshot.Players {
		if p.ID == c.snapshot.SelfPlayerID {
			return p, true
		}
	}
	return model.Player{}, false
}

// Timestamp returns when the current snapshot was produced
func (c *Context) Timestamp() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Timestamp
}

// Camera returns the listening camera position and direction
func (c *Context) Camera() (position, direction model.Vec3) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.CameraPosition, c.snapshot.CameraDirection
}

// PositionOf returns the world position of a player
func (c *Context) PositionOf(playerID int) (model.Vec3, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.snapshot.Positions[playerID]
	return pos, ok
}
