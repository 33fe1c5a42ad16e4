// Package model holds the domain types shared across the bridge: voice chat
// participants, game players and positional audio frames.
package model

// Participant is a client visible on the connected TeamSpeak server.
type Participant struct {
	ClientID  int
	Nick      string
	UniqueID  string
	ChannelID int
	Speaking  bool
	Metadata  string
}

// Player is a game-side entity the bridge matches voice participants
// against. IDs are stable per account; names may change.
type Player struct {
	ID        int
	Name      string
	VehicleID int
	Alive     bool
	IsSelf    bool
}

// Vec3 is a position or direction in game world coordinates.
type Vec3 struct {
	X float32
	Y float32
	Z float32
}

// PositionalFrame is one snapshot of the 3D audio scene: the listening
// camera and the world positions of every audible client.
type PositionalFrame struct {
	Timestamp       uint32
	CameraPosition  Vec3
	CameraDirection Vec3
	ClientPositions map[int]Vec3
}
