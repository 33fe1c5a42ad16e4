package game

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tessumod/extension/internal/model"
)

// rosterFile is the JSON document the game integration mod writes. Vectors
// are [x, y, z] triplets.
type rosterFile struct {
	SelfPlayerID int          `json:"selfPlayerID"`
	Camera       rosterCamera `json:"camera"`
	Players      []rosterItem `json:"players"`
}

type rosterCamera struct {
	Position  [3]float32 `json:"position"`
	Direction [3]float32 `json:"direction"`
}

type rosterItem struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	VehicleID int         `json:"vehicleID"`
	Alive     bool        `json:"alive"`
	Position  *[3]float32 `json:"position,omitempty"`
}

// Poller reads the roster file on an interval and feeds the context. A
// missing file means no game is running; that clears the context instead
// of failing.
type Poller struct {
	Path     string
	Interval time.Duration
	Context  *Context

	lastModTime time.Time
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.poll(); err != nil {
				log.Warn().Err(err).Str("path", p.Path).Msg("roster poll failed")
			}
		}
	}
}

func (p *Poller) poll() error {
	info, err := os.Stat(p.Path)
	if os.IsNotExist(err) {
		p.lastModTime = time.Time{}
		p.Context.Clear()
		return nil
	}
	if err != nil {
		return err
	}
	if info.ModTime().Equal(p.lastModTime) {
		return nil
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return err
	}
	snapshot, err := parseRoster(data)
	if err != nil {
		return err
	}

	p.lastModTime = info.ModTime()
	snapshot.Timestamp = uint32(info.ModTime().Unix())
	p.Context.Update(snapshot)
	return nil
}

func parseRoster(data []byte) (Snapshot, error) {
	var file rosterFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Snapshot{}, fmt.Errorf("parsing roster: %w", err)
	}

	s := Snapshot{
		SelfPlayerID:    file.SelfPlayerID,
		CameraPosition:  toVec3(file.Camera.Position),
		CameraDirection: toVec3(file.Camera.Direction),
		Positions:       make(map[int]model.Vec3),
	}
	for _, item := range file.Players {
		s.Players = append(s.Players, model.Player{
			ID:        item.ID,
			Name:      item.Name,
			VehicleID: item.VehicleID,
			Alive:     item.Alive,
			IsSelf:    item.ID == file.SelfPlayerID,
		})
		if item.Position != nil {
			s.Positions[item.ID] = toVec3(*item.Position)
		}
	}
	return s, nil
}

func toVec3(v [3]float32) model.Vec3 {
	return model.Vec3{X: v[0], Y: v[1], Z: v[2]}
}
