// Package monitor periodically reports bridge health: how many voice
// participants are tracked, how many are matched to players, and whether a
// game is running. Reports go to the log and, when configured, to InfluxDB.
package monitor

import (
	"context"
	"sync"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/tessumod/extension/internal/cache"
	"github.com/tessumod/extension/internal/game"
	"github.com/tessumod/extension/internal/influx"
)

// Dependencies holds everything the monitor reports on. Influx may be nil.
type Dependencies struct {
	Participants *cache.ParticipantCache
	Game         *game.Context
	Influx       *influx.Manager
	Matched      *cache.SafeCounter
	Logger       zerolog.Logger
}

// Status is one health snapshot.
type Status struct {
	Participants int
	Speaking     int
	Players      int
	Matched      int
	InGame       bool
}

// Service runs the periodic reporting loop
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	return &Service{deps: deps}
}

// IsRunning returns whether the reporting loop is active
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot collects the current status.
func (s *Service) Snapshot() Status {
	status := Status{
		InGame:  s.deps.Game.InGame(),
		Players: len(s.deps.Game.Players()),
		Matched: s.deps.Matched.Value(),
	}
	for _, p := range s.deps.Participants.ListParticipants() {
		status.Participants++
		if p.Speaking {
			status.Speaking++
		}
	}
	return status
}

// Run reports on the given interval until ctx is canceled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	s.isRunning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.report(ctx)
		}
	}
}

func (s *Service) report(ctx context.Context) {
	status := s.Snapshot()

	s.deps.Logger.Debug().
		Int("participants", status.Participants).
		Int("speaking", status.Speaking).
		Int("players", status.Players).
		Int("matched", status.Matched).
		Bool("inGame", status.InGame).
		Msg("bridge status")

	if s.deps.Influx == nil {
		return
	}
	point := influxdb2_write.NewPointWithMeasurement("bridge_status").
		AddField("participants", status.Participants).
		AddField("speaking", status.Speaking).
		AddField("players", status.Players).
		AddField("matched", status.Matched).
		AddField("inGame", status.InGame).
		SetTime(time.Now())
	if err := s.deps.Influx.WritePoint(ctx, influx.BucketPerformance, point); err != nil {
		s.deps.Logger.Warn().Err(err).Msg("failed to write status point")
	}
}
