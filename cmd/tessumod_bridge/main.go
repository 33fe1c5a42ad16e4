// tessumod_bridge connects a TeamSpeak client to the game: it matches voice
// participants to game players, remembers the pairings, and feeds the
// positional audio plugin through shared memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/tessumod/extension/internal/cache"
	"github.com/tessumod/extension/internal/client"
	"github.com/tessumod/extension/internal/config"
	"github.com/tessumod/extension/internal/export"
	"github.com/tessumod/extension/internal/game"
	"github.com/tessumod/extension/internal/influx"
	"github.com/tessumod/extension/internal/logging"
	"github.com/tessumod/extension/internal/match"
	"github.com/tessumod/extension/internal/model"
	"github.com/tessumod/extension/internal/monitor"
	"github.com/tessumod/extension/internal/usercache"
)

var (
	Version   string = "0.0.1"
	BuildDate string = "unknown"

	AppName = "tessumod_bridge"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	sessionStart := time.Now()

	if err := config.Load("."); err != nil {
		return err
	}

	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	logFile, err := os.Create(logging.LogFilePath(logsDir, AppName, sessionStart))
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	logger := logging.Setup(logFile)
	logger.Info().Str("version", Version).Str("buildDate", BuildDate).Msg("bridge starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBridge(logger)
	if err != nil {
		return err
	}
	return b.run(ctx)
}

// bridge wires the long-lived components together.
type bridge struct {
	logger   zerolog.Logger
	users    *usercache.Cache
	matcher  *match.Matcher
	game     *game.Context
	voice    *client.Client
	exporter *export.Exporter
	stats    *influx.Manager
	matched  *cache.SafeCounter

	// advertised is the last metadata value pushed to the voice client.
	advertised string
	// matchSeen is each participant's last match outcome, so the statistics
	// record transitions instead of one point per export tick.
	matchSeen map[int]bool
}

func newBridge(logger zerolog.Logger) (*bridge, error) {
	b := &bridge{
		logger:    logger,
		game:      game.NewContext(),
		matched:   &cache.SafeCounter{},
		matchSeen: make(map[int]bool),
	}

	users, err := usercache.Open(viper.GetString("usercache.path"))
	var corrupt *usercache.CorruptError
	switch {
	case errors.As(err, &corrupt):
		// Leave writes disabled so the broken file survives for repair.
		logger.Error().Err(err).Msg("user cache unreadable, pairing memory disabled")
	case err != nil:
		return nil, err
	default:
		users.SetWritesEnabled(true)
	}
	b.users = users

	patterns, err := config.NickExtractPatterns()
	if err != nil {
		return nil, err
	}
	b.matcher = match.New(match.Config{
		UseMetadata:     viper.GetBool("match.useMetadata"),
		ExtractPatterns: patterns,
		NameMappings:    config.NameMappings(),
	}, users)

	b.voice, err = client.New(client.Options{
		Host:              viper.GetString("ts.host"),
		Port:              viper.GetInt("ts.port"),
		RetryInterval:     time.Duration(viper.GetInt("ts.retryIntervalSeconds")) * time.Second,
		KeepAliveInterval: time.Duration(viper.GetInt("ts.keepAliveSeconds")) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	if viper.GetBool("export.enabled") {
		exporter, err := export.NewExporter()
		if err != nil {
			// The plugin may simply not be installed; run without it.
			logger.Warn().Err(err).Msg("positional audio export unavailable")
		} else {
			b.exporter = exporter
		}
	}

	if viper.GetBool("influx.enabled") {
		b.stats = influx.NewManager(logger, "influx_backup.gz")
		if err := b.stats.Connect(); err != nil {
			logger.Warn().Err(err).Msg("statistics disabled")
			b.stats = nil
		}
	}

	return b, nil
}

func (b *bridge) run(ctx context.Context) error {
	go b.voice.Run(ctx)

	poller := &game.Poller{
		Path:     viper.GetString("roster.path"),
		Interval: time.Duration(viper.GetInt("roster.pollIntervalSeconds")) * time.Second,
		Context:  b.game,
	}
	go poller.Run(ctx)

	status := monitor.NewService(monitor.Dependencies{
		Participants: b.voice.Participants(),
		Game:         b.game,
		Influx:       b.stats,
		Matched:      b.matched,
		Logger:       b.logger,
	})
	go status.Run(ctx, time.Minute)

	exportTick := time.NewTicker(time.Duration(viper.GetInt("export.intervalMillis")) * time.Millisecond)
	defer exportTick.Stop()
	syncTick := time.NewTicker(time.Duration(viper.GetInt("usercache.syncIntervalSeconds")) * time.Second)
	defer syncTick.Stop()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return nil

		case ev := <-b.voice.Events().Receive():
			b.handleEvent(ev)

		case <-exportTick.C:
			b.advertiseSelf()
			b.exportFrame()

		case <-syncTick.C:
			if err := b.users.Sync(); err != nil {
				b.logger.Warn().Err(err).Msg("user cache sync failed")
			}
		}
	}
}

func (b *bridge) handleEvent(ev model.Event) {
	if b.stats != nil {
		if err := b.stats.WritePoint(context.Background(),
			influx.BucketVoiceEvents, influx.VoiceEventPoint(ev)); err != nil {
			b.logger.Warn().Err(err).Msg("failed to write voice event point")
		}
	}

	switch ev.Kind {
	case model.EventReady:
		b.advertised = ""
		b.advertiseSelf()

	case model.EventClientJoined:
		// The unique id is needed for pairing memory; ask for it when the
		// listing did not include one.
		if ev.Participant.UniqueID == "" && !ev.IsSelf {
			if err := b.voice.RequestUniqueID(ev.Participant.ClientID); err != nil {
				b.logger.Debug().Err(err).Int("clientID", ev.Participant.ClientID).
					Msg("unique id request failed")
			}
		}
		b.rememberParticipant(ev.Participant)

	case model.EventClientUpdated, model.EventUniqueIDResolved:
		b.rememberParticipant(ev.Participant)
	}
}

// rememberParticipant records the nickname/unique id association for the
// persisted pairing memory.
func (b *bridge) rememberParticipant(p model.Participant) {
	if p.UniqueID != "" && p.Nick != "" {
		b.users.AddTSUser(p.Nick, p.UniqueID)
	}
}

// advertiseSelf publishes our own game nickname in client metadata so other
// bridge users can match us without guesswork.
func (b *bridge) advertiseSelf() {
	if !b.voice.Ready() || !viper.GetBool("match.useMetadata") {
		return
	}
	self, ok := b.game.SelfPlayer()
	if !ok {
		return
	}
	metadata := "<wot_nickname_start>" + self.Name + "<wot_nickname_end>"
	if metadata == b.advertised {
		return
	}
	if err := b.voice.SetMetadata(metadata); err != nil {
		b.logger.Debug().Err(err).Msg("metadata update failed")
		return
	}
	b.advertised = metadata
}

// exportFrame matches participants to players and publishes the positional
// audio scene.
func (b *bridge) exportFrame() {
	if !b.game.InGame() {
		b.matched.Set(0)
		return
	}

	players := b.game.Players()
	for _, p := range players {
		b.users.AddPlayer(p.Name, p.ID)
	}

	matched := 0
	positions := make(map[int]model.Vec3)
	for _, participant := range b.voice.Participants().ListParticipants() {
		player, ok := b.matcher.Match(participant, players)
		b.recordMatchOutcome(participant.ClientID, ok)
		if !ok {
			continue
		}
		matched++
		// Only speaking participants whose player is still alive are audible.
		if !participant.Speaking || !player.Alive {
			continue
		}
		if pos, ok := b.game.PositionOf(player.ID); ok {
			positions[participant.ClientID] = pos
		}
	}
	b.matched.Set(matched)

	if b.exporter == nil {
		return
	}
	cameraPos, cameraDir := b.game.Camera()
	frame := model.PositionalFrame{
		Timestamp:       b.game.Timestamp(),
		CameraPosition:  cameraPos,
		CameraDirection: cameraDir,
		ClientPositions: positions,
	}
	if err := b.exporter.Export(frame); err != nil {
		b.logger.Warn().Err(err).Msg("positional audio export failed")
	}
}

func (b *bridge) recordMatchOutcome(clientID int, matched bool) {
	if prev, seen := b.matchSeen[clientID]; seen && prev == matched {
		return
	}
	b.matchSeen[clientID] = matched
	if b.stats == nil {
		return
	}
	if err := b.stats.WritePoint(context.Background(),
		influx.BucketPerformance, influx.MatchPoint(matched, clientID)); err != nil {
		b.logger.Debug().Err(err).Msg("failed to write match point")
	}
}

func (b *bridge) shutdown() {
	b.logger.Info().Msg("bridge shutting down")
	if b.exporter != nil {
		if err := b.exporter.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("closing exporter failed")
		}
	}
	if err := b.users.Sync(); err != nil {
		b.logger.Warn().Err(err).Msg("final user cache sync failed")
	}
}
