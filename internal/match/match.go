// Package match decides which game player a voice participant is. Candidate
// names are tried in a fixed order: an explicit metadata tag, previously
// stored pairings, nick extraction patterns, configured name mappings and
// finally a direct name comparison.
package match

import (
	"regexp"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tessumod/extension/internal/model"
	"github.com/tessumod/extension/internal/util"
)

// Markers wrapping the game nickname inside client metadata. Clients running
// the game integration plugin advertise their in-game name this way.
const (
	metadataStartTag = "<wot_nickname_start>"
	metadataEndTag   = "<wot_nickname_end>"
)

// PairStore persists which unique ids belong to which players. Implemented
// by usercache.Cache.
type PairStore interface {
	PairedPlayerIDs(uniqueID string) []int
	Pair(uniqueID, playerName string)
}

// Config controls the matching chain.
type Config struct {
	// UseMetadata enables reading the game nickname from client metadata.
	UseMetadata bool
	// ExtractPatterns are tried in order against the participant's nick;
	// the first pattern with a submatch fixes the name used by the later
	// steps.
	ExtractPatterns []*regexp.Regexp
	// NameMappings maps a voice chat name to a game player name for users
	// whose names differ on the two sides. Keys and values are compared
	// case-insensitively.
	NameMappings map[string]string
}

// Matcher resolves voice participants to game players.
type Matcher struct {
	cfg   Config
	store PairStore
}

func New(cfg Config, store PairStore) *Matcher {
	return &Matcher{cfg: cfg, store: store}
}

// NicknameFromMetadata extracts the game nickname advertised in client
// metadata, or "" when the tag is absent.
func NicknameFromMetadata(metadata string) string {
	start := strings.Index(metadata, metadataStartTag)
	if start < 0 {
		return ""
	}
	rest := metadata[start+len(metadataStartTag):]
	end := strings.Index(rest, metadataEndTag)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// Match finds the player the participant is, or reports false when no step
// of the chain produces a match. Successful matches from the metadata,
// extraction and mapping steps are stored as pairings so the user is
// recognized directly next time.
func (m *Matcher) Match(p model.Participant, players []model.Player) (model.Player, bool) {
	// 1. Metadata tag: the authoritative source when present.
	if m.cfg.UseMetadata {
		if name := NicknameFromMetadata(p.Metadata); name != "" {
			if player, ok := findByName(players, name); ok {
				m.remember(p, player)
				return player, true
			}
		}
	}

	// 2. Stored pairings from earlier sessions.
	if m.store != nil && p.UniqueID != "" {
		ids := m.store.PairedPlayerIDs(p.UniqueID)
		for _, player := range players {
			if slices.Contains(ids, player.ID) {
				return player, true
			}
		}
	}

	// 3. Extraction patterns. The first matching pattern fixes the name the
	// remaining steps compare with, whether or not it names a known player.
	name := p.Nick
	for _, pattern := range m.cfg.ExtractPatterns {
		groups := pattern.FindStringSubmatch(p.Nick)
		if len(groups) < 2 {
			continue
		}
		name = groups[1]
		if player, ok := findByName(players, name); ok {
			m.remember(p, player)
			return player, true
		}
		break
	}

	// 4. Configured name mappings.
	if mapped, ok := m.cfg.NameMappings[util.NormalizeName(name)]; ok {
		if player, ok := findByName(players, mapped); ok {
			m.remember(p, player)
			return player, true
		}
	}

	// 5. Direct comparison.
	return findByName(players, name)
}

func (m *Matcher) remember(p model.Participant, player model.Player) {
	if m.store == nil || p.UniqueID == "" {
		return
	}
	m.store.Pair(p.UniqueID, player.Name)
	log.Debug().
		Str("nick", p.Nick).
		Str("player", player.Name).
		Msg("paired voice user with game player")
}

func findByName(players []model.Player, name string) (model.Player, bool) {
	for _, player := range players {
		if util.EqualNames(player.Name, name) {
			return player, true
		}
	}
	return model.Player{}, false
}
