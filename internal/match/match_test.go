package match

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessumod/extension/internal/model"
)

// fakeStore implements PairStore for testing
type fakeStore struct {
	paired     map[string][]int
	remembered []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		paired: make(map[string][]int),
	}
}

func (s *fakeStore) PairedPlayerIDs(uniqueID string) []int {
	return s.paired[uniqueID]
}

func (s *fakeStore) Pair(uniqueID, playerName string) {
	s.remembered = append(s.remembered, uniqueID+"/"+playerName)
}

var testPlayers = []model.Player{
	{ID: 1, Name: "TestTomato"},
	{ID: 2, Name: "CamperMike"},
	{ID: 3, Name: "LongDriveHome"},
}

func TestMatch_Metadata(t *testing.T) {
	store := newFakeStore()
	m := New(Config{UseMetadata: true}, store)

	p := model.Participant{
		ClientID: 10,
		Nick:     "something completely different",
		UniqueID: "uid-1",
		Metadata: "<wot_nickname_start>TestTomato<wot_nickname_end>",
	}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 1, player.ID)
	assert.Equal(t, []string{"uid-1/TestTomato"}, store.remembered)
}

func TestMatch_MetadataWinsOverNick(t *testing.T) {
	// The nick itself names a player, but the advertised metadata points at
	// a different one; the metadata wins.
	m := New(Config{UseMetadata: true}, newFakeStore())

	p := model.Participant{
		Nick:     "CamperMike",
		Metadata: "<wot_nickname_start>TestTomato<wot_nickname_end>",
	}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 1, player.ID)
}

func TestMatch_MetadataDisabled(t *testing.T) {
	m := New(Config{UseMetadata: false}, newFakeStore())

	p := model.Participant{
		Nick:     "no such player",
		Metadata: "<wot_nickname_start>TestTomato<wot_nickname_end>",
	}

	_, ok := m.Match(p, testPlayers)
	assert.False(t, ok)
}

func TestMatch_StoredPairing(t *testing.T) {
	store := newFakeStore()
	store.paired["uid-2"] = []int{2}
	m := New(Config{}, store)

	p := model.Participant{Nick: "unrelated nick", UniqueID: "uid-2"}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 2, player.ID)
	// Already paired; no new pairing is written.
	assert.Empty(t, store.remembered)
}

func TestMatch_ExtractPattern(t *testing.T) {
	store := newFakeStore()
	m := New(Config{
		ExtractPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\[[^\]]+\]\s*(\S+)`),
		},
	}, store)

	p := model.Participant{Nick: "[CLAN] TestTomato", UniqueID: "uid-3"}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 1, player.ID)
	assert.Equal(t, []string{"uid-3/TestTomato"}, store.remembered)
}

func TestMatch_FirstPatternFixesName(t *testing.T) {
	// The first matching pattern extracts a name that is not a player;
	// later patterns must not be tried.
	m := New(Config{
		ExtractPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(\S+)`),
			regexp.MustCompile(`(?i)(TestTomato)`),
		},
	}, newFakeStore())

	p := model.Participant{Nick: "Stranger aka TestTomato"}

	_, ok := m.Match(p, testPlayers)
	assert.False(t, ok)
}

func TestMatch_NameMapping(t *testing.T) {
	store := newFakeStore()
	m := New(Config{
		NameMappings: map[string]string{
			"that sniper guy": "CamperMike",
		},
	}, store)

	p := model.Participant{Nick: "That Sniper Guy", UniqueID: "uid-4"}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 2, player.ID)
	assert.Equal(t, []string{"uid-4/CamperMike"}, store.remembered)
}

func TestMatch_MappingAppliesToExtractedName(t *testing.T) {
	m := New(Config{
		ExtractPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\[[^\]]+\]\s*(.+)`),
		},
		NameMappings: map[string]string{
			"that sniper guy": "CamperMike",
		},
	}, newFakeStore())

	p := model.Participant{Nick: "[CLAN] That Sniper Guy"}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 2, player.ID)
}

func TestMatch_DirectCompare(t *testing.T) {
	store := newFakeStore()
	m := New(Config{}, store)

	p := model.Participant{Nick: "testtomato", UniqueID: "uid-5"}

	player, ok := m.Match(p, testPlayers)
	require.True(t, ok)
	assert.Equal(t, 1, player.ID)
	// Direct name matches are not persisted as pairings.
	assert.Empty(t, store.remembered)
}

func TestMatch_NoMatch(t *testing.T) {
	m := New(Config{}, newFakeStore())

	p := model.Participant{Nick: "Complete Stranger"}

	_, ok := m.Match(p, testPlayers)
	assert.False(t, ok)
}

func TestNicknameFromMetadata(t *testing.T) {
	assert.Equal(t, "TestTomato",
		NicknameFromMetadata("junk<wot_nickname_start>TestTomato<wot_nickname_end>more junk"))
	assert.Equal(t, "", NicknameFromMetadata("no tags here"))
	assert.Equal(t, "", NicknameFromMetadata("<wot_nickname_start>unterminated"))
	assert.Equal(t, "", NicknameFromMetadata(""))
}
