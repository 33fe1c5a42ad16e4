package cache

import (
	"sync"

	"github.com/tessumod/extension/internal/model"
)

// ParticipantCache caches voice participants between notifications to avoid
// re-querying the client on every update. Latency in these calls is critical
// to quickly process incoming notifications.
type ParticipantCache struct {
	m            sync.Mutex
	Participants map[int]model.Participant
}

func NewParticipantCache() *ParticipantCache {
	return &ParticipantCache{
		m:            sync.Mutex{},
		Participants: make(map[int]model.Participant),
	}
}

func (c *ParticipantCache) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.Participants = make(map[int]model.Participant)
}

func (c *ParticipantCache) GetParticipant(clientID int) (model.Participant, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	if p, ok := c.Participants[clientID]; ok {
		return p, true
	}
	return model.Participant{}, false
}

func (c *ParticipantCache) AddParticipant(p model.Participant) {
	c.m.Lock()
	defer c.m.Unlock()
	c.Participants[p.ClientID] = p
}

func (c *ParticipantCache) RemoveParticipant(clientID int) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.Participants, clientID)
}

// ListParticipants returns a snapshot of all cached participants.
func (c *ParticipantCache) ListParticipants() []model.Participant {
	c.m.Lock()
	defer c.m.Unlock()
	out := make([]model.Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p)
	}
	return out
}

// SafeCounter is a thread-safe counter
type SafeCounter struct {
	mu sync.Mutex
	v  int
}

func (c *SafeCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *SafeCounter) Set(v int) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

func (c *SafeCounter) Inc() {
	c.mu.Lock()
	c.v++
	c.mu.Unlock()
}
