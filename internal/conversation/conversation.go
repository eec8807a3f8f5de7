// Package conversation holds the per-session Conversation Memory: an ordered
// list of child/companion turns plus the selected difficulty tier.
package conversation

import "sync"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable entry of the conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Tier is a difficulty/age band that controls prompt tone and reply length.
type Tier string

const (
	Beginner     Tier = "beginner"
	Intermediate Tier = "intermediate"
	Advanced     Tier = "advanced"
)

// DefaultTier is used when no valid tier was selected.
const DefaultTier = Beginner

// ParseTier reports whether s names a known tier.
func ParseTier(s string) (Tier, bool) {
	switch t := Tier(s); t {
	case Beginner, Intermediate, Advanced:
		return t, true
	}
	return DefaultTier, false
}

// DefaultLimit is the number of turns kept when no limit is configured.
const DefaultLimit = 20

// Memory keeps the most recent turns of one session. Older turns are evicted
// once the limit is exceeded so the prompt stays bounded; a negative limit
// keeps every turn.
//
// All methods are safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	turns []Turn
	tier  Tier
	limit int
}

// New returns an empty Memory with the given retention limit and tier.
// A zero limit selects [DefaultLimit]; an invalid tier selects [DefaultTier].
func New(limit int, tier Tier) *Memory {
	if limit == 0 {
		limit = DefaultLimit
	}
	if _, ok := ParseTier(string(tier)); !ok {
		tier = DefaultTier
	}
	return &Memory{limit: limit, tier: tier}
}

// AppendUser records a child utterance. Text is stored as given.
func (m *Memory) AppendUser(text string) {
	m.append(Turn{Role: RoleUser, Text: text})
}

// AppendAssistant records a companion reply.
func (m *Memory) AppendAssistant(text string) {
	m.append(Turn{Role: RoleAssistant, Text: text})
}

func (m *Memory) append(t Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.turns = append(m.turns, t)
	if m.limit > 0 && len(m.turns) > m.limit {
		// Copy so evicted turns do not pin the old backing array.
		keep := make([]Turn, m.limit, m.limit+1)
		copy(keep, m.turns[len(m.turns)-m.limit:])
		m.turns = keep
	}
}

// History returns the retained turns in insertion order. The returned slice
// is a copy.
func (m *Memory) History() []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Len returns the number of retained turns.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

// Clear discards all turns. The tier is kept.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
}

// SetTier selects the difficulty tier. The value is stored as given; the
// prompt builder falls back to [DefaultTier] for unknown tiers.
func (m *Memory) SetTier(t Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tier = t
}

// Tier returns the selected difficulty tier.
func (m *Memory) Tier() Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tier
}
