// Package history stores the conversation turns of each chat session.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chat-rag/internal/config"
	"chat-rag/internal/db"
	"chat-rag/internal/models"
)

// Store keeps an ordered list of turns per session. Implementations are safe
// for concurrent use. Get on an unknown session returns an empty slice.
type Store interface {
	// Append adds turns to the end of the session in order, next to each
	// other. The SQL and Redis stores commit the turns and the trim in one
	// transaction; the Mongo store inserts the turns with one InsertMany and
	// trims afterwards, so a failed trim can leave the session over MaxTurns
	// until the next append.
	Append(ctx context.Context, session string, turns ...models.Turn) error
	Get(ctx context.Context, session string) ([]models.Turn, error)
	Close() error
}

// Retention bounds what a store keeps. MaxTurns of zero keeps everything, a
// zero TTL never expires idle sessions.
type Retention struct {
	MaxTurns int
	TTL      time.Duration
}

// Open builds the store selected by cfg.History.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	h := cfg.History
	ret := Retention{MaxTurns: h.MaxTurns, TTL: h.TTL}
	log.Info().Str("backend", h.Backend).Int("max_turns", h.MaxTurns).Dur("ttl", h.TTL).Msg("Opening history store")

	switch h.Backend {
	case "sql":
		bdb, err := db.Open(&cfg.Database)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(ctx, bdb, ret)
	case "redis":
		return NewRedisStore(ctx, h.RedisAddr, h.RedisPassword, h.RedisDB, ret)
	case "mongo":
		return NewMongoStore(ctx, h.MongoURI, h.MongoDatabase, ret)
	case "memory":
		return NewMemoryStore(ret), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", h.Backend)
	}
}

// expired reports whether a session whose last turn is last has been idle too long.
func (r Retention) expired(last time.Time, now time.Time) bool {
	return r.TTL > 0 && !last.IsZero() && now.Sub(last) > r.TTL
}

// trim keeps the most recent MaxTurns turns.
func (r Retention) trim(turns []models.Turn) []models.Turn {
	if r.MaxTurns > 0 && len(turns) > r.MaxTurns {
		return turns[len(turns)-r.MaxTurns:]
	}
	return turns
}

func stamp(turns []models.Turn, now time.Time) []models.Turn {
	out := make([]models.Turn, len(turns))
	for i, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		out[i] = t
	}
	return out
}

// MemoryStore keeps history in process memory. It is lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	retention Retention
	sessions  map[string][]models.Turn
	now       func() time.Time
}

func NewMemoryStore(r Retention) *MemoryStore {
	return &MemoryStore{retention: r, sessions: map[string][]models.Turn{}, now: time.Now}
}

func (m *MemoryStore) Append(_ context.Context, session string, turns ...models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing := m.sessions[session]
	if n := len(existing); n > 0 && m.retention.expired(existing[n-1].CreatedAt, now) {
		existing = nil
	}
	m.sessions[session] = m.retention.trim(append(existing, stamp(turns, now)...))
	return nil
}

func (m *MemoryStore) Get(_ context.Context, session string) ([]models.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.sessions[session]
	if n := len(turns); n > 0 && m.retention.expired(turns[n-1].CreatedAt, m.now()) {
		delete(m.sessions, session)
		return []models.Turn{}, nil
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
