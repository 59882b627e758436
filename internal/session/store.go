// Package session tracks per-conversation intake state.
package session

import (
	"sync"
	"time"

	"github.com/ashureev/clipbot/internal/domain"
)

// Stage is the intake step a conversation is on.
type Stage string

const (
	StageIdle                    Stage = "idle"
	StageAwaitingClipCount       Stage = "awaiting_clip_count"
	StageAwaitingDuration        Stage = "awaiting_duration"
	StageAwaitingProcessorChoice Stage = "awaiting_processor_choice"
)

// Draft holds job parameters collected so far.
type Draft struct {
	SourceURL    string
	ClipCount    int
	ClipDuration int
}

// Session is the intake state of one conversation.
// Draft is nil while the stage is idle.
type Session struct {
	ChatID    domain.ChatID
	Stage     Stage
	Draft     *Draft
	UpdatedAt time.Time
}

func (s *Session) clone() Session {
	out := *s
	if s.Draft != nil {
		d := *s.Draft
		out.Draft = &d
	}
	return out
}

// Store is a mutex-guarded map of sessions keyed by chat id.
type Store struct {
	mu       sync.Mutex
	sessions map[domain.ChatID]*Session
	now      func() time.Time
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[domain.ChatID]*Session),
		now:      time.Now,
	}
}

// Get returns a copy of the session, creating an idle one on first use.
func (s *Store) Get(chatID domain.ChatID) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(chatID).clone()
}

func (s *Store) getLocked(chatID domain.ChatID) *Session {
	sess, ok := s.sessions[chatID]
	if !ok {
		sess = &Session{ChatID: chatID, Stage: StageIdle, UpdatedAt: s.now()}
		s.sessions[chatID] = sess
	}
	return sess
}

// Update applies fn to the session under the store lock and returns the
// resulting copy. Leaving the idle stage without a draft allocates one;
// returning to idle drops it.
func (s *Store) Update(chatID domain.ChatID, fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.getLocked(chatID)
	fn(sess)
	switch {
	case sess.Stage == StageIdle:
		sess.Draft = nil
	case sess.Draft == nil:
		sess.Draft = &Draft{}
	}
	sess.UpdatedAt = s.now()
	return sess.clone()
}

// Reset forces the session back to idle.
func (s *Store) Reset(chatID domain.ChatID) {
	s.Update(chatID, func(sess *Session) {
		sess.Stage = StageIdle
	})
}

// SweepIdle drops idle sessions untouched for longer than ttl.
// Sessions mid-intake are kept.
func (s *Store) SweepIdle(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	removed := 0
	for id, sess := range s.sessions {
		if sess.Stage == StageIdle && sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
