// Package session tracks which (user, session) pairs are currently
// valid. Login happens in an external collaborator; it calls Create,
// which supersedes the user's previous sessions so only the newest
// login holds an active channel.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	StatusActive   = "active"
	StatusReplaced = "replaced"
)

type Session struct {
	UserID    string
	SessionID string
	Status    string
	LastSeen  time.Time
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session // key userID + "/" + sessionID
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Session),
	}
}

func key(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// Create registers a fresh session and marks the user's earlier active
// sessions as replaced.
func (s *Store) Create(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, sess := range s.sessions {
		if sess.UserID == userID && sess.Status == StatusActive {
			sess.Status = StatusReplaced
			s.sessions[k] = sess
		}
	}
	s.sessions[key(userID, sessionID)] = Session{
		UserID:    userID,
		SessionID: sessionID,
		Status:    StatusActive,
		LastSeen:  time.Now(),
	}
}

func (s *Store) Get(userID, sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key(userID, sessionID)]
	return sess, ok
}

// Touch refreshes last-seen, called on every user heartbeat.
func (s *Store) Touch(userID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key(userID, sessionID)]; ok {
		sess.LastSeen = time.Now()
		s.sessions[key(userID, sessionID)] = sess
	}
}

// ClearAll drops every session, called once on orchestrator startup so
// stale sessions from a previous process cannot authenticate channels.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.sessions)
}

// evict removes sessions idle past the grace period and every replaced
// session, returning how many were dropped.
func (s *Store) evict(grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-grace)
	n := 0
	for k, sess := range s.sessions {
		if sess.Status == StatusReplaced || sess.LastSeen.Before(cutoff) {
			delete(s.sessions, k)
			n++
		}
	}
	return n
}

// RunCleaner evicts stale sessions on every tick until ctx is cancelled.
func (s *Store) RunCleaner(ctx context.Context, every, grace time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.evict(grace); n > 0 {
				slog.DebugContext(ctx, "evicted stale sessions", "count", n)
			}
		}
	}
}
