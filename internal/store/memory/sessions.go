// Package memory provides an in-process store.SessionStore used when no
// Redis is configured and by unit tests.
package memory

import (
	"context"
	"sync"
	"time"
)

type sessionRecord struct {
	lastSeen time.Time
	organic  bool
}

type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]sessionRecord
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]sessionRecord)}
}

func (s *Sessions) Touch(_ context.Context, sessionKey string, organic bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.sessions[sessionKey]
	if at.After(rec.lastSeen) {
		rec.lastSeen = at
	}
	rec.organic = organic
	s.sessions[sessionKey] = rec
	return nil
}

func (s *Sessions) Counts(_ context.Context, now time.Time, window time.Duration) (int, int, error) {
	cutoff := now.Add(-window)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total, organic int
	for _, rec := range s.sessions {
		if rec.lastSeen.Before(cutoff) {
			continue
		}
		total++
		if rec.organic {
			organic++
		}
	}
	return total, organic, nil
}

func (s *Sessions) Prune(_ context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.sessions {
		if rec.lastSeen.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Sessions) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]sessionRecord)
	return nil
}
