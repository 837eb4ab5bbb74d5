// Package session owns the lifecycle of uploaded datasets. Each session
// holds an open source, its temp directory, and the running conversation;
// deleting a session waits for any in-flight question before tearing down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabletalk/tabletalk/internal/agent"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/source"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session closed")
)

// Session binds one uploaded dataset to its conversation state. The mutex
// serializes questions so the conversation is appended in order.
type Session struct {
	ID           string
	Filename     string
	Dialect      string
	CreatedAt    time.Time
	Conversation *agent.Conversation

	mu        sync.Mutex
	src       source.Source
	dir       string
	questions int
	closed    bool
}

// Acquire locks the session for one question. The caller must call the
// returned release function when done. Returns ErrClosed if the session
// was deleted before the lock was obtained.
func (s *Session) Acquire() (source.Source, func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrClosed
	}
	return s.src, s.mu.Unlock, nil
}

// CountQuestion records one answered question. Callers hold the lock.
func (s *Session) CountQuestion() {
	s.questions++
}

func (s *Session) Questions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.questions
}

// close tears down the source and temp directory. Callers hold the lock.
func (s *Session) close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.src.Close()
	if s.dir != "" {
		if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// Registry is the owned set of live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Create registers a new session owning the given source and temp dir.
func (r *Registry) Create(src source.Source, dir, filename string) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		Filename:     filename,
		Dialect:      src.Dialect(),
		CreatedAt:    time.Now().UTC(),
		Conversation: agent.NewConversation(),
		src:          src,
		dir:          dir,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	observability.SetActiveSessions(count)
	r.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("filename", filename),
		slog.String("dialect", s.Dialect))
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Delete removes the session from the registry, then waits for any
// in-flight question to finish before closing the source. New questions
// racing the delete observe ErrClosed.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	observability.SetActiveSessions(count)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.close(); err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}
	r.logger.Info("session deleted", slog.String("session_id", id))
	return nil
}

// Shutdown closes every live session. Used on server stop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		remaining = append(remaining, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	observability.SetActiveSessions(0)
	var firstErr error
	for _, s := range remaining {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		err := s.close()
		s.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
