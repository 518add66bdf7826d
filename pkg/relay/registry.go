package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ============================================
// SESSION REGISTRY
// Live sessions of the process, for status and shutdown
// ============================================

// Registry tracks running sessions.
//
// Thread Safety:
// Registry is safe for concurrent use.
type Registry struct {
	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup

	// Sessions run under ctx; cancelling it closes every one of them.
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logrus.Entry) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
}

// Run registers s, runs it under the registry context and deregisters it
// when it finishes. A non-nil finish is called with the summary before the
// session is deregistered, so Close also waits for it.
func (r *Registry) Run(s *Session, finish func(Summary)) (Summary, error) {
	if err := r.add(s); err != nil {
		return Summary{}, err
	}
	defer r.remove(s.ID())

	sum := s.Run(r.ctx)
	if finish != nil {
		finish(sum)
	}
	return sum, nil
}

func (r *Registry) add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil {
		return fmt.Errorf("registry closed")
	}
	if _, exists := r.sessions[s.ID()]; exists {
		return fmt.Errorf("session already exists: %s", s.ID())
	}

	r.sessions[s.ID()] = s
	r.wg.Add(1)
	return nil
}

func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return
	}
	delete(r.sessions, id)
	r.wg.Done()
}

// Get retrieves a session by ID.
func (r *Registry) Get(id uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the status of every live session, oldest first.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.sessions))
	for _, s := range r.sessions {
		statuses = append(statuses, s.Status())
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.Before(statuses[j].CreatedAt)
	})
	return statuses
}

// Close closes every live session with a going-away code, refuses new ones,
// and waits for the running ones to finish or ctx to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	live := len(r.sessions)
	r.mu.Unlock()

	r.log.WithField("sessions", live).Info("closing live sessions")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d sessions: %w", r.Len(), ctx.Err())
	}
}
