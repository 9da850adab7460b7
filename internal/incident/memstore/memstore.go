// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing and single-node
// deployments that can lose history on restart.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> record
	now       func() time.Time
	newID     func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides incident id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		incidents: make(map[string]*incident.Incident),
		now:       time.Now,
		newID:     incident.NewID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates the alert and inserts a new open incident.
func (s *Store) Create(_ context.Context, al *alert.Alert) (*incident.Incident, error) {
	inc, err := incident.New(s.newID(), al, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.incidents[inc.ID]; dup {
		return nil, fmt.Errorf("incident %s already exists", inc.ID)
	}
	s.incidents[inc.ID] = inc
	return inc.Clone(), nil
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return inc.Clone(), true, nil
}

// ApplyStageResult attaches a stage result under the store lock.
func (s *Store) ApplyStageResult(_ context.Context, id string, res *incident.StageResult) (*incident.Incident, error) {
	return s.mutate(id, func(inc *incident.Incident, now time.Time) error {
		return inc.Apply(res, now)
	})
}

// RecordFailure stores the latest stage failure on the incident.
func (s *Store) RecordFailure(_ context.Context, id string, stage incident.Stage, msg string) (*incident.Incident, error) {
	return s.mutate(id, func(inc *incident.Incident, now time.Time) error {
		inc.RecordFailure(stage, msg, now)
		return nil
	})
}

// Resolve forces resolution.
func (s *Store) Resolve(_ context.Context, id string, at time.Time) (*incident.Incident, error) {
	return s.mutate(id, func(inc *incident.Incident, _ time.Time) error {
		return inc.ForceResolve(at.UTC())
	})
}

// Close closes a resolved incident.
func (s *Store) Close(_ context.Context, id string, at time.Time) (*incident.Incident, error) {
	return s.mutate(id, func(inc *incident.Incident, _ time.Time) error {
		return inc.Close(at.UTC())
	})
}

// ListActive returns open, analyzing and resolving incidents, oldest first.
func (s *Store) ListActive(_ context.Context) ([]*incident.Incident, error) {
	out := s.filter(func(st incident.Status) bool { return st.Active() })
	sort.SliceStable(out, func(i, j int) bool {
		return createdBefore(out[i], out[j])
	})
	return out, nil
}

// ListCompleted returns resolved and closed incidents, newest first.
func (s *Store) ListCompleted(_ context.Context) ([]*incident.Incident, error) {
	out := s.filter(func(st incident.Status) bool { return st.Terminal() })
	sort.SliceStable(out, func(i, j int) bool {
		return createdBefore(out[j], out[i])
	})
	return out, nil
}

// Reset drops every incident.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = make(map[string]*incident.Incident)
	return nil
}

// mutate applies fn to a working copy and swaps it in only on success, so a
// rejected mutation leaves the stored record untouched.
func (s *Store) mutate(id string, fn func(*incident.Incident, time.Time) error) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", incident.ErrNotFound, id)
	}
	work := cur.Clone()
	if err := fn(work, s.now().UTC()); err != nil {
		return nil, err
	}
	s.incidents[id] = work
	return work.Clone(), nil
}

func (s *Store) filter(keep func(incident.Status) bool) []*incident.Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		if keep(inc.Status) {
			out = append(out, inc.Clone())
		}
	}
	return out
}

// createdBefore orders by creation time, then by id. ULIDs sort by time so
// the tiebreak keeps same-millisecond incidents in insertion order.
func createdBefore(a, b *incident.Incident) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
