// Package store keeps the ordered set of capture rules. Writers serialize on
// a mutex and publish an immutable, pre-sorted Snapshot; readers load the
// current snapshot without locking.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
	"github.com/google/uuid"
)

// Snapshot is an immutable view of the rule set, ordered by descending
// priority and ascending sequence number. Rules reachable from a snapshot
// must not be modified.
type Snapshot struct {
	rules []*rules.Rule
	byID  map[string]*rules.Rule
}

func newSnapshot(list []*rules.Rule) *Snapshot {
	sorted := slices.Clone(list)
	slices.SortStableFunc(sorted, compareRules)
	byID := make(map[string]*rules.Rule, len(sorted))
	for _, r := range sorted {
		byID[r.ID] = r
	}
	return &Snapshot{rules: sorted, byID: byID}
}

func compareRules(a, b *rules.Rule) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Rules returns the ordered rules of the snapshot.
func (s *Snapshot) Rules() []*rules.Rule { return s.rules }

// Len returns the number of rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// Get looks up a rule by id.
func (s *Snapshot) Get(id string) (*rules.Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Group is a named subset of rules, ordered like the store.
type Group struct {
	Name  string        `json:"name"`
	Rules []*rules.Rule `json:"rules"`
}

// Store is the rule repository.
type Store struct {
	mu        sync.Mutex
	snapshot  atomic.Pointer[Snapshot]
	persister Persister
	nextSeq   int64

	now   func() time.Time
	newID func() string
}

// New loads all persisted rules and publishes the first snapshot.
func New(ctx context.Context, persister Persister) (*Store, error) {
	loaded, err := persister.Load(ctx)
	if err != nil {
		return nil, err
	}

	s := &Store{
		persister: persister,
		nextSeq:   1,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, r := range loaded {
		if r.Seq >= s.nextSeq {
			s.nextSeq = r.Seq + 1
		}
	}
	s.snapshot.Store(newSnapshot(loaded))
	logger.Info("Rule store loaded %d rules", len(loaded))
	return s, nil
}

// Snapshot returns the current immutable rule set.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// List returns the rules in evaluation order.
func (s *Store) List() []*rules.Rule {
	return slices.Clone(s.Snapshot().Rules())
}

// Groups returns the rules grouped by their group name. Groups are ordered
// by the position of their first rule.
func (s *Store) Groups() []Group {
	var groups []Group
	index := map[string]int{}
	for _, r := range s.Snapshot().Rules() {
		i, ok := index[r.Group]
		if !ok {
			i = len(groups)
			index[r.Group] = i
			groups = append(groups, Group{Name: r.Group})
		}
		groups[i].Rules = append(groups[i].Rules, r)
	}
	return groups
}

// Get returns a copy of the rule with the given id.
func (s *Store) Get(id string) (*rules.Rule, error) {
	r, ok := s.Snapshot().Get(id)
	if !ok {
		return nil, &rules.NotFoundError{Resource: "rule", ID: id}
	}
	return r.Clone(), nil
}

// Create validates r, assigns id, sequence and timestamps, and stores it.
func (s *Store) Create(ctx context.Context, r *rules.Rule) (*rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	created := s.prepareNew(r)
	if err := s.persister.Save(ctx, created); err != nil {
		s.nextSeq = seq
		return nil, err
	}
	s.publishLocked(func(list []*rules.Rule) []*rules.Rule { return append(list, created) })
	logger.Info("Created rule %s (%s)", created.ID, created.Name)
	return created.Clone(), nil
}

func (s *Store) prepareNew(r *rules.Rule) *rules.Rule {
	now := s.now().UTC()
	created := r.Clone()
	created.ID = s.newID()
	created.Name = strings.TrimSpace(created.Name)
	created.Seq = s.nextSeq
	created.CreatedAt, created.UpdatedAt = now, now
	s.nextSeq++
	return created
}

// Update replaces every user-editable field of an existing rule. Id,
// sequence number and creation time are kept.
func (s *Store) Update(ctx context.Context, r *rules.Rule) (*rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return s.modify(ctx, r.ID, func(existing *rules.Rule) error {
		existing.Name = strings.TrimSpace(r.Name)
		existing.Description = r.Description
		existing.Group = r.Group
		existing.Enabled = r.Enabled
		existing.Priority = r.Priority
		fresh := r.Clone()
		existing.Capture, existing.Handlers = fresh.Capture, fresh.Handlers
		return nil
	})
}

// UpdateName renames a rule.
func (s *Store) UpdateName(ctx context.Context, id, name string) (*rules.Rule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &rules.ValidationError{Problems: []string{"name must not be empty"}}
	}
	return s.modify(ctx, id, func(existing *rules.Rule) error {
		existing.Name = name
		return nil
	})
}

// UpdateContent replaces capture condition and handler chain.
func (s *Store) UpdateContent(ctx context.Context, id string, content *rules.Content) (*rules.Rule, error) {
	if err := content.Validate(); err != nil {
		return nil, err
	}
	return s.modify(ctx, id, func(existing *rules.Rule) error {
		fresh := (&rules.Rule{Capture: content.Capture, Handlers: content.Handlers}).Clone()
		existing.Capture, existing.Handlers = fresh.Capture, fresh.Handlers
		return nil
	})
}

// SetEnabled enables or disables a rule.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (*rules.Rule, error) {
	return s.modify(ctx, id, func(existing *rules.Rule) error {
		existing.Enabled = enabled
		return nil
	})
}

func (s *Store) modify(ctx context.Context, id string, fn func(existing *rules.Rule) error) (*rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.Snapshot().Get(id)
	if !ok {
		return nil, &rules.NotFoundError{Resource: "rule", ID: id}
	}
	updated := current.Clone()
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now().UTC()

	if err := s.persister.Save(ctx, updated); err != nil {
		return nil, err
	}
	s.publishLocked(func(list []*rules.Rule) []*rules.Rule {
		for i, r := range list {
			if r.ID == id {
				list[i] = updated
			}
		}
		return list
	})
	return updated.Clone(), nil
}

// Delete removes a rule.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.Snapshot().Get(id); !ok {
		return &rules.NotFoundError{Resource: "rule", ID: id}
	}
	if err := s.persister.Delete(ctx, id); err != nil {
		return err
	}
	s.publishLocked(func(list []*rules.Rule) []*rules.Rule {
		return slices.DeleteFunc(list, func(r *rules.Rule) bool { return r.ID == id })
	})
	logger.Info("Deleted rule %s", id)
	return nil
}

// Import adds every rule of the bundle with fresh ids, keeping their
// relative order. Either all rules are stored or none.
func (s *Store) Import(ctx context.Context, bundle *rules.Bundle) ([]*rules.Rule, error) {
	for i, r := range bundle.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	imported := make([]*rules.Rule, 0, len(bundle.Rules))
	for _, r := range bundle.Rules {
		imported = append(imported, s.prepareNew(r))
	}
	if err := s.persister.Save(ctx, imported...); err != nil {
		s.nextSeq = seq
		return nil, err
	}
	s.publishLocked(func(list []*rules.Rule) []*rules.Rule { return append(list, imported...) })
	logger.Info("Imported %d rules", len(imported))

	out := make([]*rules.Rule, len(imported))
	for i, r := range imported {
		out[i] = r.Clone()
	}
	return out, nil
}

// Export returns all rules as a bundle without ids.
func (s *Store) Export() *rules.Bundle {
	return rules.NewBundle(s.Snapshot().Rules())
}

// publishLocked builds and stores the next snapshot. s.mu must be held.
func (s *Store) publishLocked(edit func(list []*rules.Rule) []*rules.Rule) {
	next := edit(slices.Clone(s.Snapshot().Rules()))
	s.snapshot.Store(newSnapshot(next))
}

// Close releases the persistence backend.
func (s *Store) Close() error {
	return s.persister.Close()
}
