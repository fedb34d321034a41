package mapping

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/getproxyd/proxyd/pkg/logging"
)

// EventType classifies a store change event.
type EventType string

// Event types emitted on the watch channel.
const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventPurged  EventType = "purged"
)

// Event describes a single mapping change.
type Event struct {
	Type    EventType `json:"type"`
	Mapping *Mapping  `json:"mapping"`
}

// DefaultRetention is how long removed records are kept before purge.
const DefaultRetention = 5 * time.Minute

// eventBuffer is the per-subscriber channel depth. Slow subscribers drop
// events rather than block the writer.
const eventBuffer = 64

// Store is the authoritative table of mapping records. All mutations are
// serialized under a single writer lock; reads return deep copies so
// callers never observe a partially written record.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*Mapping
	order   []string // ids in creation order
	subs    map[int]chan Event
	nextSub int

	path      string // persistence file, empty = memory only
	retention time.Duration
	log       *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPersistence persists the mapping table as JSON at path using atomic
// write-rename. Call Load to restore it on startup.
func WithPersistence(path string) StoreOption {
	return func(s *Store) { s.path = path }
}

// WithRetention sets how long removed records are kept before PurgeExpired
// drops them.
func WithRetention(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byID:      make(map[string]*Mapping),
		subs:      make(map[int]chan Event),
		retention: DefaultRetention,
		log:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores the mapping table from the persistence file. Missing file
// is not an error. Runtime flags (ListenerReady, ForwardingApplied) are
// reset because neither survives a restart; non-terminal states fall back
// to pending so the engine re-establishes listeners and rules.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read mappings file: %w", err)
	}
	var records []*Mapping
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse mappings file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range records {
		if m == nil || m.ID == "" || !m.State.Live() {
			continue
		}
		m.ListenerReady = false
		m.ForwardingApplied = false
		if m.State != StateRemoving {
			m.State = StatePending
		}
		s.byID[m.ID] = m
		s.order = append(s.order, m.ID)
	}
	s.log.Info("mappings loaded", "path", s.path, "count", len(s.order))
	return nil
}

// Create inserts a new mapping record. The record must carry a unique id
// and a listen port not held by any live mapping.
func (s *Store) Create(m *Mapping) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: empty id", ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	for _, other := range s.byID {
		if other.State.Live() && other.ListenPort == m.ListenPort {
			return fmt.Errorf("%w: port %d held by %s", ErrPortConflict, m.ListenPort, other.ID)
		}
	}

	rec := m.Clone()
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.Protocol == "" {
		rec.Protocol = ProtocolTCP
	}

	s.byID[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.persistLocked()
	s.emitLocked(Event{Type: EventCreated, Mapping: rec.Clone()})
	return nil
}

// Get returns a copy of the mapping with the given id.
func (s *Store) Get(id string) (*Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.Clone(), nil
}

// List returns copies of all mappings in creation order.
func (s *Store) List() []*Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Mapping, 0, len(s.order))
	for _, id := range s.order {
		if m, ok := s.byID[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Update applies fn to a copy of the record and commits the result under
// the writer lock. State changes are validated against the transition
// table and port changes against the uniqueness invariant, so a failed fn
// or a failed validation leaves the store untouched.
func (s *Store) Update(id string, fn func(*Mapping) error) (*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt

	if next.State != cur.State && !cur.State.CanTransition(next.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, cur.State, next.State)
	}
	if next.ListenPort != cur.ListenPort {
		for oid, other := range s.byID {
			if oid != id && other.State.Live() && other.ListenPort == next.ListenPort {
				return nil, fmt.Errorf("%w: port %d held by %s", ErrPortConflict, next.ListenPort, oid)
			}
		}
	}

	next.UpdatedAt = time.Now()
	s.byID[id] = next
	s.persistLocked()
	s.emitLocked(Event{Type: EventUpdated, Mapping: next.Clone()})
	return next.Clone(), nil
}

// Transition moves the mapping to the given state, validating against the
// transition table.
func (s *Store) Transition(id string, to State) (*Mapping, error) {
	return s.Update(id, func(m *Mapping) error {
		m.State = to
		return nil
	})
}

// Delete purges a record. Only records in the removed state may be
// deleted; everything else must go through the removing transition first.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) error {
	m, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.State != StateRemoved {
		return fmt.Errorf("%w: cannot delete mapping in state %s", ErrInvalidState, m.State)
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.persistLocked()
	s.emitLocked(Event{Type: EventPurged, Mapping: m.Clone()})
	return nil
}

// PurgeExpired drops removed records older than the retention window.
// Returns the number of purged records.
func (s *Store) PurgeExpired() int {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, m := range s.byID {
		if m.State == StateRemoved && m.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		_ = s.deleteLocked(id)
	}
	return len(expired)
}

// UsedPorts returns the listen ports held by live mappings.
func (s *Store) UsedPorts() map[int]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	used := make(map[int]bool, len(s.byID))
	for _, m := range s.byID {
		if m.State.Live() {
			used[m.ListenPort] = true
		}
	}
	return used
}

// Count returns the number of records, including removed ones awaiting
// purge.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Subscribe registers a watch channel for change events. The returned
// cancel function must be called to release the subscription. Events are
// dropped, not blocked on, when the subscriber falls behind.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, eventBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) emitLocked(ev Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Debug("dropping store event for slow subscriber", "type", ev.Type)
		}
	}
}

// persistLocked writes the table to disk with write-then-rename. Failures
// are logged, not fatal: the in-memory table stays authoritative.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	records := make([]*Mapping, 0, len(s.order))
	for _, id := range s.order {
		if m, ok := s.byID[id]; ok {
			records = append(records, m)
		}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		s.log.Error("marshal mappings", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("create data dir", "error", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Error("write mappings file", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		s.log.Error("rename mappings file", "error", err)
	}
}
