package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrEmptyID       = errors.New("session id is empty")
)

const (
	defaultIdleTTL         = 5 * time.Minute
	defaultCloseLinger     = 30 * time.Second
	defaultCleanupInterval = time.Minute
)

// Store holds one Session per active call. Mutations for a given id are
// serialized; callers only ever see deep copies.
type Store interface {
	Create(id, phoneNumber string) (*Session, error)
	Get(id string) (*Session, error)
	Mutate(id string, fn func(*Session) error) (*Session, error)
	Close(id string) error
	Delete(id string)
	ListActive() []Summary
}

// StoreOption customizes MemoryStore.
type StoreOption func(*MemoryStore)

// WithIdleTTL sets how long a session may go without events before the
// janitor evicts it.
func WithIdleTTL(ttl time.Duration) StoreOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.idleTTL = ttl
		}
	}
}

// WithCloseLinger sets how long a closed session stays readable before
// the janitor releases it.
func WithCloseLinger(d time.Duration) StoreOption {
	return func(s *MemoryStore) {
		if d >= 0 {
			s.closeLinger = d
		}
	}
}

func WithCleanupInterval(d time.Duration) StoreOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.cleanupEvery = d
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

type sessionEntry struct {
	mu       sync.Mutex
	session  *Session
	closedAt time.Time // zero while connected
}

// MemoryStore is the in-process Store. Safe for concurrent use from many
// session pumps; each entry carries its own mutex so Mutate calls for the
// same id never interleave.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*sessionEntry

	idleTTL      time.Duration
	closeLinger  time.Duration
	cleanupEvery time.Duration
	now          func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]*sessionEntry),
		idleTTL:      defaultIdleTTL,
		closeLinger:  defaultCloseLinger,
		cleanupEvery: defaultCleanupInterval,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	go s.janitor()
	return s
}

// Stop halts the background janitor. Entries remain readable.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) Create(id, phoneNumber string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.mu.Lock()
		connected := e.session.Connected
		e.mu.Unlock()
		if connected {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
		// Reuse of an id after teardown starts a fresh session.
	}

	sess := NewSession(id, phoneNumber, s.now())
	s.entries[id] = &sessionEntry{session: sess}
	return sess.Clone(), nil
}

func (s *MemoryStore) Get(id string) (*Session, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Mutate applies fn to the session under its entry lock and returns the
// updated snapshot. If fn errors, no changes it made are published (fn
// runs on a copy that is only swapped in on success).
func (s *MemoryStore) Mutate(id string, fn func(*Session) error) (*Session, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.session.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	if err := work.Validate(); err != nil {
		return nil, err
	}
	e.session = work
	return work.Clone(), nil
}

func (s *MemoryStore) Close(id string) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Connected {
		e.session.Connected = false
		e.closedAt = s.now()
	}
	return nil
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, strings.TrimSpace(id))
}

func (s *MemoryStore) ListActive() []Summary {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.session.Connected {
			out = append(out, e.session.Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// CleanupExpired removes idle and lingering-closed sessions, returning
// how many were released.
func (s *MemoryStore) CleanupExpired() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		idle := now.Sub(e.session.LastEventAt) > s.idleTTL
		lingered := !e.closedAt.IsZero() && now.Sub(e.closedAt) >= s.closeLinger
		e.mu.Unlock()
		if idle || lingered {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) entry(id string) (*sessionEntry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(s.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CleanupExpired()
		}
	}
}
