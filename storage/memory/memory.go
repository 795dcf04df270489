// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/turnstile/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*storage.User
	byEmail map[string]string
	tokens  map[string]*storage.ResetToken
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		users:   make(map[string]*storage.User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]*storage.ResetToken),
	}
}

func cloneUser(u *storage.User) *storage.User {
	cp := *u
	return &cp
}

func cloneToken(t *storage.ResetToken) *storage.ResetToken {
	cp := *t
	if t.UsedAt != nil {
		usedAt := *t.UsedAt
		cp.UsedAt = &usedAt
	}
	return &cp
}

func (s *Store) Close() error { return nil }

func (s *Store) FindUser(_ context.Context, idOrEmail string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findUserLocked(idOrEmail)
}

func (s *Store) findUserLocked(idOrEmail string) (*storage.User, error) {
	if u, ok := s.users[idOrEmail]; ok {
		return cloneUser(u), nil
	}
	if id, ok := s.byEmail[idOrEmail]; ok {
		return cloneUser(s.users[id]), nil
	}
	return nil, storage.ErrNotFound
}

func (s *Store) PutUser(_ context.Context, u *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEmail[u.Email]; ok && id != u.ID {
		return storage.ErrConflict
	}
	if prev, ok := s.users[u.ID]; ok {
		delete(s.byEmail, prev.Email)
	}
	s.users[u.ID] = cloneUser(u)
	s.byEmail[u.Email] = u.ID
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePasswordLocked(userID, hash)
}

func (s *Store) updatePasswordLocked(userID, hash string) error {
	u, ok := s.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) FindResetToken(_ context.Context, tokenHash string) (*storage.ResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findTokenLocked(tokenHash)
}

func (s *Store) findTokenLocked(tokenHash string) (*storage.ResetToken, error) {
	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneToken(t), nil
}

func (s *Store) MarkResetTokenUsed(_ context.Context, tokenHash string, usedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markUsedLocked(tokenHash, usedAt)
}

func (s *Store) markUsedLocked(tokenHash string, usedAt time.Time) (int64, error) {
	t, ok := s.tokens[tokenHash]
	if !ok || !t.Consumable(usedAt) {
		return 0, nil
	}
	t.UsedAt = &usedAt
	return 1, nil
}

func (s *Store) InsertResetToken(_ context.Context, t *storage.ResetToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertTokenLocked(t)
}

func (s *Store) insertTokenLocked(t *storage.ResetToken) error {
	if _, ok := s.tokens[t.TokenHash]; ok {
		return storage.ErrConflict
	}
	s.tokens[t.TokenHash] = cloneToken(t)
	return nil
}

// Batch executes fn while holding the write lock. On error, all writes are rolled back.
func (s *Store) Batch(_ context.Context, fn func(tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, tokens := s.snapshot()
	if err := fn(&memoryTx{store: s}); err != nil {
		s.users, s.tokens = users, tokens
		return err
	}
	return nil
}

// snapshot deep-copies the rows Tx can mutate. byEmail is not touched
// inside a batch, so it needs no copy.
func (s *Store) snapshot() (map[string]*storage.User, map[string]*storage.ResetToken) {
	users := make(map[string]*storage.User, len(s.users))
	for k, v := range s.users {
		users[k] = cloneUser(v)
	}
	tokens := make(map[string]*storage.ResetToken, len(s.tokens))
	for k, v := range s.tokens {
		tokens[k] = cloneToken(v)
	}
	return users, tokens
}

type memoryTx struct {
	store *Store
}

func (tx *memoryTx) FindUser(idOrEmail string) (*storage.User, error) {
	return tx.store.findUserLocked(idOrEmail)
}

func (tx *memoryTx) UpdateUserPassword(userID, hash string) error {
	return tx.store.updatePasswordLocked(userID, hash)
}

func (tx *memoryTx) FindResetToken(tokenHash string) (*storage.ResetToken, error) {
	return tx.store.findTokenLocked(tokenHash)
}

func (tx *memoryTx) MarkResetTokenUsed(tokenHash string, usedAt time.Time) (int64, error) {
	return tx.store.markUsedLocked(tokenHash, usedAt)
}

func (tx *memoryTx) InsertResetToken(t *storage.ResetToken) error {
	return tx.store.insertTokenLocked(t)
}
