// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/turnstile/storage"
)

var (
	bucketUsers   = []byte("users")
	bucketEmails  = []byte("users_by_email")
	bucketTokens  = []byte("reset_tokens")
	bucketsLayout = [][]byte{bucketUsers, bucketEmails, bucketTokens}
)

// Store implements storage.Store backed by a BBolt database. Every write
// runs in a single read-write bolt transaction, and bolt admits one writer
// at a time, so conditional updates cannot interleave.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by db, creating its buckets if needed.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range bucketsLayout {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindUser(_ context.Context, idOrEmail string) (*storage.User, error) {
	var u *storage.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = (&boltTx{tx: tx}).FindUser(idOrEmail)
		return err
	})
	return u, err
}

func (s *Store) PutUser(_ context.Context, u *storage.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		if id := emails.Get([]byte(u.Email)); id != nil && string(id) != u.ID {
			return fmt.Errorf("%s: %w", u.Email, storage.ErrConflict)
		}
		btx := &boltTx{tx: tx}
		if prev, err := btx.getUser(u.ID); err == nil && prev.Email != u.Email {
			if err := emails.Delete([]byte(prev.Email)); err != nil {
				return err
			}
		}
		if err := btx.putUser(u); err != nil {
			return err
		}
		return emails.Put([]byte(u.Email), []byte(u.ID))
	})
}

func (s *Store) UpdateUserPassword(_ context.Context, userID, hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltTx{tx: tx}).UpdateUserPassword(userID, hash)
	})
}

func (s *Store) FindResetToken(_ context.Context, tokenHash string) (*storage.ResetToken, error) {
	var t *storage.ResetToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		t, err = (&boltTx{tx: tx}).FindResetToken(tokenHash)
		return err
	})
	return t, err
}

func (s *Store) MarkResetTokenUsed(_ context.Context, tokenHash string, usedAt time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		n, err = (&boltTx{tx: tx}).MarkResetTokenUsed(tokenHash, usedAt)
		return err
	})
	return n, err
}

func (s *Store) InsertResetToken(_ context.Context, t *storage.ResetToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return (&boltTx{tx: tx}).InsertResetToken(t)
	})
}

// Batch runs fn inside one bolt read-write transaction; returning an
// error from fn rolls the transaction back.
func (s *Store) Batch(_ context.Context, fn func(tx storage.Tx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bbolt.Tx
}

func (b *boltTx) getUser(id string) (*storage.User, error) {
	data := b.tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	var u storage.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", id, err)
	}
	return &u, nil
}

func (b *boltTx) putUser(u *storage.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.tx.Bucket(bucketUsers).Put([]byte(u.ID), data)
}

func (b *boltTx) putToken(t *storage.ResetToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.tx.Bucket(bucketTokens).Put([]byte(t.TokenHash), data)
}

func (b *boltTx) FindUser(idOrEmail string) (*storage.User, error) {
	u, err := b.getUser(idOrEmail)
	if err == nil {
		return u, nil
	}
	id := b.tx.Bucket(bucketEmails).Get([]byte(idOrEmail))
	if id == nil {
		return nil, fmt.Errorf("user %s: %w", idOrEmail, storage.ErrNotFound)
	}
	return b.getUser(string(id))
}

func (b *boltTx) UpdateUserPassword(userID, hash string) error {
	u, err := b.getUser(userID)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return b.putUser(u)
}

func (b *boltTx) FindResetToken(tokenHash string) (*storage.ResetToken, error) {
	data := b.tx.Bucket(bucketTokens).Get([]byte(tokenHash))
	if data == nil {
		return nil, fmt.Errorf("reset token: %w", storage.ErrNotFound)
	}
	var t storage.ResetToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding reset token: %w", err)
	}
	return &t, nil
}

func (b *boltTx) MarkResetTokenUsed(tokenHash string, usedAt time.Time) (int64, error) {
	t, err := b.FindResetToken(tokenHash)
	if err != nil {
		return 0, nil
	}
	if !t.Consumable(usedAt) {
		return 0, nil
	}
	t.UsedAt = &usedAt
	if err := b.putToken(t); err != nil {
		return 0, err
	}
	return 1, nil
}

func (b *boltTx) InsertResetToken(t *storage.ResetToken) error {
	if b.tx.Bucket(bucketTokens).Get([]byte(t.TokenHash)) != nil {
		return fmt.Errorf("reset token: %w", storage.ErrConflict)
	}
	return b.putToken(t)
}
