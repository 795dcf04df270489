package bbolt

import (
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/turnstile/storage"
	"github.com/jmcleod/turnstile/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	f, err := os.CreateTemp("", "turnstile-test-*.db")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		os.Remove(path)
		t.Fatalf("could not open db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})
	return db
}

func TestBBoltStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := NewStore(newTestDB(t))
		if err != nil {
			t.Fatalf("NewStore failed: %v", err)
		}
		return s
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewStoreFromFile(path, nil)
	if err != nil {
		t.Fatalf("NewStoreFromFile failed: %v", err)
	}
	u := storagetest.NewUser("persist@example.com")
	if err := s.PutUser(t.Context(), u); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewStoreFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	got, err := s.FindUser(t.Context(), "persist@example.com")
	if err != nil {
		t.Fatalf("FindUser after reopen failed: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("expected ID %s, got %s", u.ID, got.ID)
	}
}

func TestEmailChangeReindexes(t *testing.T) {
	s, err := NewStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	u := storagetest.NewUser("old@example.com")
	if err := s.PutUser(t.Context(), u); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}
	u.Email = "new@example.com"
	if err := s.PutUser(t.Context(), u); err != nil {
		t.Fatalf("PutUser (rename) failed: %v", err)
	}

	if _, err := s.FindUser(t.Context(), "old@example.com"); err == nil {
		t.Error("old email should no longer resolve")
	}
	if _, err := s.FindUser(t.Context(), "new@example.com"); err != nil {
		t.Errorf("new email should resolve: %v", err)
	}
}
