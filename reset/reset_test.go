package reset

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/turnstile/autherr"
	"github.com/jmcleod/turnstile/credential"
	"github.com/jmcleod/turnstile/internal/util"
	"github.com/jmcleod/turnstile/storage"
	"github.com/jmcleod/turnstile/storage/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingNotifier struct {
	mu     sync.Mutex
	issued []*Issued
	err    error
}

func (n *recordingNotifier) NotifyReset(_ context.Context, issued *Issued) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issued = append(n.issued, issued)
	return n.err
}

type fixture struct {
	lc       *Lifecycle
	store    *memory.Store
	hasher   *credential.Hasher
	notifier *recordingNotifier
	now      time.Time
	user     *storage.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	params := util.DefaultArgon2idParams()
	params.Time = util.MinArgon2Time
	params.MemoryKiB = util.MinArgon2MemoryKiB
	params.Parallelism = 1
	hasher, err := credential.NewHasher(params)
	require.NoError(t, err)

	f := &fixture{
		store:    memory.NewStore(),
		hasher:   hasher,
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	hash, err := hasher.Hash("original password")
	require.NoError(t, err)
	f.user = &storage.User{ID: "u1", Email: "a@x.io", Name: "A", PasswordHash: hash}
	require.NoError(t, f.store.PutUser(context.Background(), f.user))

	f.lc = New(f.store, hasher,
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return f.now }),
		WithLogger(discard),
	)
	return f
}

// countingHasher records how often the lifecycle hashes a password.
type countingHasher struct {
	*credential.Hasher
	calls atomic.Int32
}

func (h *countingHasher) Hash(plaintext string) (string, error) {
	h.calls.Add(1)
	return h.Hasher.Hash(plaintext)
}

func (f *fixture) passwordHash(t *testing.T) string {
	t.Helper()
	u, err := f.store.FindUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	return u.PasswordHash
}

func TestRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	issued, err := f.lc.Request(ctx, "  A@X.IO ")
	require.NoError(t, err)
	require.NotNil(t, issued)

	assert.Equal(t, "u1", issued.Reset.UserID)
	assert.Nil(t, issued.Reset.UsedAt)
	assert.Equal(t, f.now.Add(DefaultLifetime), issued.Reset.ExpiresAt)
	assert.NotEqual(t, issued.Token, issued.Reset.TokenHash, "raw token must not be stored")
	require.Len(t, f.notifier.issued, 1)
	assert.Equal(t, issued.Token, f.notifier.issued[0].Token)

	second, err := f.lc.Request(ctx, "a@x.io")
	require.NoError(t, err)
	assert.NotEqual(t, issued.Token, second.Token)
}

func TestRequestUnknownEmail(t *testing.T) {
	f := newFixture(t)
	issued, err := f.lc.Request(context.Background(), "ghost@x.io")
	assert.NoError(t, err)
	assert.Nil(t, issued)
	assert.Empty(t, f.notifier.issued)
}

func TestRequestNotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	issued, err := f.lc.Request(context.Background(), "a@x.io")
	require.NoError(t, err)
	assert.NotNil(t, issued)
}

func TestIssueUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.Issue(context.Background(), "missing")
	assert.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.lc.Issue(ctx, "u1")
	require.NoError(t, err)

	userID, err := f.lc.Validate(ctx, issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	t.Run("Unknown", func(t *testing.T) {
		_, err := f.lc.Validate(ctx, "nope")
		assert.ErrorIs(t, err, ErrInvalidToken)
		assert.ErrorIs(t, err, autherr.ErrValidation)
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := f.lc.Validate(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		saved := f.now
		defer func() { f.now = saved }()
		f.now = issued.Reset.ExpiresAt
		_, err := f.lc.Validate(ctx, issued.Token)
		assert.ErrorIs(t, err, ErrInvalidToken, "a token expiring exactly now is expired")
	})
}

func TestConsume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.lc.Issue(ctx, "u1")
	require.NoError(t, err)

	userID, err := f.lc.Consume(ctx, issued.Token, "a fresh password")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	assert.True(t, f.hasher.Verify("a fresh password", f.passwordHash(t)))

	_, err = f.lc.Validate(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrInvalidToken, "consumed token must no longer validate")
}

func TestConsumeUsedTokenKeepsPassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.lc.Issue(ctx, "u1")
	require.NoError(t, err)
	_, err = f.lc.Consume(ctx, issued.Token, "first new password")
	require.NoError(t, err)
	before := f.passwordHash(t)

	_, err = f.lc.Consume(ctx, issued.Token, "second new password")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, before, f.passwordHash(t))
}

func TestConsumeExpiredToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.lc.Issue(ctx, "u1")
	require.NoError(t, err)
	before := f.passwordHash(t)

	f.now = f.now.Add(DefaultLifetime + time.Second)
	_, err = f.lc.Consume(ctx, issued.Token, "too late password")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, before, f.passwordHash(t))

	rt, err := f.store.FindResetToken(ctx, issued.Reset.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, rt.UsedAt, "failed consumption must not mark the token")
}

func TestConsumeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.lc.Issue(ctx, "u1")
	require.NoError(t, err)

	_, err = f.lc.Consume(ctx, "", "a fine password")
	assert.ErrorIs(t, err, autherr.ErrValidation)

	_, err = f.lc.Consume(ctx, issued.Token, "newpw")
	assert.ErrorIs(t, err, autherr.ErrValidation)

	_, err = f.lc.Validate(ctx, issued.Token)
	assert.NoError(t, err, "a rejected password must leave the token consumable")
}

func TestConsumeUnknownToken(t *testing.T) {
	f := newFixture(t)
	before := f.passwordHash(t)
	_, err := f.lc.Consume(context.Background(), "tok1", "a fine password")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, before, f.passwordHash(t))
}

func TestConsumeRejectsBeforeHashing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	counter := &countingHasher{Hasher: f.hasher}
	lc := New(f.store, counter,
		WithNotifier(f.notifier),
		WithClock(func() time.Time { return f.now }),
		WithLogger(discard),
	)

	_, err := lc.Consume(ctx, "no-such-token", "a fine password")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, counter.calls.Load())

	issued, err := lc.Issue(ctx, "u1")
	require.NoError(t, err)
	f.now = f.now.Add(DefaultLifetime + time.Second)
	_, err = lc.Consume(ctx, issued.Token, "a fine password")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Zero(t, counter.calls.Load(), "expired tokens must not reach the hasher")

	f.now = f.now.Add(-DefaultLifetime)
	_, err = lc.Consume(ctx, issued.Token, "a fine password")
	require.NoError(t, err)
	assert.Equal(t, int32(1), counter.calls.Load())
}

func TestConsumeConcurrentlyExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issued, err := f.lc.Issue(ctx, "u1")
	require.NoError(t, err)

	const workers = 4
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		invalid   atomic.Int32
		start     = make(chan struct{})
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.lc.Consume(ctx, issued.Token, "concurrent password "+string(rune('a'+i)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidToken):
				invalid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(workers-1), invalid.Load())
}
