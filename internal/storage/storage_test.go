package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/blockadesystems/acmemail/internal/storage"
	"github.com/blockadesystems/acmemail/internal/testutils"
)

func newChallenge(t *testing.T, address string) *model.EmailChallenge {
	t.Helper()
	id, err := model.NewEmailIdentifier(address)
	require.NoError(t, err)
	return &model.EmailChallenge{
		ID:             uuid.NewString(),
		Identifier:     id,
		Token2:         "DGyRejmCefe7v4NfDGDKfA",
		ExpectedSender: "acme-generator@example.org",
		AccountKeyJWK:  `{"kty":"EC","crv":"P-256","x":"x","y":"y"}`,
		Status:         model.StatusPending,
	}
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) storage.Storage {
		return storage.NewMemoryStorage()
	})
}

func TestPostgreSQLStorage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	dsn, cleanup := testutils.SetupTestDB(t)
	defer cleanup()
	store := testutils.NewTestStorage(t, dsn)
	defer store.Close()

	runStorageSuite(t, func(t *testing.T) storage.Storage {
		testutils.ResetTestDB(t, dsn)
		return store
	})
}

func TestNewStorage_InvalidType(t *testing.T) {
	_, err := storage.NewStorage("bolt", "", "", "", "", 0, "", "", "", "")
	assert.Error(t, err)

	store, err := storage.NewStorage("Memory", "", "", "", "", 0, "", "", "", "")
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, store)
}

func runStorageSuite(t *testing.T, newStore func(t *testing.T) storage.Storage) {
	ctx := context.Background()

	t.Run("save and get challenge", func(t *testing.T) {
		store := newStore(t)
		chal := newChallenge(t, "alexey@Example.COM")

		require.NoError(t, store.SaveChallenge(ctx, chal))
		assert.False(t, chal.CreatedAt.IsZero())

		got, err := store.GetChallenge(ctx, chal.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, chal.Identifier, got.Identifier)
		assert.Equal(t, "alexey@example.com", got.Identifier.Value)
		assert.Equal(t, chal.Token2, got.Token2)
		assert.Empty(t, got.Token1)
		assert.Equal(t, chal.ExpectedSender, got.ExpectedSender)
		assert.Equal(t, chal.AccountKeyJWK, got.AccountKeyJWK)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Nil(t, got.Error)
		assert.True(t, got.RespondedAt.IsZero())

		missing, err := store.GetChallenge(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("update keeps error details", func(t *testing.T) {
		store := newStore(t)
		chal := newChallenge(t, "alexey@example.com")
		require.NoError(t, store.SaveChallenge(ctx, chal))

		chal.Status = model.StatusInvalid
		chal.Error = &model.ProblemDetails{Type: model.ProblemUnauthorized, Detail: "bad signature", Status: 403}
		require.NoError(t, store.SaveChallenge(ctx, chal))

		got, err := store.GetChallenge(ctx, chal.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.StatusInvalid, got.Status)
		assert.Equal(t, model.ProblemUnauthorized, got.Error.Type)
		assert.Equal(t, "bad signature", got.Error.Detail)
	})

	t.Run("pending challenge by recipient", func(t *testing.T) {
		store := newStore(t)

		older := newChallenge(t, "alexey@example.com")
		older.CreatedAt = time.Now().Add(-time.Hour)
		require.NoError(t, store.SaveChallenge(ctx, older))

		newer := newChallenge(t, "alexey@example.com")
		require.NoError(t, store.SaveChallenge(ctx, newer))

		done := newChallenge(t, "alexey@example.com")
		done.Status = model.StatusResponded
		done.CreatedAt = time.Now().Add(time.Hour)
		require.NoError(t, store.SaveChallenge(ctx, done))

		other := newChallenge(t, "someone@example.com")
		require.NoError(t, store.SaveChallenge(ctx, other))

		got, err := store.GetPendingChallengeByRecipient(ctx, "alexey@example.com")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, newer.ID, got.ID)

		got, err = store.GetPendingChallengeByRecipient(ctx, "nobody@example.com")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("list challenges", func(t *testing.T) {
		store := newStore(t)
		a := newChallenge(t, "a@example.com")
		a.CreatedAt = time.Now().Add(-2 * time.Minute)
		b := newChallenge(t, "b@example.com")
		b.CreatedAt = time.Now().Add(-time.Minute)
		b.Status = model.StatusResponded
		require.NoError(t, store.SaveChallenge(ctx, a))
		require.NoError(t, store.SaveChallenge(ctx, b))

		all, err := store.ListChallenges(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, a.ID, all[0].ID)
		assert.Equal(t, b.ID, all[1].ID)

		pending, err := store.ListChallenges(ctx, model.StatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, a.ID, pending[0].ID)
	})

	t.Run("delete challenge", func(t *testing.T) {
		store := newStore(t)
		chal := newChallenge(t, "alexey@example.com")
		require.NoError(t, store.SaveChallenge(ctx, chal))

		require.NoError(t, store.DeleteChallenge(ctx, chal.ID))
		got, err := store.GetChallenge(ctx, chal.ID)
		require.NoError(t, err)
		assert.Nil(t, got)

		assert.ErrorIs(t, store.DeleteChallenge(ctx, chal.ID), storage.ErrNotFound)
	})

	t.Run("replay guard", func(t *testing.T) {
		store := newStore(t)
		chal := newChallenge(t, "alexey@example.com")
		require.NoError(t, store.SaveChallenge(ctx, chal))

		msg := &model.ProcessedMessage{MessageID: "<A2299BB.FF7788@example.org>", ChallengeID: chal.ID}
		first, err := store.MarkMessageProcessed(ctx, msg)
		require.NoError(t, err)
		assert.True(t, first)
		assert.False(t, msg.ProcessedAt.IsZero())

		again, err := store.MarkMessageProcessed(ctx, &model.ProcessedMessage{MessageID: msg.MessageID, ChallengeID: chal.ID})
		require.NoError(t, err)
		assert.False(t, again)

		_, err = store.MarkMessageProcessed(ctx, &model.ProcessedMessage{MessageID: "<other@example.org>", ChallengeID: uuid.NewString()})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("api keys", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveAPIKey(ctx, "key-1234567890", []string{"operator"}))

		roles, err := store.GetAPIKey(ctx, "key-1234567890")
		require.NoError(t, err)
		assert.Equal(t, []string{"operator"}, roles)

		require.NoError(t, store.SaveAPIKey(ctx, "key-1234567890", []string{"operator", "admin"}))
		roles, err = store.GetAPIKey(ctx, "key-1234567890")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"operator", "admin"}, roles)

		roles, err = store.GetAPIKey(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, roles)
	})

	t.Run("transaction commit and rollback", func(t *testing.T) {
		store := newStore(t)
		committed := newChallenge(t, "a@example.com")
		err := store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
			return tx.SaveChallenge(ctx, committed)
		})
		require.NoError(t, err)

		boom := errors.New("boom")
		rolledBack := newChallenge(t, "b@example.com")
		err = store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
			require.NoError(t, tx.SaveChallenge(ctx, rolledBack))
			committed.Status = model.StatusResponded
			require.NoError(t, tx.SaveChallenge(ctx, committed))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := store.GetChallenge(ctx, committed.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.StatusPending, got.Status)

		got, err = store.GetChallenge(ctx, rolledBack.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
