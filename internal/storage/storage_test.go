package storage_test

import (
	"context"
	"errors"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ironpanel/internal/storage"
	"github.com/ashita-ai/ironpanel/internal/storage/storagetest"
	"github.com/ashita-ai/ironpanel/internal/testutil"
	"github.com/ashita-ai/ironpanel/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()
	_ = testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func requireDB(t *testing.T) *storage.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("postgres integration tests disabled in -short mode")
	}
	return testDB
}

func TestPostgresConformance(t *testing.T) {
	db := requireDB(t)
	storagetest.Run(t, func(*testing.T) storage.Store { return db })
}

func TestRunMigrationsIdempotent(t *testing.T) {
	db := requireDB(t)
	require.NoError(t, db.RunMigrations(context.Background(), migrations.FS))
	require.NoError(t, db.Ping(context.Background()))
}

func TestBalanceConstraintEnforced(t *testing.T) {
	db := requireDB(t)
	ctx := context.Background()
	a, b := storagetest.SeedAgent(t, db, 100)

	// remaining must equal allocated - spent - reserved.
	broken := b
	broken.Reserved = 10
	broken.Version++
	err := db.ApplyLeaseChange(ctx, storage.LeaseChange{ExpectedVersion: b.Version, Budget: broken})
	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr), "got %v", err)
	assert.Equal(t, "23514", pgErr.Code)

	got, err := db.GetBudget(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Reserved)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := storage.WithRetry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return storage.ErrStaleVersion
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = storage.WithRetry(ctx, 2, 0, func() error {
		calls++
		return storage.ErrStaleVersion
	})
	assert.ErrorIs(t, err, storage.ErrStaleVersion)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = storage.WithRetry(ctx, 5, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	calls = 0
	err = storage.WithRetry(ctx, 5, 0, func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	assert.Error(t, err)
	assert.Equal(t, 6, calls)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, storage.DefaultListLimit, storage.ClampLimit(0))
	assert.Equal(t, storage.DefaultListLimit, storage.ClampLimit(-4))
	assert.Equal(t, 10, storage.ClampLimit(10))
	assert.Equal(t, storage.MaxListLimit, storage.ClampLimit(10_000))
}
