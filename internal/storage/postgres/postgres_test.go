package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/bravoline/boxoffice/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

const zeroUUID = "00000000-0000-0000-0000-000000000000"

func setupDB(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	pool := testutil.NewTestPool(t)
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)
	return ctx, pool
}

func intPtr(i int) *int { return &i }

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
