package database

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestDB connects to the database named by TEST_DATABASE_URL, which
// must have the migrations under migrations/ applied. Tests are skipped
// when the variable is unset. All service tables are truncated after
// each test.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database tests")
	}

	db, err := Connect(context.Background(), dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := db.Exec(`TRUNCATE
			public.assets,
			account_connections.institution_connections,
			account_connections.robinhood_instruments,
			account_connections.institutions,
			public.users
			RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		db.Close()
	})
	return db
}

func seedTestInstitution(t *testing.T, db *sql.DB, name string) string {
	t.Helper()
	institutionID := uuid.NewString()
	require.NoError(t, NewInstitutionRepo(db).SeedInstitution(context.Background(), institutionID, name))
	return institutionID
}

func createTestUser(t *testing.T, db *sql.DB) *User {
	t.Helper()
	suffix := uuid.NewString()[:8]
	user, err := NewUserRepo(db).Create(context.Background(), CreateUserParams{
		Email:    "test-" + suffix + "@example.com",
		Username: "test-" + suffix,
		Password: "test-password",
	})
	require.NoError(t, err)
	return user
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func int64Ptr(n int64) *int64 { return &n }
