package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// TestMigrationPath validates each migration step from an empty database.
//
// When adding migration N, add a case for N-1 → N that seeds data in the old
// schema and checks it survives.
func TestMigrationPath(t *testing.T) {
	migrationTests := []struct {
		name           string
		fromVersion    int
		toVersion      int
		setupData      func(db *sql.DB) error
		validateSchema func(t *testing.T, db *sql.DB)
	}{
		{
			name:        "v0 → v1: initial schema",
			fromVersion: 0,
			toVersion:   1,
			setupData:   func(db *sql.DB) error { return nil },
			validateSchema: func(t *testing.T, db *sql.DB) {
				for _, table := range []string{"User", "PrivateMessage", "Friendship", "schema_migrations"} {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
					require.NoError(t, err)
					assert.Equal(t, 1, count, "table %s", table)
				}
				for _, index := range []string{"idx_private_message_pair", "idx_friendship_user_two"} {
					var count int
					err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
					require.NoError(t, err)
					assert.Equal(t, 1, count, "index %s", index)
				}
			},
		},
	}

	for _, tt := range migrationTests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), "test.db")

			rawDB, err := sql.Open("sqlite", dbPath)
			require.NoError(t, err)

			if tt.fromVersion > 0 {
				require.NoError(t, initMigrations(rawDB))
				migrations, err := loadMigrations()
				require.NoError(t, err)
				for _, m := range migrations {
					if m.Version <= tt.fromVersion {
						require.NoError(t, applyMigration(rawDB, m))
					}
				}
			}

			require.NoError(t, tt.setupData(rawDB))
			rawDB.Close()

			db, err := Open(dbPath)
			require.NoError(t, err)
			defer db.Close()

			tt.validateSchema(t, db.conn)

			version, err := getCurrentVersion(db.conn)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, version, tt.toVersion)
		})
	}
}

func TestLoadMigrationsSorted(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "migrations must be numbered without gaps")
		assert.NotEmpty(t, m.SQL)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	_, err = db.RegisterUser("alice", "pw")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.ResolveUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	var applied int
	require.NoError(t, db.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 1, applied)
}

func TestFriendshipCheckConstraint(t *testing.T) {
	db := openTestDB(t)
	alice, err := db.RegisterUser("alice", "pw")
	require.NoError(t, err)

	_, err = db.InsertFriendRequest(alice.ID, alice.ID, alice.ID)
	assert.Error(t, err, "self pair violates user_one_id < user_two_id")
}
