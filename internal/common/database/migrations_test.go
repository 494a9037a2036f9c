package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/002_events.sql": {Data: []byte("CREATE TABLE events();")},
		"migrations/001_init.sql":   {Data: []byte("CREATE TABLE jobs();")},
		"migrations/README.md":      {Data: []byte("not a migration")},
	}
	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	assert.Equal(t, []Migration{
		NewMigration(1, "001_init.sql", "CREATE TABLE jobs();"),
		NewMigration(2, "002_events.sql", "CREATE TABLE events();"),
	}, migrations)
}

func TestReadMigrations_InvalidName(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/init.sql": {Data: []byte("CREATE TABLE jobs();")},
	}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}

func TestReadMigrations_MissingDir(t *testing.T) {
	_, err := ReadMigrations(fstest.MapFS{}, "migrations")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	connStr := CreateConnectionString(map[string]string{
		"user":     "balsam",
		"host":     "localhost",
		"password": `it's\secret`,
	})
	assert.Equal(t, `host='localhost' password='it\'s\\secret' user='balsam'`, connStr)
}
