// Package database provides test constructors for the persistence layer.
package database

import (
	"testing"

	"github.com/fathomlabs/fathom/pkg/database"
	"github.com/fathomlabs/fathom/test/util"
)

// NewTestClient creates a migrated test database client.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: uses a shared testcontainer.
// The schema and connections are cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	// util.NewTestDB owns schema creation, migrations, and cleanup.
	return database.NewClientFromDB(util.NewTestDB(t))
}

// NewTestStore creates a store over a migrated test database.
func NewTestStore(t *testing.T) *database.Store {
	return database.NewStore(util.NewTestDB(t))
}
