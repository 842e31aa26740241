// Package util provides shared database helpers for integration tests.
package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver registration
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fathomlabs/fathom/pkg/database"
)

// One PostgreSQL serves the whole test binary; isolation happens at the
// schema level, not the container level.
var (
	shared struct {
		connStr string
		err     error
	}
	sharedOnce sync.Once
)

// NewTestDB returns an isolated *sqlx.DB for one test: a dedicated schema
// on the shared PostgreSQL (testcontainer locally, external service in CI)
// with all embedded migrations applied. The schema is dropped when the
// test finishes.
func NewTestDB(t *testing.T) *sqlx.DB {
	ctx := context.Background()

	connStr := sharedConnString(t)
	schema := schemaName(t)

	// Create the schema over a throwaway connection; the pooled one pins
	// search_path for every connection it hands out.
	admin, err := sqlx.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	db, err := sqlx.Open("pgx", withSearchPath(connStr, schema))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	require.NoError(t, database.RunMigrations(db), "migrations must apply cleanly to a fresh schema")

	t.Cleanup(func() {
		if _, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("dropping schema %s: %v", schema, err)
		}
		_ = db.Close()
	})

	return db
}

// sharedConnString hands out the connection string of the shared database,
// starting the testcontainer on first use. CI_DATABASE_URL bypasses the
// container for environments that provide PostgreSQL as a service.
func sharedConnString(t *testing.T) string {
	if external := os.Getenv("CI_DATABASE_URL"); external != "" {
		t.Log("using external PostgreSQL from CI_DATABASE_URL")
		return external
	}

	sharedOnce.Do(func() {
		ctx := context.Background()
		t.Log("starting shared PostgreSQL testcontainer")

		container, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			shared.err = fmt.Errorf("start postgres container: %w", err)
			return
		}

		shared.connStr, shared.err = container.ConnectionString(ctx, "sslmode=disable")
	})

	require.NoError(t, shared.err, "shared test database unavailable")
	return shared.connStr
}

// schemaName derives a unique, PostgreSQL-safe schema name from the test
// name plus a random suffix: test_<sanitized>_<hex>.
func schemaName(t *testing.T) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToLower(t.Name()))

	// Identifiers cap at 63 chars; leave room for prefix and suffix.
	if len(sanitized) > 40 {
		sanitized = sanitized[:40]
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		t.Fatalf("schema name suffix: %v", err)
	}
	return fmt.Sprintf("test_%s_%s", sanitized, hex.EncodeToString(suffix))
}

// withSearchPath pins every pooled connection to the test's schema.
func withSearchPath(connStr, schema string) string {
	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "search_path=" + schema
}
