package testutils

import (
	"context"
	"database/sql"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/blockadesystems/acmemail/internal/storage"
)

// SetupTestDB starts a new PostgreSQL container for testing.
// It returns the connection string (DSN) for the test database
// and a cleanup function that should be deferred by the caller to terminate the container.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container in short mode")
	}

	ctx := context.Background()
	dbName := "testdb"
	dbUser := "testuser"
	dbPassword := "testpass"
	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(1).
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer terminateCancel()
		if err := postgresContainer.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		} else {
			t.Log("Postgres container terminated")
		}
	}

	// Explicitly disable SSL for simpler test connections.
	connStrCtx, connStrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connStrCancel()
	connStr, err := postgresContainer.ConnectionString(connStrCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}

	t.Logf("Postgres container started") // Don't log connection string with password

	return connStr, cleanup
}

// DBParams is a DSN from SetupTestDB split into the fields storage.NewPostgreSQLStorage takes.
type DBParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

func ParseDSN(t *testing.T, dsn string) DBParams {
	t.Helper()
	parsedURL, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("Failed to parse test DB connection string: %v", err)
	}
	p := DBParams{
		Host:    parsedURL.Hostname(),
		Port:    5432,
		Name:    strings.TrimPrefix(parsedURL.Path, "/"),
		SSLMode: parsedURL.Query().Get("sslmode"),
	}
	if portStr := parsedURL.Port(); portStr != "" {
		p.Port, _ = strconv.Atoi(portStr)
	}
	if parsedURL.User != nil {
		p.User = parsedURL.User.Username()
		p.Password, _ = parsedURL.User.Password()
	}
	return p
}

// NewTestStorage opens a PostgreSQLStorage against the container behind dsn.
func NewTestStorage(t *testing.T, dsn string) *storage.PostgreSQLStorage {
	t.Helper()
	p := ParseDSN(t, dsn)
	store, err := storage.NewPostgreSQLStorage(p.Host, p.User, p.Password, p.Name, p.Port, p.SSLMode, "", "", "")
	if err != nil {
		t.Fatalf("Failed to initialize storage for test: %v", err)
	}
	return store
}

// ResetTestDB empties every table so each sub-test starts from a clean registry.
func ResetTestDB(t *testing.T, dsn string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `TRUNCATE processed_messages, email_challenges, api_keys`); err != nil {
		t.Fatalf("Failed to reset test DB: %v", err)
	}
}
