// Package testutil holds shared test fixtures: a disposable pgvector
// Postgres for the run store contract tests, a scripted model client, and
// a logger that keeps test output quiet.
//
// Storage tests start one container per package:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    db, _ := tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/migrations"
)

const (
	postgresImage   = "pgvector/pgvector:pg17"
	postgresUser    = "michi"
	postgresDB      = "michi_test"
	startupDeadline = 60 * time.Second
)

// TestContainer is a running Postgres with the vector extension installed.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres launches the container and bootstraps the vector extension
// so pgvector types register on the store's first pooled connection.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresUser,
				"POSTGRES_PASSWORD": postgresUser,
				"POSTGRES_DB":       postgresDB,
			},
			// Postgres logs readiness once for the init server and once for
			// the real one.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupDeadline),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start postgres: %w", err)
	}
	tc := &TestContainer{Container: c}

	host, err := c.Host(ctx)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container host: %w", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: container port: %w", err)
	}
	tc.DSN = (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(postgresUser, postgresUser),
		Host:     host + ":" + port.Port(),
		Path:     postgresDB,
		RawQuery: "sslmode=disable",
	}).String()

	if err := createVectorExtension(ctx, tc.DSN); err != nil {
		tc.Terminate()
		return nil, err
	}
	return tc, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process on
// failure.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return tc
}

func createVectorExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("testutil: bootstrap connection: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("testutil: create vector extension: %w", err)
	}
	return nil
}

// NewTestDB opens a store on the container and applies every migration.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open store: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger logs warnings and errors only.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
