package integration

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

// EnvDSN is the environment variable consulted for an existing database
// server. The DSN must name a superuser, or at least a role able to create
// roles and databases.
const EnvDSN = `PESSIMISM_TEST_DSN`

// Container settings for the throwaway database.
const (
	containerRepo = `docker.io/library/postgres`
	containerTag  = `16-alpine`
	containerUser = `pessimism`
)

var (
	serverOnce    sync.Once
	serverDSN     string
	serverErr     error
	serverCleanup = func() {}
)

// DBSetup locates or starts the database server and returns a function to tear
// it down. It's meant to be called from TestMain:
//
//	defer integration.DBSetup()()
//
// Without the "integration" build tag it does nothing.
func DBSetup() func() {
	if skip {
		return func() {}
	}
	serverOnce.Do(startServer)
	return func() { serverCleanup() }
}

// NeedDB is like [Skip], but additionally fails the test if a database server
// cannot be found or started.
func NeedDB(t testing.TB) {
	Skip(t)
	serverOnce.Do(startServer)
	if serverErr != nil {
		t.Fatalf("unable to find database server: %v", serverErr)
	}
}

func startServer() {
	if dsn, ok := os.LookupEnv(EnvDSN); ok {
		serverDSN = dsn
		return
	}
	serverDSN, serverCleanup, serverErr = startContainer()
}

func startContainer() (string, func(), error) {
	noop := func() {}
	pool, err := dockertest.NewPool("")
	if err != nil {
		return "", noop, fmt.Errorf("docker: %w", err)
	}
	if err := pool.Client.Ping(); err != nil {
		return "", noop, fmt.Errorf("docker: %w", err)
	}
	res, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerRepo,
		Tag:        containerTag,
		Env: []string{
			"POSTGRES_USER=" + containerUser,
			"POSTGRES_DB=" + containerUser,
			"POSTGRES_HOST_AUTH_METHOD=trust",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return "", noop, fmt.Errorf("docker: starting postgres: %w", err)
	}
	cleanup := func() {
		if err := pool.Purge(res); err != nil {
			fmt.Fprintf(os.Stderr, "integration: removing container: %v\n", err)
		}
	}
	// Make sure a crashed test run doesn't leave the container around forever.
	if err := res.Expire(uint((10 * time.Minute).Seconds())); err != nil {
		cleanup()
		return "", noop, err
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		res.GetBoundIP("5432/tcp"), res.GetPort("5432/tcp"), containerUser, containerUser)
	pool.MaxWait = 2 * time.Minute
	err = pool.Retry(func() error {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		return conn.Ping(ctx)
	})
	if err != nil {
		cleanup()
		return "", noop, fmt.Errorf("postgres never became ready: %w", err)
	}
	return dsn, cleanup, nil
}

const (
	createRole      = `CREATE ROLE %s LOGIN;`
	createDatabase  = `CREATE DATABASE %[2]s WITH OWNER %[1]s ENCODING 'UTF8';`
	killConnections = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1`
	dropDatabase    = `DROP DATABASE %s;`
	dropRole        = `DROP ROLE %s;`
)

// DB is a handle for connecting to and cleaning up a created database.
type DB struct {
	cfg *pgxpool.Config
}

// NewDB creates a new, empty database owned by a new role.
//
// [NeedDB] must have been called.
func NewDB(ctx context.Context, t testing.TB) (*DB, error) {
	if serverDSN == "" {
		return nil, errors.New("integration: no database server; call NeedDB first")
	}
	cfg, err := pgxpool.ParseConfig(serverDSN)
	if err != nil {
		return nil, err
	}
	database := fmt.Sprintf("db%x", rand.Uint64())
	role := fmt.Sprintf("role%x", rand.Uint64())

	conn, err := pgx.ConnectConfig(ctx, cfg.ConnConfig)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, fmt.Sprintf(createRole, role)); err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(createDatabase, role, database)); err != nil {
		return nil, err
	}

	cfg.ConnConfig.Database = database
	cfg.ConnConfig.User = role
	cfg.ConnConfig.Password = ""
	t.Logf("database: %q, role: %q", database, role)
	return &DB{cfg: cfg}, nil
}

// Config returns a pgxpool.Config for the created database.
func (db *DB) Config() *pgxpool.Config {
	return db.cfg.Copy()
}

// Close tears down the created database.
func (db *DB) Close(ctx context.Context, t testing.TB) {
	cfg, err := pgx.ParseConfig(serverDSN)
	if err != nil {
		t.Error(err)
		return
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		t.Error(err)
		return
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, killConnections, db.cfg.ConnConfig.Database); err != nil {
		t.Error(err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(dropDatabase, db.cfg.ConnConfig.Database)); err != nil {
		t.Error(err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(dropRole, db.cfg.ConnConfig.User)); err != nil {
		t.Error(err)
	}
}
