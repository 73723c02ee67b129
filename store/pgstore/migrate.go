package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/livequery/config"
	"github.com/migadu/livequery/consts"
	"github.com/migadu/livequery/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator applies the embedded schema migrations while holding the
// migration advisory lock.
type Migrator struct {
	m    *migrate.Migrate
	db   *sql.DB
	lock *sql.Conn
}

// NewMigrator connects to the write endpoint and takes the advisory lock.
// It fails fast with consts.ErrDBMigrationLocked when another process
// holds it.
func NewMigrator(ctx context.Context, dbCfg *config.DatabaseConfig) (*Migrator, error) {
	if dbCfg == nil || dbCfg.Write == nil || len(dbCfg.Write.Hosts) == 0 {
		return nil, errors.New("write database configuration is missing or has no hosts")
	}
	connString, err := ConnString(dbCfg.Write, dbCfg.Write.Hosts[0])
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Session-level advisory locks belong to one connection, so it is held
	// apart from the connections migrate uses.
	lock, err := sqlDB.Conn(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := acquireLock(ctx, lock); err != nil {
		lock.Close()
		sqlDB.Close()
		return nil, err
	}

	mig := &Migrator{db: sqlDB, lock: lock}
	if mig.m, err = newMigrate(sqlDB); err != nil {
		mig.Close()
		return nil, err
	}
	return mig, nil
}

func newMigrate(sqlDB *sql.DB) (*migrate.Migrate, error) {
	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}
	return m, nil
}

func acquireLock(ctx context.Context, conn *sql.Conn) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return consts.ErrDBMigrationLocked
	}
	logger.Info("Migrate: acquired exclusive database lock")
	return nil
}

// Up applies all pending migrations.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Steps applies n migrations, reverting when n is negative.
func (m *Migrator) Steps(n int) error {
	return m.m.Steps(n)
}

// DownAll reverts every applied migration.
func (m *Migrator) DownAll() error {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return nil
	}
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, use force first", version)
	}
	if err := m.m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Force sets the recorded version without running migrations.
func (m *Migrator) Force(version int) error {
	return m.m.Force(version)
}

// Version returns the applied version; ok is false when nothing was
// applied yet.
func (m *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	return version, dirty, err == nil, err
}

// Close releases the lock and the connections.
func (m *Migrator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var unlocked bool
	if err := m.lock.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID).Scan(&unlocked); err != nil {
		logger.Warn("Migrate: failed to release advisory lock", "error", err)
	} else if !unlocked {
		logger.Warn("Migrate: advisory lock was not held at release")
	}
	m.lock.Close()
	if m.m != nil {
		// Closes the source and the database driver, and with it the sql.DB.
		srcErr, dbErr := m.m.Close()
		return errors.Join(srcErr, dbErr)
	}
	return m.db.Close()
}

// Migrate applies pending migrations under the advisory lock.
func Migrate(ctx context.Context, dbCfg *config.DatabaseConfig) error {
	ctx, cancel := context.WithTimeout(ctx, dbCfg.GetMigrationTimeout())
	defer cancel()

	m, err := NewMigrator(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _, _ := m.Version()
	logger.Info("Migrate: schema up to date", "version", version, "dirty", dirty)
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("Migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}
