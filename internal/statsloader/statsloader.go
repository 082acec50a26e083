// Package statsloader is the optional statistics-persistence collaborator
// described by the Distributor's external interfaces: it polls the
// connection and procedure snapshot tables on a fixed interval and writes
// them to a SQL database via GORM (latency histograms are not polled or
// persisted), opening SQLite/Postgres and
// driving periodic work with gocron the same way the rest of this module
// does.
package statsloader

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registered as "sqlite" — no CGO.
	_ "modernc.org/sqlite"

	"github.com/nexusdb/distributor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Source is the subset of *distributor.Distributor the loader polls. Scoped
// to an interface so tests can substitute a stub distributor.
type Source interface {
	GetConnectionStats(interval bool) []distributor.ConnectionStatsRow
	GetProcedureStats(interval bool) []distributor.ProcedureStatsRow
	GetLatencyHistogram(clientRTT bool, interval bool) []distributor.HistogramRow
}

// Config configures the loader's database connection and polling interval.
type Config struct {
	Driver   string // "sqlite" or "postgres"; defaults to "sqlite"
	DSN      string
	Interval time.Duration // defaults to 10s
	Logger   *zap.Logger
}

// ConnectionStatSnapshot is one persisted row of a GetConnectionStats poll.
type ConnectionStatSnapshot struct {
	ID           uuid.UUID `gorm:"type:text;primaryKey"`
	PolledAt     time.Time `gorm:"not null;index"`
	ConnectionID int       `gorm:"not null"`
	Hostname     string    `gorm:"not null"`
	Completed    int64
	Aborted      int64
	Errored      int64
	BytesRead    int64
	MessagesRead int64
	BytesWritten int64
	MessagesWritten int64
}

func (s *ConnectionStatSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
	}
	return nil
}

// ProcedureStatSnapshot is one persisted row of a GetProcedureStats poll.
type ProcedureStatSnapshot struct {
	ID            uuid.UUID `gorm:"type:text;primaryKey"`
	PolledAt      time.Time `gorm:"not null;index"`
	ConnectionID  int       `gorm:"not null"`
	Hostname      string    `gorm:"not null"`
	Procedure     string    `gorm:"not null;index"`
	Completed     int64
	Aborted       int64
	Errored       int64
	ClientRTTSumMs  int64
	ClusterRTTSumMs int64
}

func (s *ProcedureStatSnapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		s.ID = id
	}
	return nil
}

// Loader periodically snapshots a Source's statistics tables into a SQL
// database. Implements distributor.StatsLoader so it can be attached via
// Distributor.AttachStatsLoader and stopped automatically by Shutdown.
type Loader struct {
	db     *gorm.DB
	src    Source
	cron   gocron.Scheduler
	logger *zap.Logger
}

// New opens the configured database, applies migrations, and returns a
// Loader that has not yet started polling — call Start to begin.
func New(cfg Config, src Source) (*Loader, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("statsloader")

	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	database, drvName, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("statsloader: failed to get sql.DB: %w", err)
	}
	if err := runMigrations(sqlDB, drvName); err != nil {
		return nil, fmt.Errorf("statsloader: migrations failed: %w", err)
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("statsloader: failed to create scheduler: %w", err)
	}

	l := &Loader{db: database, src: src, cron: cron, logger: logger}

	_, err = cron.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(l.poll),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("statsloader: failed to register poll job: %w", err)
	}

	return l, nil
}

// Start begins polling in the background.
func (l *Loader) Start() {
	l.cron.Start()
}

// Stop implements distributor.StatsLoader. It stops the poll job and closes
// the underlying database connection.
func (l *Loader) Stop() error {
	if err := l.cron.Shutdown(); err != nil {
		l.logger.Warn("statsloader scheduler shutdown error", zap.Error(err))
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("statsloader: failed to get sql.DB on stop: %w", err)
	}
	return sqlDB.Close()
}

func (l *Loader) poll() {
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connRows := l.src.GetConnectionStats(true)
	connSnaps := make([]ConnectionStatSnapshot, 0, len(connRows))
	for _, r := range connRows {
		connSnaps = append(connSnaps, ConnectionStatSnapshot{
			PolledAt:        now,
			ConnectionID:    r.ConnectionID,
			Hostname:        r.Hostname,
			Completed:       r.Completed,
			Aborted:         r.Aborted,
			Errored:         r.Errored,
			BytesRead:       r.BytesRead,
			MessagesRead:    r.MessagesRead,
			BytesWritten:    r.BytesWritten,
			MessagesWritten: r.MessagesWritten,
		})
	}
	if len(connSnaps) > 0 {
		if err := l.db.WithContext(ctx).Create(&connSnaps).Error; err != nil {
			l.logger.Error("failed to persist connection stat snapshots", zap.Error(err))
		}
	}

	procRows := l.src.GetProcedureStats(true)
	procSnaps := make([]ProcedureStatSnapshot, 0, len(procRows))
	for _, r := range procRows {
		procSnaps = append(procSnaps, ProcedureStatSnapshot{
			PolledAt:        now,
			ConnectionID:    r.ConnectionID,
			Hostname:        r.Hostname,
			Procedure:       r.Procedure,
			Completed:       r.Completed,
			Aborted:         r.Aborted,
			Errored:         r.Errored,
			ClientRTTSumMs:  r.ClientRTTSum.Milliseconds(),
			ClusterRTTSumMs: r.ClusterRTTSum.Milliseconds(),
		})
	}
	if len(procSnaps) > 0 {
		if err := l.db.WithContext(ctx).Create(&procSnaps).Error; err != nil {
			l.logger.Error("failed to persist procedure stat snapshots", zap.Error(err))
		}
	}
}

func openDB(cfg Config, logger *zap.Logger) (*gorm.DB, string, error) {
	gormCfg := &gorm.Config{Logger: newZapGORMLogger(logger, gormlogger.Warn)}

	switch cfg.Driver {
	case "sqlite", "":
		sqlDB, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("statsloader: failed to open sqlite: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)

		database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, "", fmt.Errorf("statsloader: failed to initialize gorm with sqlite: %w", err)
		}
		return database, "sqlite", nil

	case "postgres":
		database, err := gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, "", fmt.Errorf("statsloader: failed to open postgres: %w", err)
		}
		return database, "postgres", nil

	default:
		return nil, "", fmt.Errorf("statsloader: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}
}

func runMigrations(sqlDB *sql.DB, driver string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
