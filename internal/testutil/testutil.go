package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

// Logger returns a logger that discards output.
func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	return logger.NewNop()
}

// DB opens a migrated sqlite database in a fresh temp dir. Each test gets
// its own file, so tests can run in parallel.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := "file:" + filepath.Join(tb.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLogger.Default.LogMode(gormLogger.Silent),
		NowFunc:                                  func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		tb.Fatalf("failed to open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := autoMigrateAll(db); err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}

// Backdate moves a row's updated_at into the past without bumping its
// revision, simulating a job that stopped making progress.
func Backdate(tb testing.TB, db *gorm.DB, row interface{}, id string, age time.Duration) {
	tb.Helper()
	err := db.Model(row).
		Where("id = ?", id).
		UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error
	if err != nil {
		tb.Fatalf("failed to backdate %s: %v", id, err)
	}
}

func autoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.GenerationJob{},
		&model.Track{},
		&model.PipelineJob{},
		&model.PipelineStep{},
	)
}
