package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dicomnet/pacscore/errors"
)

// Config configures the storage index's SQLite backend.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string
	// BusyTimeoutMS is how long a writer waits on a locked database
	// before SQLITE_BUSY is returned.
	BusyTimeoutMS int
}

// ApplyDefaults fills in unset configuration with the index's defaults.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "pacscore.db"
	}
	if c.BusyTimeoutMS == 0 {
		c.BusyTimeoutMS = 5000
	}
}

// Validate reports whether the configuration can be used to open a database.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("storage: database path is required")
	}
	return nil
}

// Index is the SQL-backed metadata catalog described by spec.md §4.4:
// one process-wide connection with WAL enabled, a single writer
// enforced by the backend, concurrent readers.
type Index struct {
	db     *gorm.DB
	config *Config
}

// Open connects to (creating if absent) the SQLite-backed index, enables
// WAL mode and a busy timeout, and runs any pending schema migrations.
// Grounded on marmos91-dittofs's pkg/controlplane/store/gorm.go New().
func Open(config *Config) (*Index, error) {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	dsn := config.Path
	if dsn != ":memory:" {
		if dir := filepath.Dir(config.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.NewStorageError(errors.StorageFileWrite, "create database directory", err)
			}
		}
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", config.Path, config.BusyTimeoutMS)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.NewStorageError(errors.StorageIntegrity, "open database", err)
	}

	idx := &Index{db: db, config: config}
	if err := idx.migrate(); err != nil {
		return nil, err
	}
	return idx, nil
}

// DB returns the underlying gorm connection for components (maintenance,
// tests) that need direct access.
func (idx *Index) DB() *gorm.DB {
	return idx.db
}

// Close releases the underlying database connection.
func (idx *Index) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
