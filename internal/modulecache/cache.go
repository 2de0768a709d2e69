// Package modulecache is an optional disk-backed cache of compiled
// (transpiled) module bodies, keyed by specifier and a content hash of the
// source, so an embedder loader can skip re-invoking internal/compiler's
// esbuild transform for a source it has already compiled. It recovers a
// feature the spec.md distillation dropped (original_source's npm/vbundle
// plugin-output caching) and is consumed by internal/embedderloader; the
// core Isolate reaches it only through the optional FactoryCache
// interface that embedderloader.Loader implements.
package modulecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// entry is the gorm model backing the compiled_modules table.
type entry struct {
	Specifier   string `gorm:"primaryKey"`
	ContentHash string `gorm:"primaryKey"`
	FactoryBody string
	CachedAt    time.Time
}

func (entry) TableName() string { return "compiled_modules" }

// Cache is a disk-backed store of compiled factory bodies. A zero Cache is
// not usable; construct one with Open.
type Cache struct {
	db *gorm.DB
}

// Open creates or opens a SQLite-backed cache at {dataDir}/modulecache.sqlite3,
// matching the teacher's d1.go convention of namespacing embedder-owned SQLite
// files under a single data directory. The schema is migrated automatically.
func Open(dataDir string) (*Cache, error) {
	if err := validateDataDir(dataDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("modulecache: creating data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "modulecache.sqlite3")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("modulecache: opening %s: %w", dbPath, err)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("modulecache: migrating schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// OpenMemory creates an in-memory cache, useful for tests and for
// short-lived embedders that don't want a file on disk.
func OpenMemory() (*Cache, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("modulecache: opening in-memory database: %w", err)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("modulecache: migrating schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func validateDataDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("modulecache: data directory must not be empty")
	}
	if strings.Contains(dir, "..") {
		return fmt.Errorf("modulecache: data directory must not contain '..'")
	}
	return nil
}

// HashSource returns the content-hash component of a cache key for src.
func HashSource(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached factory body for specifier+contentHash, and
// whether it was found.
func (c *Cache) Lookup(specifier, contentHash string) (factoryBody string, ok bool, err error) {
	var e entry
	result := c.db.Where("specifier = ? AND content_hash = ?", specifier, contentHash).First(&e)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("modulecache: lookup %q: %w", specifier, result.Error)
	}
	return e.FactoryBody, true, nil
}

// Store records factoryBody as the compiled output for specifier+contentHash,
// overwriting an entry stored earlier under that same pair. Entries stored
// for the specifier under other content hashes are kept; Evict removes them.
func (c *Cache) Store(specifier, contentHash, factoryBody string) error {
	e := entry{
		Specifier:   specifier,
		ContentHash: contentHash,
		FactoryBody: factoryBody,
		CachedAt:    time.Now(),
	}
	result := c.db.Save(&e)
	if result.Error != nil {
		return fmt.Errorf("modulecache: storing %q: %w", specifier, result.Error)
	}
	return nil
}

// Evict removes any cached entry for specifier, regardless of content hash.
func (c *Cache) Evict(specifier string) error {
	result := c.db.Where("specifier = ?", specifier).Delete(&entry{})
	if result.Error != nil {
		return fmt.Errorf("modulecache: evicting %q: %w", specifier, result.Error)
	}
	return nil
}

// Close releases the underlying database connection.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
