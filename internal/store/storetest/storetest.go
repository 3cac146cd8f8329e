// Package storetest opens throwaway sqlite databases for tests.
package storetest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
)

var seq atomic.Int64

// Open returns a migrated in-memory database private to t. A single
// connection serializes writers the way a row lock would.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	db, err := store.Open(store.Options{
		Driver:       "sqlite",
		DSN:          dsn,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.AutoMigrate(&store.Listing{}); err != nil {
		t.Fatalf("failed to migrate listings: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SeedListing inserts a listing owned by ownerID.
func SeedListing(t *testing.T, db *gorm.DB, id, ownerID, title string) {
	t.Helper()
	if err := db.Create(&store.Listing{ID: id, OwnerID: ownerID, Title: title}).Error; err != nil {
		t.Fatalf("failed to seed listing: %v", err)
	}
}
