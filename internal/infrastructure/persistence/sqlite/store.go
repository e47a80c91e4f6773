// Package sqlite implements the classroom device's durable stores on a
// single embedded database file: local events, batches and daily salts.
// The driver is pure Go, so the agent cross-compiles without cgo.
package sqlite

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens (or creates) the agent database at path and migrates its
// schema. ":memory:" gives an ephemeral database, used by tests.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EventRecord{}, &BatchRecord{}, &SaltRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}
