// Package meterdb is a sink consumer (spec.md §4.H): it persists readings
// the core hands to the sink callback. It is never touched by the core
// itself; spec.md §3's "no persistent state inside the core" still holds.
package meterdb

import (
	"database/sql"
	"embed"
	"log"
	"sync"

	"github.com/NotCoffee418/dbmigrator"
	"github.com/muffintsi/wmbusd/pkg/pathing"

	_ "modernc.org/sqlite"
)

var (
	db   *sql.DB
	once sync.Once
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// InitializeDatabase must be called manually on startup, before any sink
// that writes to this package runs.
func InitializeDatabase() {
	db := GetDB()
	if _, err := db.Exec("SELECT 1;"); err != nil {
		log.Printf("Warning: Could not create DB: %v", err)
	}

	dbmigrator.SetDatabaseType(dbmigrator.SQLite)
	<-dbmigrator.MigrateUpCh(
		db,
		migrationFS,
		"migrations",
	)
}

func GetDB() *sql.DB {
	once.Do(func() {
		var err error
		db, err = sql.Open("sqlite", pathing.GetMeterDbPath())
		if err != nil {
			log.Fatal(err)
		}
		if err = db.Ping(); err != nil {
			log.Fatal(err)
		}
	})
	return db
}
