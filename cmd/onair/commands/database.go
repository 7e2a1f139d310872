package commands

import (
	"database/sql"

	"github.com/teranos/onair/am"
	"github.com/teranos/onair/db"
	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
)

// openDatabase opens and migrates the database. An empty dbPath means the
// configured database.path.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		cfg, err := am.Load()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load configuration")
		}
		dbPath = cfg.GetDatabasePath()
	}

	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
