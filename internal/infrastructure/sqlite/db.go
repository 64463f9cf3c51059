// Package sqlite persists active-proxy records in a SQLite database, so
// records survive a process restart and can be shared by multiple
// service processes pointing at the same file.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_proxies (
	id         TEXT NOT NULL,
	realm      TEXT NOT NULL,
	spec_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	status     TEXT NOT NULL,
	record     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (realm, id)
);
CREATE INDEX IF NOT EXISTS idx_active_proxies_user ON active_proxies (realm, user_id);
`

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}
