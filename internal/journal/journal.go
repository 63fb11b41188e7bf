// Package journal keeps an optional append-only record of block migrations
// for external replication. A nil *Journal is valid and records nothing;
// correctness of a single-node deployment never depends on it.
package journal

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

type Journal struct {
	db *sql.DB
}

// Entry is one recorded migration.
type Entry struct {
	BlockID  string
	TierFrom string
	TierTo   string
	At       time.Time
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
CREATE TABLE IF NOT EXISTS migrations (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  block_id TEXT NOT NULL,
  tier_from TEXT NOT NULL,
  tier_to TEXT NOT NULL,
  at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_migrations_block ON migrations(block_id);
`)
	return err
}

// Append records one completed migration. Safe on a nil journal.
func (j *Journal) Append(ctx context.Context, blockID, tierFrom, tierTo string, at time.Time) error {
	if j == nil || j.db == nil {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO migrations(block_id, tier_from, tier_to, at) VALUES(?,?,?,?);",
		blockID, tierFrom, tierTo, at.UTC())
	return err
}

// List returns the migration history of one block, oldest first.
func (j *Journal) List(ctx context.Context, blockID string) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT block_id, tier_from, tier_to, at FROM migrations WHERE block_id=? ORDER BY seq;", blockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.BlockID, &e.TierFrom, &e.TierTo, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}
