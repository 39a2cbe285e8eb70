// Package db opens the relational backends the stores run on: a
// WAL-journaled SQLite file for single-node deployments and pgx-backed
// PostgreSQL for shared ones.
package db

import "github.com/jmoiron/sqlx"

// Pool splits relational access into writer and reader handles.
//
// SQLite serializes mutations through a single writer connection while
// reads fan out over a read-only pool, which avoids SQLITE_BUSY under
// write contention. Postgres pools internally, so both handles point at
// the same connection set.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the handle for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Postgres shares one *sqlx.DB across both roles; don't close it twice.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
