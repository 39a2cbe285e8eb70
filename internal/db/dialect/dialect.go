// Package dialect provides the SQL fragments that differ between the
// SQLite and PostgreSQL backends. The stores pass the driver name from
// their sqlx handle to pick the right form.
package dialect

import "fmt"

// Driver names as sqlx reports them.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean for storage in an INTEGER column.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Like returns the case-insensitive pattern operator.
//
//	SQLite:   LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// NowMinusHours returns the expression for "current time minus N
// hours", where hoursExpr is a placeholder or expression producing the
// hour count.
//
//	SQLite:   datetime('now', '-' || hoursExpr || ' hours')
//	Postgres: NOW() - (hoursExpr || ' hours')::interval
func NowMinusHours(driver, hoursExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
}
