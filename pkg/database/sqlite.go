package database

import (
	"database/sql"
	"regexp"

	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// sqliteDriverName is go-sqlite3 with a REGEXP function, which sqlite lacks by default.
const sqliteDriverName = "sqlite3_regexp"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("regexp", regexpMatch, true)
		},
	})
}

// regexpMatch backs "X REGEXP Y", which sqlite evaluates as regexp(Y, X).
func regexpMatch(pattern, s string) (bool, error) {
	return regexp.MatchString(pattern, s)
}

func openSQLite(path string) (*bun.DB, error) {
	if path == "" {
		path = ":memory:"
	}
	sqldb, err := sql.Open(sqliteDriverName, path)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	// One connection: an in-memory database lives per connection, and sqlite
	// serializes writers anyway.
	sqldb.SetMaxOpenConns(1)

	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}
