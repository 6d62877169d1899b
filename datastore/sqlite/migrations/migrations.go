// Package migrations holds the schema migrations for the SQLite lock store.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/remind101/migrate"
)

// MigrationTable is the table [migrate] records applied migrations in.
const MigrationTable = "pessimism_migrations"

//go:embed *.sql
var files embed.FS

func runFile(n string) func(*sql.Tx) error {
	b, err := files.ReadFile(n)
	return func(tx *sql.Tx) error {
		if err != nil {
			return err
		}
		_, err := tx.Exec(string(b))
		return err
	}
}

// Migrations is the ordered list of schema migrations.
var Migrations = []migrate.Migration{
	{
		ID: 1,
		Up: runFile("01-init.sql"),
	},
}
