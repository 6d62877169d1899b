package migrations

import (
	"io/fs"
	"testing"
)

func TestMigrationsComplete(t *testing.T) {
	ents, err := fs.Glob(files, "*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(Migrations), len(ents); got != want {
		t.Errorf("have %d migrations, %d files", got, want)
	}
	for i, m := range Migrations {
		if got, want := m.ID, i+1; got != want {
			t.Errorf("migration %d: unexpected ID %d", want, got)
		}
	}
}
