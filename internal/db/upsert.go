package db

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert describes a single-row insert that updates the existing row when
// Key collides.
type Upsert struct {
	Table   string
	Columns []string
	Key     []string

	// Update lists the columns overwritten on conflict. Empty means every
	// column outside Key.
	Update []string
}

// SQL renders INSERT ... ON CONFLICT (key) DO UPDATE SET col = EXCLUDED.col.
// Postgres and SQLite both accept it given the matching placeholder style.
func (u Upsert) SQL(ph Placeholder) (string, error) {
	switch {
	case len(u.Columns) == 0:
		return "", eris.Errorf("db: upsert %s: no columns", u.Table)
	case len(u.Key) == 0:
		return "", eris.Errorf("db: upsert %s: no conflict key", u.Table)
	}

	update := u.Update
	if len(update) == 0 {
		for _, c := range u.Columns {
			if !slices.Contains(u.Key, c) {
				update = append(update, c)
			}
		}
	}
	if len(update) == 0 {
		return "", eris.Errorf("db: upsert %s: every column is part of the key", u.Table)
	}

	set := make([]string, len(update))
	for i, c := range update {
		set[i] = fmt.Sprintf("%[1]s = EXCLUDED.%[1]s", ident(c))
	}
	return InsertSQL(u.Table, u.Columns, 1, ph) +
		" ON CONFLICT (" + identList(u.Key) + ") DO UPDATE SET " + strings.Join(set, ", "), nil
}

// ident quotes a possibly schema-qualified name.
func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func identList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ident(n)
	}
	return strings.Join(out, ", ")
}
