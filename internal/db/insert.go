package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Placeholder renders the bind parameter for the n-th argument (1-based).
type Placeholder func(n int) string

// Dollar renders postgres-style placeholders ($1, $2, ...).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// Question renders positional placeholders (?), as used by SQLite.
func Question(int) string { return "?" }

// InsertSQL builds a multi-row INSERT statement for rowCount rows.
func InsertSQL(table string, columns []string, rowCount int, ph Placeholder) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", ident(table), identList(columns))

	arg := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(ph(arg))
			arg++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// InsertChunked writes rows as multi-row INSERT statements of at most
// chunkSize rows each and returns the number of rows written. Run it inside
// WithTx to make the whole batch atomic.
func InsertChunked(ctx context.Context, ex Execer, table string, columns []string, rows [][]any, chunkSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, eris.New("db: insert: no columns specified")
	}
	if chunkSize <= 0 {
		chunkSize = len(rows)
	}

	var total int64
	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return total, eris.Errorf("db: insert: row %d has %d values, want %d", start+i, len(row), len(columns))
			}
			args = append(args, row...)
		}

		tag, err := ex.Exec(ctx, InsertSQL(table, columns, len(chunk), Dollar), args...)
		if err != nil {
			return total, eris.Wrapf(err, "db: insert into %s (rows %d-%d)", table, start, end-1)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
