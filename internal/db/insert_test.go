package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "t" ("a", "b") VALUES ($1, $2), ($3, $4)`,
		InsertSQL("t", []string{"a", "b"}, 2, Dollar))
	assert.Equal(t,
		`INSERT INTO "t" ("a") VALUES (?), (?), (?)`,
		InsertSQL("t", []string{"a"}, 3, Question))
}

func TestInsertChunked_EmptyRows(t *testing.T) {
	n, err := InsertChunked(context.TODO(), nil, "t", []string{"a", "b"}, nil, 10)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInsertChunked_SplitsByChunkSize(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "t" \("a", "b"\) VALUES \(\$1, \$2\), \(\$3, \$4\)$`).
		WithArgs(1, "x", 2, "y").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO "t" \("a", "b"\) VALUES \(\$1, \$2\)$`).
		WithArgs(3, "z").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rows := [][]any{{1, "x"}, {2, "y"}, {3, "z"}}
	n, err := InsertChunked(context.Background(), mock, "t", []string{"a", "b"}, rows, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChunked_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO "t"`).
		WithArgs(1).
		WillReturnError(fmt.Errorf("unique violation"))

	_, err = InsertChunked(context.Background(), mock, "t", []string{"a"}, [][]any{{1}}, 100)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: insert into t")
	assert.Contains(t, err.Error(), "unique violation")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertChunked_RowWidthMismatch(t *testing.T) {
	_, err := InsertChunked(context.Background(), nil, "t", []string{"a", "b"}, [][]any{{1}}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 0 has 1 values, want 2")
}
