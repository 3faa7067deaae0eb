package history

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlocus/locus/internal/domain/models"
)

func newMockHistory(t *testing.T) (pgxmock.PgxPoolIface, *PostgresHistory) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresHistory(mock, "locus_history")
}

func encoded(t *testing.T, msg models.Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestPostgresAppend(t *testing.T) {
	mock, h := newMockHistory(t)
	msg := models.NewHumanMessage("hello")

	mock.ExpectExec("INSERT INTO locus_history").
		WithArgs("s1", encoded(t, msg)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, h.Append(context.Background(), "s1", msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadLatestReverses(t *testing.T) {
	mock, h := newMockHistory(t)

	// The query returns newest-first; the store restores chronological order.
	rows := pgxmock.NewRows([]string{"message"}).
		AddRow(encoded(t, models.NewAIMessage("newest"))).
		AddRow(encoded(t, models.NewHumanMessage("older")))

	mock.ExpectQuery("SELECT message FROM locus_history").
		WithArgs("s1", 2).
		WillReturnRows(rows)

	got, err := h.ReadLatest(context.Background(), "s1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].Content)
	assert.Equal(t, "newest", got[1].Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOverwrite(t *testing.T) {
	mock, h := newMockHistory(t)
	msg := models.NewAIMessage("replacement")

	mock.ExpectExec("DELETE FROM locus_history").
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO locus_history").
		WithArgs("s1", encoded(t, msg)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, h.Overwrite(context.Background(), "s1", []models.Message{msg}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTrim(t *testing.T) {
	mock, h := newMockHistory(t)

	mock.ExpectExec("DELETE FROM locus_history").
		WithArgs("s1", 1000).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	require.NoError(t, h.Trim(context.Background(), "s1", 1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTrimToZeroClearsSession(t *testing.T) {
	mock, h := newMockHistory(t)

	mock.ExpectExec("DELETE FROM locus_history").
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("DELETE", 5))

	require.NoError(t, h.Trim(context.Background(), "s1", 0))
	assert.NoError(t, mock.ExpectationsWereMet())
}
