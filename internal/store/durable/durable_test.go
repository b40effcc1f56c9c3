package durable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var testTable = Table{Name: "widgets", Columns: []string{"name", "count"}}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, nil, testTable)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Insert(testTable, "k1", Row{"name": "widget", "count": float64(3)}))

	row, err := db.Get(testTable, "k1")
	require.NoError(t, err)
	require.Equal(t, "widget", row["name"])
	require.Equal(t, float64(3), row["count"])
}

func TestInsertRejectsUnknownColumn(t *testing.T) {
	db := openTestDB(t)
	err := db.Insert(testTable, "k1", Row{"bogus": "x"})
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestGetMissingRowReturnsErrRowNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(testTable, "missing")
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestUpdateMergesFieldsIntoExistingRow(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Insert(testTable, "k1", Row{"name": "widget"}))
	require.NoError(t, db.Update(testTable, "k1", Row{"count": float64(5)}))

	row, err := db.Get(testTable, "k1")
	require.NoError(t, err)
	require.Equal(t, "widget", row["name"])
	require.Equal(t, float64(5), row["count"])
}

func TestUpdateCreatesRowWhenAbsent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(testTable, "new", Row{"name": "fresh"}))

	row, err := db.Get(testTable, "new")
	require.NoError(t, err)
	require.Equal(t, "fresh", row["name"])
}

func TestDeleteRemovesRow(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Insert(testTable, "k1", Row{"name": "widget"}))
	require.NoError(t, db.Delete(testTable, "k1"))

	_, err := db.Get(testTable, "k1")
	require.ErrorIs(t, err, ErrRowNotFound)
}

func TestSelectFiltersByPredicate(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Insert(testTable, "a", Row{"name": "alpha", "count": float64(1)}))
	require.NoError(t, db.Insert(testTable, "b", Row{"name": "beta", "count": float64(2)}))

	rows, err := db.Select(testTable, func(key string, row Row) bool {
		return row["count"].(float64) >= 2
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "beta", rows["b"]["name"])
}

func TestSelectWithNilPredicateReturnsEverything(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Insert(testTable, "a", Row{"name": "alpha"}))
	require.NoError(t, db.Insert(testTable, "b", Row{"name": "beta"}))

	rows, err := db.Select(testTable, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestOperationsOnUnknownTableFail(t *testing.T) {
	db := openTestDB(t)
	unknown := Table{Name: "ghost", Columns: []string{"x"}}
	err := db.Insert(unknown, "k", Row{"x": "y"})
	require.ErrorIs(t, err, ErrUnknownTable)
}
