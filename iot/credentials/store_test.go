package credentials

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/devicecerts/core/csql"
	"github.com/relabs-tech/devicecerts/iot/pki"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS _unit_.device`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	cdb, err := csql.WithSchema(db, "_unit_")
	require.NoError(t, err)
	store, err := NewPostgresStore(cdb)
	require.NoError(t, err)
	return store, mock
}

func testRecord(name string, created time.Time) *Record {
	return &Record{
		ID:        uuid.New(),
		Name:      name,
		CertText:  "-----BEGIN CERTIFICATE-----",
		ZipPath:   "/out/" + name + "_certificates.zip",
		Serial:    "1f",
		NotAfter:  created.AddDate(1, 0, 0),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func recordRow(r *Record) []driver.Value {
	return []driver.Value{r.ID.String(), r.Name, r.CertText, r.ZipPath, r.Serial, r.NotAfter, r.CreatedAt, r.UpdatedAt}
}

var columns = []string{"id", "name", "cert_text", "zip_path", "serial", "not_after", "created_at", "updated_at"}

func TestPostgresStore_Insert(t *testing.T) {
	store, mock := newMockStore(t)
	r := testRecord("sensor-01", time.Now().UTC())

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO _unit_.device(`)).
		WithArgs(r.ID, r.Name, r.CertText, r.ZipPath, r.Serial, r.NotAfter, r.CreatedAt, r.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Insert(context.Background(), r))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO _unit_.device(`)).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	err := store.Insert(context.Background(), r)
	assert.Equal(t, pki.KindConflict, pki.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	r := testRecord("sensor-01", time.Now().UTC())

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id,name,cert_text,zip_path,serial,not_after,created_at,updated_at FROM _unit_.device WHERE name=$1;`)).
		WithArgs("sensor-01").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(recordRow(r)...))
	got, err := store.Get(context.Background(), "sensor-01")
	require.NoError(t, err)
	assert.Equal(t, r, got)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM _unit_.device WHERE name=$1;`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(columns))
	_, err = store.Get(context.Background(), "missing")
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM _unit_.device WHERE id=$1;`)).
		WithArgs(r.ID).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(recordRow(r)...))
	got, err = store.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, "sensor-01", got.Name)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAndNames(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	newer, older := testRecord("b", now), testRecord("a", now.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at DESC, name;`)).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(recordRow(newer)...).AddRow(recordRow(older)...))
	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].Name)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name FROM _unit_.device;`)).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("a").AddRow("b"))
	names, err := store.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM _unit_.device WHERE name=$1;`)).
		WithArgs("sensor-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), "sensor-01"))

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM _unit_.device WHERE name=$1;`)).
		WithArgs("sensor-01").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Equal(t, pki.KindNotFound, pki.KindOf(store.Delete(context.Background(), "sensor-01")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.Insert(ctx, testRecord("old", now.Add(-time.Minute))))
	newest := testRecord("new", now)
	require.NoError(t, store.Insert(ctx, newest))
	assert.Equal(t, pki.KindConflict, pki.KindOf(store.Insert(ctx, testRecord("new", now))))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].Name)
	assert.Equal(t, "old", records[1].Name)

	got, err := store.GetByID(ctx, newest.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)

	require.NoError(t, store.Delete(ctx, "new"))
	_, err = store.Get(ctx, "new")
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))
	assert.Equal(t, pki.KindNotFound, pki.KindOf(store.Delete(ctx, "new")))

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, names)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	locked := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(locked)
		unlock()
	}()
	select {
	case <-locked:
		t.Fatal("second lock on the same key must wait")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-locked
	unlockB()
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 10*time.Millisecond)
}
