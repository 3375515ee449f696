package ca_test

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/devicecerts/core/csql"
	"github.com/relabs-tech/devicecerts/core/registry"
	"github.com/relabs-tech/devicecerts/iot/pki/ca"
)

func TestFileSerial_Sequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.srl")
	require.NoError(t, os.WriteFile(path, []byte("0A\n"), 0644))

	serials := ca.NewFileSerial(path)
	first, err := serials.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), first.Int64())

	second, err := serials.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), second.Int64())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "C\n", string(data))
}

func TestFileSerial_RandomStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.srl")
	serials := ca.NewFileSerial(path)

	first, err := serials.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sign())
	assert.LessOrEqual(t, first.BitLen(), 63)

	// a new allocator on the same file continues the sequence
	second, err := ca.NewFileSerial(path).Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, new(big.Int).Add(first, big.NewInt(1)), second)
}

func TestFileSerial_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.srl")
	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0644))
	_, err := ca.NewFileSerial(path).Next(context.Background())
	assert.Error(t, err)
}

func TestFileSerial_Concurrent(t *testing.T) {
	serials := ca.NewFileSerial(filepath.Join(t.TempDir(), "ca.srl"))

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := serials.Next(context.Background())
			assert.NoError(t, err)
			if err == nil {
				mu.Lock()
				seen[s.String()] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestRegistrySerial(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS devicecerts."_registry_"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO devicecerts."_registry_"`)).
		WithArgs("pki:serial", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("4711"))

	reg, err := registry.New(&csql.DB{DB: db, Schema: "devicecerts"})
	require.NoError(t, err)

	serials := ca.NewRegistrySerial(reg.Accessor("pki"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := serials.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4711), n.Int64())
	assert.NoError(t, mock.ExpectationsWereMet())
}
