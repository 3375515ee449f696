// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/devicecerts/core/csql"
	"github.com/relabs-tech/devicecerts/iot/pki"
)

// Record is the registry entry of an issued device
type Record struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	// CertText is a copy of the device certificate in PEM encoding
	CertText string `json:"cert_text"`
	// ZipPath is the location of the provisioning archive
	ZipPath string `json:"zip_path"`
	// Serial is the certificate serial number in hex
	Serial    string    `json:"serial"`
	NotAfter  time.Time `json:"not_after"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists device records. Names are unique.
type Store interface {
	// Insert adds a record. It returns a Conflict error if the name exists already.
	Insert(ctx context.Context, r *Record) error
	// Get returns the record with name, or a NotFound error
	Get(ctx context.Context, name string) (*Record, error)
	// GetByID returns the record with id, or a NotFound error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// List returns all records, newest first
	List(ctx context.Context) ([]Record, error)
	// Delete removes the record with name, or returns a NotFound error
	Delete(ctx context.Context, name string) error
	// Names returns the names of all records
	Names(ctx context.Context) ([]string, error)
}

func conflict(name string) error {
	return pki.Errorf(pki.KindConflict, "insert", "device '%s' already exists", name)
}

func notFound(op, name string) error {
	return pki.Errorf(pki.KindNotFound, op, "device '%s' not found", name)
}

// PostgresStore keeps records in the table "device" of the database schema
type PostgresStore struct {
	db *csql.DB
}

// NewPostgresStore returns a new store and creates its table if it does not exist
func NewPostgresStore(db *csql.DB) (*PostgresStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + db.Schema + `.device
(id uuid NOT NULL,
name varchar(100) NOT NULL,
cert_text text NOT NULL,
zip_path varchar NOT NULL,
serial varchar NOT NULL,
not_after timestamp NOT NULL,
created_at timestamp NOT NULL,
updated_at timestamp NOT NULL,
PRIMARY KEY(id),
UNIQUE(name)
);
CREATE INDEX IF NOT EXISTS device_created_at_idx ON ` + db.Schema + `.device(created_at DESC);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create device table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

const recordColumns = `id,name,cert_text,zip_path,serial,not_after,created_at,updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.Name, &r.CertText, &r.ZipPath, &r.Serial, &r.NotAfter, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Insert implements Store. A violation of the unique name constraint is a Conflict.
func (s *PostgresStore) Insert(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`.device(`+recordColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8);`,
		r.ID, r.Name, r.CertText, r.ZipPath, r.Serial, r.NotAfter.UTC(), r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return conflict(r.Name)
	}
	return err
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, name string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+s.db.Schema+`.device WHERE name=$1;`, name))
	if err == csql.ErrNoRows {
		return nil, notFound("get", name)
	}
	return r, err
}

// GetByID implements Store
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM `+s.db.Schema+`.device WHERE id=$1;`, id))
	if err == csql.ErrNoRows {
		return nil, notFound("get", id.String())
	}
	return r, err
}

// List implements Store
func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM `+s.db.Schema+`.device ORDER BY created_at DESC, name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// Delete implements Store
func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Schema+`.device WHERE name=$1;`, name)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound("delete", name)
	}
	return nil
}

// Names implements Store
func (s *PostgresStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM `+s.db.Schema+`.device;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// MemoryStore keeps records in memory. It is used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

// Insert implements Store
func (s *MemoryStore) Insert(ctx context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Name]; ok {
		return conflict(r.Name)
	}
	s.records[r.Name] = *r
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, name string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	if !ok {
		return nil, notFound("get", name)
	}
	return &r, nil
}

// GetByID implements Store
func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, notFound("get", id.String())
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	records := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].Name < records[j].Name
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; !ok {
		return notFound("delete", name)
	}
	delete(s.records, name)
	return nil
}

// Names implements Store
func (s *MemoryStore) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	return names, nil
}
