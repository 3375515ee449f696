// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/devicecerts/core/csql"
)

var (
	// ErrInvalidCredential is returned when identity and password do not match
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInactiveAccount is returned for a correct credential of a disabled account
	ErrInactiveAccount = errors.New("inactive account")
)

// Accounts verifies caller credentials
type Accounts interface {
	// Verify checks the password of identity and returns the account's authorization
	Verify(ctx context.Context, identity, password string) (*Authorization, error)
}

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type accountProperties struct {
	Roles []string `json:"roles"`
}

// SQLAccounts stores accounts with bcrypt password hashes in the
// "account" relation of a postgres schema.
type SQLAccounts struct {
	db *csql.DB
}

// NewSQLAccounts creates the account relation if it does not exist yet
func NewSQLAccounts(db *csql.DB) (*SQLAccounts, error) {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `.account
(account_id uuid NOT NULL PRIMARY KEY,
identity varchar(50) NOT NULL UNIQUE,
password_hash varchar(255) NOT NULL,
active boolean NOT NULL DEFAULT true,
properties json NOT NULL DEFAULT '{}'::json,
created_at timestamp NOT NULL DEFAULT now(),
updated_at timestamp NOT NULL DEFAULT now()
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create account table: %w", err)
	}
	return &SQLAccounts{db: db}, nil
}

// EnsureAccount creates the account if no account with that identity exists yet. An
// existing account is left untouched.
func (a *SQLAccounts) EnsureAccount(ctx context.Context, identity, password string, roles ...string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	properties, _ := json.Marshal(accountProperties{Roles: roles})
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO `+a.db.Schema+`.account (account_id,identity,password_hash,properties) VALUES($1,$2,$3,$4) ON CONFLICT DO NOTHING;`,
		uuid.New(), identity, hash, string(properties))
	return err
}

// Verify implements Accounts
func (a *SQLAccounts) Verify(ctx context.Context, identity, password string) (*Authorization, error) {
	var (
		hash       string
		active     bool
		properties []byte
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT password_hash, active, properties FROM `+a.db.Schema+`.account WHERE identity=$1;`,
		identity).Scan(&hash, &active, &properties)
	if err == csql.ErrNoRows {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read account '%s': %w", identity, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredential
	}
	if !active {
		return nil, ErrInactiveAccount
	}
	var p accountProperties
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &p); err != nil {
			return nil, fmt.Errorf("corrupt properties for account '%s': %w", identity, err)
		}
	}
	return &Authorization{Identity: identity, Roles: p.Roles}, nil
}

type memoryAccount struct {
	hash   []byte
	roles  []string
	active bool
}

// MemoryAccounts is an in-process account list, used when the service runs without
// a database.
type MemoryAccounts struct {
	mutex    sync.RWMutex
	accounts map[string]memoryAccount
}

// NewMemoryAccounts returns an empty account list
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{accounts: make(map[string]memoryAccount)}
}

// EnsureAccount adds an active account unless the identity is already known
func (m *MemoryAccounts) EnsureAccount(_ context.Context, identity, password string, roles ...string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.accounts[identity]; !ok {
		m.accounts[identity] = memoryAccount{hash: hash, roles: roles, active: true}
	}
	return nil
}

// Disable marks an account inactive
func (m *MemoryAccounts) Disable(identity string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if acc, ok := m.accounts[identity]; ok {
		acc.active = false
		m.accounts[identity] = acc
	}
}

// Verify implements Accounts
func (m *MemoryAccounts) Verify(_ context.Context, identity, password string) (*Authorization, error) {
	m.mutex.RLock()
	acc, ok := m.accounts[identity]
	m.mutex.RUnlock()
	if !ok || bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
		return nil, ErrInvalidCredential
	}
	if !acc.active {
		return nil, ErrInactiveAccount
	}
	return &Authorization{Identity: identity, Roles: acc.roles}, nil
}
