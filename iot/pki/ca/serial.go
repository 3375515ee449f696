// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package ca

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/relabs-tech/devicecerts/core/registry"
)

// SerialAllocator hands out certificate serial numbers. A serial number is
// never handed out twice for the life of the CA.
type SerialAllocator interface {
	Next(ctx context.Context) (*big.Int, error)
}

// maxInitialSerial keeps serials positive and within 63 bits
var maxInitialSerial = new(big.Int).Lsh(big.NewInt(1), 62)

// randomSerial returns a random start value in [1, 2^62], leaving room for increments
func randomSerial() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, maxInitialSerial)
	if err != nil {
		return nil, fmt.Errorf("cannot generate serial: %w", err)
	}
	return n.Add(n, big.NewInt(1)), nil
}

// FileSerial stores the next serial number as hex in a file next to the CA, in the
// format of an OpenSSL serial file. It serializes access within the process.
type FileSerial struct {
	path string
	mu   sync.Mutex
}

// NewFileSerial returns a file based serial allocator for path
func NewFileSerial(path string) *FileSerial {
	return &FileSerial{path: path}
}

// Path returns the path of the serial file
func (f *FileSerial) Path() string {
	return f.path
}

// Next returns the serial stored in the file and persists its successor before
// returning. A missing file starts at a random value.
func (f *FileSerial) Next(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var serial *big.Int
	data, err := os.ReadFile(f.path)
	switch {
	case os.IsNotExist(err):
		if serial, err = randomSerial(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("cannot read serial file %s: %w", f.path, err)
	default:
		var ok bool
		serial, ok = new(big.Int).SetString(strings.TrimSpace(string(data)), 16)
		if !ok || serial.Sign() <= 0 {
			return nil, fmt.Errorf("serial file %s is corrupt", f.path)
		}
	}

	next := new(big.Int).Add(serial, big.NewInt(1))
	if err := writeFileAtomic(f.path, []byte(fmt.Sprintf("%X\n", next)), 0644); err != nil {
		return nil, fmt.Errorf("cannot write serial file %s: %w", f.path, err)
	}
	return serial, nil
}

// writeFileAtomic replaces path with data through a temporary file in the same directory
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// RegistrySerial allocates serials from an atomic counter in the registry. Use it
// when several service instances share one CA.
type RegistrySerial struct {
	accessor registry.Accessor
	key      string
}

// NewRegistrySerial returns a registry based allocator. The counter is keyed by
// the CA's subject key id, so replacing the CA starts a new sequence.
func NewRegistrySerial(accessor registry.Accessor, store *Store) *RegistrySerial {
	key := "serial"
	if store != nil && len(store.Certificate().SubjectKeyId) > 0 {
		key = fmt.Sprintf("serial:%x", store.Certificate().SubjectKeyId)
	}
	return &RegistrySerial{accessor: accessor, key: key}
}

// Next increments the counter and returns its new value. The first call
// initializes the counter with a random value.
func (r *RegistrySerial) Next(ctx context.Context) (*big.Int, error) {
	initial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	return r.accessor.Increment(ctx, r.key, initial)
}
