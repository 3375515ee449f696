package credentials

import (
	"archive/zip"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/devicecerts/core/access"
	"github.com/relabs-tech/devicecerts/iot"
	"github.com/relabs-tech/devicecerts/iot/pki"
	"github.com/relabs-tech/devicecerts/iot/pki/ca"
	"github.com/relabs-tech/devicecerts/iot/pki/ca/catest"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
	"github.com/relabs-tech/devicecerts/iot/pki/packager"
)

var admin = Credential{Identity: "admin", Password: "admin123"}

type fixture struct {
	service  *Service
	store    Store
	caCert   *x509.Certificate
	outDir   string
	mirror   *fakeMirror
	notifier *fakeNotifier
}

type option func(b *Builder)

func withStore(s Store) option {
	return func(b *Builder) { b.Store = s }
}

func newFixture(t *testing.T, opts ...option) *fixture {
	caDir, outDir := t.TempDir(), t.TempDir()
	caCert := catest.Write(t, caDir)
	store, err := ca.Open(ca.Config{Dir: caDir})
	require.NoError(t, err)
	engine, err := issuance.New(store, ca.NewFileSerial(filepath.Join(caDir, ca.SerialFileName)), issuance.Config{
		OutputDir: outDir,
		Subject:   issuance.Subject{Country: "IN", State: "Gujarat", Locality: "Vadodara", Organization: "Prahari Technologies"},
	})
	require.NoError(t, err)

	accounts := access.NewMemoryAccounts()
	require.NoError(t, accounts.EnsureAccount(context.Background(), admin.Identity, admin.Password, "admin"))

	f := &fixture{caCert: caCert, outDir: outDir, mirror: newFakeMirror(), notifier: &fakeNotifier{}}
	b := &Builder{
		Engine:   engine,
		Packager: packager.New(engine, packager.Config{}),
		Store:    NewMemoryStore(),
		Accounts: accounts,
		Mirror:   f.mirror,
		Notifier: f.notifier,
	}
	for _, opt := range opts {
		opt(b)
	}
	f.store = b.Store
	f.service = NewService(b)
	return f
}

func (f *fixture) files(t *testing.T) []string {
	entries, err := os.ReadDir(f.outDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func (f *fixture) age(t *testing.T, d time.Duration) {
	past := time.Now().Add(-d)
	for _, name := range f.files(t) {
		require.NoError(t, os.Chtimes(filepath.Join(f.outDir, name), past, past))
	}
}

type fakeMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{objects: map[string][]byte{}}
}

func (m *fakeMirror) Upload(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *fakeMirror) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *fakeMirror) PreSignedGetURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	return "https://mirror.example.com/" + key + "?expires=" + expireIn.String(), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []iot.Event
}

func (n *fakeNotifier) Notify(ctx context.Context, event iot.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// brokenStore fails to insert records
type brokenStore struct {
	*MemoryStore
	fail bool
}

func (s *brokenStore) Insert(ctx context.Context, r *Record) error {
	if s.fail {
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.Insert(ctx, r)
}

func parsePEM(t *testing.T, data []byte) (*x509.Certificate, []byte) {
	block, rest := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert, rest
}

func TestCreateThenViewDeviceCert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"sensor-01", "a", "gateway_7", strings.Repeat("z", 100)} {
		record, err := f.service.Create(ctx, name)
		require.NoError(t, err, name)

		text, _, err := f.service.View(ctx, name, ArtifactDeviceCert)
		require.NoError(t, err)
		assert.Equal(t, record.CertText, text)
		cert, _ := parsePEM(t, []byte(text))
		assert.Equal(t, name, cert.Subject.CommonName)
		assert.Equal(t, f.caCert.Subject.String(), cert.Issuer.String())
		assert.Equal(t, cert.SerialNumber.Text(16), record.Serial)
	}
}

func TestCreateThenViewBundle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	text, _, err := f.service.View(ctx, "sensor-01", ArtifactBundle)
	require.NoError(t, err)
	leaf, rest := parsePEM(t, []byte(text))
	assert.Equal(t, "sensor-01", leaf.Subject.CommonName)
	root, _ := parsePEM(t, rest)
	assert.True(t, root.Equal(f.caCert))

	key, _, err := f.service.View(ctx, "sensor-01", ArtifactPrivateKey)
	require.NoError(t, err)
	assert.Contains(t, key, "BEGIN PRIVATE KEY")

	caText, _, err := f.service.View(ctx, "sensor-01", ArtifactCACert)
	require.NoError(t, err)
	caCert, _ := parsePEM(t, []byte(caText))
	assert.True(t, caCert.Equal(f.caCert))

	_, _, err = f.service.View(ctx, "sensor-01", "csr")
	assert.Equal(t, pki.KindInvalidIdentifier, pki.KindOf(err))
}

func TestCreateConcurrentSameName(t *testing.T) {
	f := newFixture(t)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.Create(context.Background(), "sensor-01")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, pki.KindConflict, pki.KindOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, []string{"sensor-01.bundle.crt", "sensor-01.crt", "sensor-01.key", "sensor-01_certificates.zip"}, f.files(t))
	assert.Equal(t, 0, f.service.locks.size())
}

func TestCreateExistingIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	_, err = f.service.Create(ctx, "sensor-01")
	assert.Equal(t, pki.KindConflict, pki.KindOf(err))

	// the files of the existing device are untouched
	text, _, err := f.service.View(ctx, "sensor-01", ArtifactBundle)
	require.NoError(t, err)
	leaf, _ := parsePEM(t, []byte(text))
	assert.Equal(t, first.Serial, leaf.SerialNumber.Text(16))
}

func TestCreateInvalidIdentifier(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a/b", "../ca", "..", "with space", " lead", "tab\tname", ""} {
		_, err := f.service.Create(context.Background(), name)
		assert.Equal(t, pki.KindInvalidIdentifier, pki.KindOf(err), name)
	}
	assert.Empty(t, f.files(t))
	assert.Empty(t, f.notifier.events)
}

func TestCreateScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	modes := map[string]os.FileMode{"sensor-01.key": 0600, "sensor-01.crt": 0644, "sensor-01.bundle.crt": 0644}
	for name, mode := range modes {
		info, err := os.Stat(filepath.Join(f.outDir, name))
		require.NoError(t, err)
		assert.Equal(t, mode, info.Mode().Perm(), name)
	}
	assert.NoFileExists(t, filepath.Join(f.outDir, "sensor-01.csr"))
	assert.NoFileExists(t, filepath.Join(f.outDir, "sensor-01.extensions.conf"))

	archive, err := f.service.Download(ctx, "sensor-01")
	require.NoError(t, err)
	assert.Equal(t, "sensor-01_certificates.zip", archive.Filename)
	r, err := zip.NewReader(strings.NewReader(string(archive.Data)), int64(len(archive.Data)))
	require.NoError(t, err)
	var names []string
	for _, file := range r.File {
		names = append(names, file.Name)
	}
	assert.ElementsMatch(t, []string{"sensor-01.key", "sensor-01.crt", "sensor-01.bundle.crt", "ca.crt", "USAGE_INSTRUCTIONS.txt"}, names)

	assert.Contains(t, f.mirror.objects, "sensor-01_certificates.zip")
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, iot.EventCreated, f.notifier.events[0].Type)
	assert.Equal(t, "sensor-01", f.notifier.events[0].Device)
}

func TestDeleteThenNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	record, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	deleted, err := f.service.Delete(ctx, record.ID.String(), admin)
	require.NoError(t, err)
	assert.Equal(t, "sensor-01", deleted.Name)

	for _, kind := range []ArtifactKind{ArtifactDeviceCert, ArtifactCACert, ArtifactPrivateKey, ArtifactBundle} {
		_, _, err := f.service.View(ctx, "sensor-01", kind)
		assert.Equal(t, pki.KindNotFound, pki.KindOf(err), kind)
	}
	_, err = f.service.Download(ctx, "sensor-01")
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))
	assert.Empty(t, f.files(t))
	assert.NotContains(t, f.mirror.objects, "sensor-01_certificates.zip")
	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, iot.EventDeleted, f.notifier.events[1].Type)

	_, err = f.service.Delete(ctx, "sensor-01", admin)
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))
}

func TestDeleteRequiresCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	_, err = f.service.Delete(ctx, "sensor-01", Credential{Identity: "admin", Password: "wrong-password"})
	assert.Equal(t, pki.KindUnauthorized, pki.KindOf(err))
	_, err = f.service.Delete(ctx, "sensor-01", Credential{Identity: "intruder", Password: "admin123"})
	assert.Equal(t, pki.KindUnauthorized, pki.KindOf(err))

	assert.Len(t, f.files(t), 4)
	_, err = f.service.Resolve(ctx, "sensor-01")
	assert.NoError(t, err)
}

func TestDeleteKeepsRecordWhenFilesCannotBeRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	// a non-empty directory in place of the key cannot be removed
	key := filepath.Join(f.outDir, "sensor-01.key")
	require.NoError(t, os.Remove(key))
	require.NoError(t, os.Mkdir(key, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(key, "pinned"), nil, 0644))

	_, err = f.service.Delete(ctx, "sensor-01", admin)
	assert.Equal(t, pki.KindIOFailure, pki.KindOf(err))

	record, err := f.service.Resolve(ctx, "sensor-01")
	require.NoError(t, err)
	assert.Equal(t, "sensor-01", record.Name)
}

func TestReissueAfterDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)
	_, err = f.service.Delete(ctx, "sensor-01", admin)
	require.NoError(t, err)

	second, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)
	assert.NotEqual(t, first.Serial, second.Serial)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRegistryFailureLeavesFilesForReconcile(t *testing.T) {
	store := &brokenStore{MemoryStore: NewMemoryStore(), fail: true}
	f := newFixture(t, withStore(store))
	ctx := context.Background()

	_, err := f.service.Create(ctx, "sensor-01")
	require.Error(t, err)
	assert.Equal(t, pki.KindRegistryFailure, pki.KindOf(err))
	assert.Len(t, f.files(t), 4)

	// fresh files survive the sweep
	removed, err := f.service.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Len(t, f.files(t), 4)

	f.age(t, time.Hour)
	removed, err = f.service.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor-01"}, removed)
	assert.Empty(t, f.files(t))
}

func TestRetryAfterRegistryFailureRemovesOrphans(t *testing.T) {
	store := &brokenStore{MemoryStore: NewMemoryStore(), fail: true}
	f := newFixture(t, withStore(store))
	ctx := context.Background()

	_, err := f.service.Create(ctx, "sensor-01")
	require.Error(t, err)

	store.fail = false
	record, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)
	assert.Len(t, f.files(t), 4)

	text, _, err := f.service.View(ctx, "sensor-01", ArtifactBundle)
	require.NoError(t, err)
	leaf, _ := parsePEM(t, []byte(text))
	assert.Equal(t, record.Serial, leaf.SerialNumber.Text(16))
}

func TestReconcileKeepsRegisteredDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	// foreign and temporary files
	require.NoError(t, os.WriteFile(filepath.Join(f.outDir, "orphan.crt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.outDir, ".orphan_certificates.zip.tmp-123"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(f.outDir, "README"), []byte("x"), 0644))
	f.age(t, time.Hour)

	removed, err := f.service.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, removed)
	assert.Equal(t, []string{"README", "sensor-01.bundle.crt", "sensor-01.crt", "sensor-01.key", "sensor-01_certificates.zip"}, f.files(t))
}

func TestResolveAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.service.Create(ctx, "first")
	require.NoError(t, err)
	f.service.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = f.service.Create(ctx, "second")
	require.NoError(t, err)

	records, err := f.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "second", records[0].Name)
	assert.Equal(t, "first", records[1].Name)

	byID, err := f.service.Resolve(ctx, first.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "first", byID.Name)

	_, err = f.service.Resolve(ctx, "../etc/passwd")
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))

	exists, err := f.service.DeviceExists(ctx, "first")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = f.service.DeviceExists(ctx, "third")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUUIDShapedNames(t *testing.T) {
	for _, name := range []string{"0123456789abcdef0123456789abcdef", "550e8400-e29b-41d4-a716-446655440000"} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			record, err := f.service.Create(ctx, name)
			require.NoError(t, err)

			text, got, err := f.service.View(ctx, name, ArtifactDeviceCert)
			require.NoError(t, err)
			assert.Equal(t, record.ID, got.ID)
			assert.Equal(t, record.CertText, text)

			archive, err := f.service.Download(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, name+"_certificates.zip", archive.Filename)

			byID, err := f.service.Resolve(ctx, record.ID.String())
			require.NoError(t, err)
			assert.Equal(t, name, byID.Name)

			_, err = f.service.Delete(ctx, name, admin)
			require.NoError(t, err)
			assert.Empty(t, f.files(t))
		})
	}
}

func TestDeleteDoesNotTouchReplacedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	unlock := f.service.locks.Lock("sensor-01")
	done := make(chan error, 1)
	go func() {
		_, err := f.service.Delete(ctx, old.ID.String(), admin)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// replace the device while the delete waits for the lock
	require.NoError(t, f.service.engine.Remove("sensor-01"))
	require.NoError(t, f.service.packager.Remove("sensor-01"))
	require.NoError(t, f.store.Delete(ctx, "sensor-01"))
	identity, err := f.service.engine.Issue(ctx, "sensor-01")
	require.NoError(t, err)
	zipPath, err := f.service.packager.Pack(ctx, "sensor-01")
	require.NoError(t, err)
	now := time.Now().UTC()
	replacement := &Record{
		ID:        uuid.New(),
		Name:      "sensor-01",
		CertText:  string(identity.CertificatePEM),
		ZipPath:   zipPath,
		Serial:    identity.Serial().Text(16),
		NotAfter:  identity.Certificate.NotAfter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.Insert(ctx, replacement))
	unlock()

	err = <-done
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))
	current, err := f.service.Resolve(ctx, "sensor-01")
	require.NoError(t, err)
	assert.Equal(t, replacement.ID, current.ID)
	assert.Len(t, f.files(t), 4)
}

func TestDownloadURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)

	url, err := f.service.DownloadURL(ctx, "sensor-01", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.com/sensor-01_certificates.zip?expires=1m0s", url)

	_, err = f.service.DownloadURL(ctx, "unknown", time.Minute)
	assert.Equal(t, pki.KindNotFound, pki.KindOf(err))
}

func TestCreateDetachesFromCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// a request that is gone by the time the work starts still ends in a consistent state
	record, err := f.service.Create(ctx, "sensor-01")
	require.NoError(t, err)
	assert.Equal(t, "sensor-01", record.Name)
	assert.Len(t, f.files(t), 4)
}
