// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/devicecerts/core/access"
	"github.com/relabs-tech/devicecerts/core/kss"
	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot"
	"github.com/relabs-tech/devicecerts/iot/pki"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
	"github.com/relabs-tech/devicecerts/iot/pki/packager"
)

// DefaultReconcileGrace is the minimum age of unreferenced files before reconciliation removes them
const DefaultReconcileGrace = 5 * time.Minute

// ArtifactKind selects a file to view
type ArtifactKind string

// all artifact kinds
const (
	ArtifactDeviceCert ArtifactKind = "device_cert"
	ArtifactCACert     ArtifactKind = "ca_cert"
	ArtifactPrivateKey ArtifactKind = "private_key"
	ArtifactBundle     ArtifactKind = "bundle"
)

// Credential is the caller's own credential, proven again before deleting a device
type Credential struct {
	Identity string
	Password string
}

// Archive is a downloadable device archive
type Archive struct {
	// Filename is the name offered to the client
	Filename string
	Path     string
	Data     []byte
}

// Builder is a builder helper for the Service
type Builder struct {
	// Engine issues the device certificates. This is mandatory.
	Engine *issuance.Engine
	// Packager writes the device archives. This is mandatory.
	Packager *packager.Packager
	// Store persists the device records. This is mandatory.
	Store Store
	// Accounts verifies the caller's credential on delete. This is mandatory.
	Accounts access.Accounts
	// Mirror optionally receives a copy of every archive
	Mirror kss.Driver
	// Notifier is optionally informed about created and deleted devices
	Notifier iot.Notifier
	// ReconcileGrace overrides DefaultReconcileGrace
	ReconcileGrace time.Duration
}

// Service is the device registry. It keeps device records and device files
// consistent: a record exists only for a device whose files were all created,
// and a record is only removed after its files are gone.
type Service struct {
	engine   *issuance.Engine
	packager *packager.Packager
	store    Store
	accounts access.Accounts
	mirror   kss.Driver
	notifier iot.Notifier
	grace    time.Duration

	locks *keyedMutex
	now   func() time.Time
}

// NewService returns a new registry service
func NewService(b *Builder) *Service {
	if b.Engine == nil {
		panic("Engine is missing")
	}
	if b.Packager == nil {
		panic("Packager is missing")
	}
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Accounts == nil {
		panic("Accounts is missing")
	}
	s := &Service{
		engine:   b.Engine,
		packager: b.Packager,
		store:    b.Store,
		accounts: b.Accounts,
		mirror:   b.Mirror,
		notifier: b.Notifier,
		grace:    b.ReconcileGrace,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
	if s.grace == 0 {
		s.grace = DefaultReconcileGrace
	}
	return s
}

// Create issues a certificate for name, packs the archive and registers the device.
//
// Once file creation has started, cancellation of ctx is ignored: the call either
// completes or removes what it created. If the record cannot be written after
// the files exist, the error is a RegistryFailure and the files stay for
// reconciliation.
func (s *Service) Create(ctx context.Context, name string) (record *Record, err error) {
	if err := issuance.ValidateIdentifier(name); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		recordIssuance(err, time.Since(start).Seconds())
	}()

	unlock := s.locks.Lock(name)
	defer unlock()
	ctx, log := logger.ContextWithLoggerDevice(ctx, name)

	if _, err := s.store.Get(ctx, name); err == nil {
		return nil, conflict(name)
	} else if !pki.IsKind(err, pki.KindNotFound) {
		return nil, pki.Wrap(pki.KindRegistryFailure, "create", "", err)
	}

	ctx = context.WithoutCancel(ctx)

	// files without a record under our lock belong to an earlier failed attempt
	if err := s.removeOrphans(ctx, name); err != nil {
		return nil, err
	}

	identity, err := s.engine.Issue(ctx, name)
	if err != nil {
		log.WithError(err).Errorln("issuance failed")
		return nil, err
	}

	zipPath, err := s.packager.Pack(ctx, name)
	if err != nil {
		log.WithError(err).Errorln("packaging failed")
		s.rollback(ctx, name)
		return nil, err
	}

	if s.mirror != nil {
		if err := s.upload(ctx, name, zipPath); err != nil {
			// the archive on disk stays authoritative
			log.WithError(err).Errorln("cannot mirror archive")
		}
	}

	now := s.now().UTC()
	record = &Record{
		ID:        uuid.New(),
		Name:      name,
		CertText:  string(identity.CertificatePEM),
		ZipPath:   zipPath,
		Serial:    identity.Serial().Text(16),
		NotAfter:  identity.Certificate.NotAfter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, record); err != nil {
		if pki.IsKind(err, pki.KindConflict) {
			// another instance registered the name first, the files are ours
			s.rollback(ctx, name)
			return nil, err
		}
		log.WithError(err).Errorln("Error 5301: device files exist but the record cannot be written")
		return nil, pki.Wrap(pki.KindRegistryFailure, "create", zipPath, err)
	}

	log.WithField("serial", record.Serial).Infoln("device created")
	s.notify(ctx, iot.Event{Type: iot.EventCreated, Device: name, Serial: record.Serial, Timestamp: now})
	return record, nil
}

// rollback removes all files of name after a failed create
func (s *Service) rollback(ctx context.Context, name string) {
	log := logger.FromContext(ctx)
	if err := s.engine.Remove(name); err != nil {
		log.WithError(err).Errorln("rollback: cannot remove device files")
	}
	if err := s.packager.Remove(name); err != nil {
		log.WithError(err).Errorln("rollback: cannot remove archive")
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, packager.ArchiveName(name)); err != nil {
			log.WithError(err).Errorln("rollback: cannot remove mirrored archive")
		}
	}
}

// removeOrphans removes files of name. The caller holds the lock for name and
// has verified that there is no record.
func (s *Service) removeOrphans(ctx context.Context, name string) error {
	existing, err := s.engine.ExistingArtifacts(name)
	if err != nil {
		return err
	}
	archivePath, err := s.packager.ArchivePath(name)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(archivePath); err == nil {
		existing = append(existing, archivePath)
	}
	if len(existing) == 0 {
		return nil
	}
	logger.FromContext(ctx).Warnf("removing %d unreferenced files: %s", len(existing), strings.Join(existing, ", "))
	if err := s.engine.Remove(name); err != nil {
		return err
	}
	return s.packager.Remove(name)
}

func (s *Service) upload(ctx context.Context, name, zipPath string) error {
	data, err := os.ReadFile(zipPath)
	if err != nil {
		return err
	}
	return s.mirror.Upload(ctx, packager.ArchiveName(name), data)
}

func (s *Service) notify(ctx context.Context, event iot.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).WithError(err).Warnf("cannot deliver %s event for %s", event.Type, event.Device)
	}
}

// List returns all device records, newest first
func (s *Service) List(ctx context.Context) ([]Record, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, pki.Wrap(pki.KindRegistryFailure, "list", "", err)
	}
	return records, nil
}

// Resolve returns the record for ref, which is either the record id or the device name.
// A ref which parses as uuid is tried as id first.
func (s *Service) Resolve(ctx context.Context, ref string) (*Record, error) {
	var (
		record *Record
		err    error
	)
	named := issuance.ValidateIdentifier(ref) == nil
	if id, parseErr := uuid.Parse(ref); parseErr == nil {
		record, err = s.store.GetByID(ctx, id)
		// device names may look like uuids too
		if named && pki.IsKind(err, pki.KindNotFound) {
			record, err = s.store.Get(ctx, ref)
		}
	} else {
		if !named {
			return nil, notFound("resolve", ref)
		}
		record, err = s.store.Get(ctx, ref)
	}
	if err != nil && !pki.IsKind(err, pki.KindNotFound) {
		return nil, pki.Wrap(pki.KindRegistryFailure, "resolve", "", err)
	}
	return record, err
}

// DeviceExists implements iot.DeviceLookup
func (s *Service) DeviceExists(ctx context.Context, name string) (bool, error) {
	_, err := s.store.Get(ctx, name)
	if pki.IsKind(err, pki.KindNotFound) {
		return false, nil
	}
	return err == nil, err
}

// View returns the PEM text of the requested artifact. The device certificate
// comes from the record, all other kinds are read from disk.
func (s *Service) View(ctx context.Context, ref string, kind ArtifactKind) (string, *Record, error) {
	record, err := s.Resolve(ctx, ref)
	if err != nil {
		return "", nil, err
	}

	var path string
	switch kind {
	case ArtifactDeviceCert, "":
		return record.CertText, record, nil
	case ArtifactCACert:
		path = s.engine.CA().CertFile()
	case ArtifactPrivateKey, ArtifactBundle:
		paths, err := s.engine.Paths(record.Name)
		if err != nil {
			return "", nil, err
		}
		path = paths.Key
		if kind == ArtifactBundle {
			path = paths.Bundle
		}
	default:
		return "", nil, &pki.Error{Kind: pki.KindInvalidIdentifier, Op: "view", Message: "unknown certificate type '" + string(kind) + "'"}
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil, &pki.Error{Kind: pki.KindNotFound, Op: "view", Path: path, Message: "certificate file not found for type " + string(kind)}
	}
	if err != nil {
		return "", nil, pki.Wrap(pki.KindIOFailure, "view", path, err)
	}
	return string(data), record, nil
}

// Download returns the archive of a device
func (s *Service) Download(ctx context.Context, ref string) (*Archive, error) {
	record, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(record.ZipPath)
	if os.IsNotExist(err) {
		return nil, &pki.Error{Kind: pki.KindNotFound, Op: "download", Path: record.ZipPath, Message: "certificate archive not found"}
	}
	if err != nil {
		return nil, pki.Wrap(pki.KindIOFailure, "download", record.ZipPath, err)
	}
	return &Archive{Filename: packager.ArchiveName(record.Name), Path: record.ZipPath, Data: data}, nil
}

// DownloadURL returns a time limited URL for the mirrored archive of a device
func (s *Service) DownloadURL(ctx context.Context, ref string, expireIn time.Duration) (string, error) {
	if s.mirror == nil {
		return "", pki.Errorf(pki.KindNotFound, "download url", "no archive mirror configured")
	}
	record, err := s.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	url, err := s.mirror.PreSignedGetURL(ctx, packager.ArchiveName(record.Name), expireIn)
	if err != nil {
		return "", pki.Wrap(pki.KindIOFailure, "download url", "", err)
	}
	return url, nil
}

// Delete removes a device after the caller proved its credential again. The
// files are removed first; if that fails the record stays.
func (s *Service) Delete(ctx context.Context, ref string, credential Credential) (*Record, error) {
	if _, err := s.accounts.Verify(ctx, credential.Identity, credential.Password); err != nil {
		if errors.Is(err, access.ErrInvalidCredential) || errors.Is(err, access.ErrInactiveAccount) {
			return nil, pki.Errorf(pki.KindUnauthorized, "delete", "invalid password")
		}
		return nil, pki.Wrap(pki.KindRegistryFailure, "delete", "", err)
	}

	record, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	name := record.Name
	unlock := s.locks.Lock(name)
	defer unlock()
	ctx, log := logger.ContextWithLoggerDevice(ctx, name)

	// the device may have been deleted or replaced while we waited for the lock
	current, err := s.store.Get(ctx, name)
	if err != nil {
		if pki.IsKind(err, pki.KindNotFound) {
			return nil, err
		}
		return nil, pki.Wrap(pki.KindRegistryFailure, "delete", "", err)
	}
	if current.ID != record.ID {
		return nil, notFound("delete", ref)
	}
	record = current
	ctx = context.WithoutCancel(ctx)

	if err := s.engine.Remove(name); err != nil {
		log.WithError(err).Errorln("cannot remove device files, keeping record")
		return nil, err
	}
	if err := s.packager.Remove(name); err != nil {
		log.WithError(err).Errorln("cannot remove archive, keeping record")
		return nil, err
	}
	if record.ZipPath != "" && filepath.Clean(record.ZipPath) != mustArchivePath(s.packager, name) {
		if err := os.Remove(record.ZipPath); err != nil && !os.IsNotExist(err) {
			return nil, pki.Wrap(pki.KindIOFailure, "delete", record.ZipPath, err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, packager.ArchiveName(name)); err != nil {
			return nil, pki.Wrap(pki.KindIOFailure, "delete", packager.ArchiveName(name), err)
		}
	}

	if err := s.store.Delete(ctx, name); err != nil && !pki.IsKind(err, pki.KindNotFound) {
		log.WithError(err).Errorln("Error 5302: device files removed but the record cannot be deleted")
		return nil, pki.Wrap(pki.KindRegistryFailure, "delete", "", err)
	}

	deletedCounter.Inc()
	log.WithField("by", credential.Identity).Infoln("device deleted")
	s.notify(ctx, iot.Event{Type: iot.EventDeleted, Device: name, Serial: record.Serial, Timestamp: s.now().UTC()})
	return record, nil
}

func mustArchivePath(p *packager.Packager, name string) string {
	path, _ := p.ArchivePath(name)
	return filepath.Clean(path)
}

// artifact suffixes, longest first so that .bundle.crt wins over .crt
var artifactSuffixes = []string{".extensions.conf", "_certificates.zip", ".bundle.crt", ".crt", ".key", ".csr"}

// Reconcile removes the files of devices which have no record, if all their
// files are older than the grace period. It returns the names of the removed
// devices.
func (s *Service) Reconcile(ctx context.Context) ([]string, error) {
	log := logger.FromContext(ctx)
	entries, err := os.ReadDir(s.engine.OutputDir())
	if err != nil {
		return nil, pki.Wrap(pki.KindIOFailure, "reconcile", s.engine.OutputDir(), err)
	}
	cutoff := s.now().Add(-s.grace)

	newest := map[string]time.Time{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		fileName := entry.Name()
		if strings.HasPrefix(fileName, ".") {
			// temporary file of an interrupted write
			if strings.Contains(fileName, ".tmp-") && info.ModTime().Before(cutoff) {
				path := filepath.Join(s.engine.OutputDir(), fileName)
				if err := os.Remove(path); err != nil {
					log.WithError(err).WithField("path", path).Warnln("cannot remove temporary file")
				}
			}
			continue
		}
		for _, suffix := range artifactSuffixes {
			if strings.HasSuffix(fileName, suffix) {
				name := strings.TrimSuffix(fileName, suffix)
				if issuance.ValidateIdentifier(name) == nil && info.ModTime().After(newest[name]) {
					newest[name] = info.ModTime()
				}
				break
			}
		}
	}
	if len(newest) == 0 {
		return nil, nil
	}

	names, err := s.store.Names(ctx)
	if err != nil {
		return nil, pki.Wrap(pki.KindRegistryFailure, "reconcile", "", err)
	}
	registered := make(map[string]bool, len(names))
	for _, name := range names {
		registered[name] = true
	}

	var removed []string
	for name, modTime := range newest {
		if registered[name] || modTime.After(cutoff) {
			continue
		}
		ok, err := s.reconcileOne(ctx, name)
		if err != nil {
			log.WithError(err).WithField("device", name).Errorln("cannot reconcile")
			continue
		}
		if ok {
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		reconcileRemovedCounter.Add(float64(len(removed)))
		log.Infof("reconciliation removed files of %d unregistered devices", len(removed))
	}
	return removed, nil
}

// reconcileOne removes the files of name unless a create registered it since the scan
func (s *Service) reconcileOne(ctx context.Context, name string) (bool, error) {
	unlock := s.locks.Lock(name)
	defer unlock()
	ctx, _ = logger.ContextWithLoggerDevice(ctx, name)
	if _, err := s.store.Get(ctx, name); err == nil {
		return false, nil
	} else if !pki.IsKind(err, pki.KindNotFound) {
		return false, err
	}
	return true, s.removeOrphans(ctx, name)
}
