// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package issuance creates device identities signed by the service's CA.

For a device identifier, the engine generates an RSA key, builds a certificate
signing request with the configured organizational subject and CN=identifier,
signs it with the CA and writes three files into the output directory:

	{id}.key         PKCS#8 private key, mode 0600
	{id}.crt         device certificate, mode 0644
	{id}.bundle.crt  device certificate followed by the CA certificate, mode 0644

Everything happens in-process. The signing request and the extensions never
touch the disk. If any step fails, the files created by that call are removed
again before the error is returned.
*/
package issuance

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot/pki"
	"github.com/relabs-tech/devicecerts/iot/pki/ca"
)

// defaults
const (
	DefaultKeySize      = 2048
	DefaultValidityDays = 365
)

// Subject holds the fixed organizational fields of device certificates
type Subject struct {
	Country            string
	State              string
	Locality           string
	Organization       string
	OrganizationalUnit string
}

func (s Subject) name(commonName string) pkix.Name {
	name := pkix.Name{CommonName: commonName}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.State != "" {
		name.Province = []string{s.State}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	return name
}

// Config is the configuration of the Engine
type Config struct {
	// OutputDir is the directory the device files are written to. This is mandatory.
	OutputDir string
	// KeySize is the RSA key size in bits, default 2048
	KeySize int
	// ValidityDays is the validity of device certificates, default 365
	ValidityDays int
	// Subject contains the organizational subject fields
	Subject Subject
}

// Paths are the file paths belonging to one device identifier
type Paths struct {
	Key    string
	Cert   string
	Bundle string
	// Request and Extensions are scratch files of older tool versions. They
	// are never written, only removed when found.
	Request    string
	Extensions string
}

// Persistent returns the paths of the files a successful issuance leaves behind
func (p Paths) Persistent() []string {
	return []string{p.Key, p.Cert, p.Bundle}
}

// DeviceIdentity is the result of a successful issuance
type DeviceIdentity struct {
	ID    string
	Paths Paths
	// Certificate is the parsed device certificate
	Certificate *x509.Certificate
	// CertificatePEM is the PEM text of the device certificate
	CertificatePEM []byte
	// BundlePEM is the device certificate followed by the CA certificate
	BundlePEM []byte
}

// Serial returns the serial number of the device certificate
func (d *DeviceIdentity) Serial() *big.Int {
	return d.Certificate.SerialNumber
}

// Engine issues device certificates. It is safe for concurrent use; the
// signing step, including serial allocation, is serialized.
type Engine struct {
	ca           *ca.Store
	serials      ca.SerialAllocator
	outputDir    string
	keySize      int
	validityDays int
	subject      Subject

	signMutex sync.Mutex
	now       func() time.Time
}

// New returns a new engine. The output directory is created if it does not exist.
func New(store *ca.Store, serials ca.SerialAllocator, config Config) (*Engine, error) {
	if store == nil {
		panic("CA store is missing")
	}
	if serials == nil {
		panic("serial allocator is missing")
	}
	if config.OutputDir == "" {
		return nil, errors.New("output directory is missing")
	}
	e := &Engine{
		ca:           store,
		serials:      serials,
		outputDir:    config.OutputDir,
		keySize:      config.KeySize,
		validityDays: config.ValidityDays,
		subject:      config.Subject,
		now:          time.Now,
	}
	if e.keySize == 0 {
		e.keySize = DefaultKeySize
	}
	if e.validityDays == 0 {
		e.validityDays = DefaultValidityDays
	}
	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return nil, pki.Wrap(pki.KindIOFailure, "create output directory", e.outputDir, err)
	}
	return e, nil
}

// CA returns the engine's certificate authority
func (e *Engine) CA() *ca.Store {
	return e.ca
}

// OutputDir returns the output directory
func (e *Engine) OutputDir() string {
	return e.outputDir
}

// Subject returns the organizational subject fields
func (e *Engine) Subject() Subject {
	return e.subject
}

// ValidityDays returns the validity of issued certificates in days
func (e *Engine) ValidityDays() int {
	return e.validityDays
}

// Paths returns the file paths for id. It fails for identifiers that would
// escape the output directory.
func (e *Engine) Paths(id string) (Paths, error) {
	if err := ValidateIdentifier(id); err != nil {
		return Paths{}, err
	}
	base := filepath.Join(e.outputDir, id)
	if filepath.Dir(base) != filepath.Clean(e.outputDir) {
		return Paths{}, invalid("device name '%s' escapes the output directory", id)
	}
	return Paths{
		Key:        base + ".key",
		Cert:       base + ".crt",
		Bundle:     base + ".bundle.crt",
		Request:    base + ".csr",
		Extensions: base + ".extensions.conf",
	}, nil
}

// Issue creates a new device identity for id. Issue fails with Conflict if any
// of the device files exists already.
//
// The context is only used for logging and serial allocation. Callers that must
// not abort mid-sequence pass a context without cancellation.
func (e *Engine) Issue(ctx context.Context, id string) (*DeviceIdentity, error) {
	paths, err := e.Paths(id)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).WithField("device", id)

	if err := e.ca.Validate(); err != nil {
		return nil, err
	}

	var created []string
	success := false
	defer func() {
		if success {
			return
		}
		for _, path := range created {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.WithError(err).WithField("path", path).Errorln("cannot remove partial artifact")
			}
		}
	}()

	log.Debugf("generating %d bit key", e.keySize)
	key, err := rsa.GenerateKey(rand.Reader, e.keySize)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "generate key", "", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "encode key", "", err)
	}
	if err := writeExclusive(paths.Key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600, &created); err != nil {
		return nil, err
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: e.subject.name(id),
	}, key)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "create request", "", err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "parse request", "", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "verify request", "", err)
	}

	log.Debugln("signing request")
	certDER, err := e.sign(ctx, csr, ExtensionsFor(id))
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "parse certificate", "", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	bundlePEM := make([]byte, 0, len(certPEM)+len(e.ca.CertificatePEM()))
	bundlePEM = append(bundlePEM, certPEM...)
	bundlePEM = append(bundlePEM, e.ca.CertificatePEM()...)

	if err := writeExclusive(paths.Cert, certPEM, 0644, &created); err != nil {
		return nil, err
	}
	if err := writeExclusive(paths.Bundle, bundlePEM, 0644, &created); err != nil {
		return nil, err
	}

	for _, scratch := range []string{paths.Request, paths.Extensions} {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			return nil, pki.Wrap(pki.KindIOFailure, "remove scratch file", scratch, err)
		}
	}

	success = true
	log.WithField("serial", cert.SerialNumber.Text(16)).Infoln("issued device certificate")
	return &DeviceIdentity{
		ID:             id,
		Paths:          paths,
		Certificate:    cert,
		CertificatePEM: certPEM,
		BundlePEM:      bundlePEM,
	}, nil
}

// sign allocates a serial number and signs the request. Both happen under the
// signing mutex.
func (e *Engine) sign(ctx context.Context, csr *x509.CertificateRequest, ext Extensions) ([]byte, error) {
	skid, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "sign", "", err)
	}

	e.signMutex.Lock()
	defer e.signMutex.Unlock()

	serial, err := e.serials.Next(ctx)
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "allocate serial", "", err)
	}
	now := e.now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, e.validityDays),
		SubjectKeyId: skid,
	}
	ext.apply(template)

	der, err := x509.CreateCertificate(rand.Reader, template, e.ca.Certificate(), csr.PublicKey, e.ca.Signer())
	if err != nil {
		return nil, pki.Wrap(pki.KindSigningFailure, "sign", "", err)
	}
	return der, nil
}

// subjectKeyID is the SHA-1 hash of the subject public key bits (RFC 5280, method 1)
func subjectKeyID(pub interface{}) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var info struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, err
	}
	sum := sha1.Sum(info.PublicKey.Bytes)
	return sum[:], nil
}

// writeExclusive creates path with data. It fails with Conflict if path exists.
// On success path is appended to created.
func writeExclusive(path string, data []byte, mode os.FileMode, created *[]string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if os.IsExist(err) {
		return &pki.Error{Kind: pki.KindConflict, Op: "write artifact", Path: path, Message: "file exists already"}
	}
	if err != nil {
		return pki.Wrap(pki.KindIOFailure, "write artifact", path, err)
	}
	*created = append(*created, path)

	// the final mode must not depend on the umask
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return pki.Wrap(pki.KindIOFailure, "write artifact", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return pki.Wrap(pki.KindIOFailure, "write artifact", path, err)
	}
	if err := f.Close(); err != nil {
		return pki.Wrap(pki.KindIOFailure, "write artifact", path, err)
	}
	return nil
}

// Remove deletes the device files of id. Missing files are ignored. All files
// are attempted, the first failure is returned.
func (e *Engine) Remove(id string) error {
	paths, err := e.Paths(id)
	if err != nil {
		return err
	}
	var first error
	for _, path := range append(paths.Persistent(), paths.Request, paths.Extensions) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Default().WithError(err).WithField("path", path).Errorln("cannot remove device file")
			if first == nil {
				first = pki.Wrap(pki.KindIOFailure, "remove artifact", path, err)
			}
		}
	}
	return first
}

// ExistingArtifacts returns those device files of id that exist, including
// scratch files left by older tool versions
func (e *Engine) ExistingArtifacts(id string) ([]string, error) {
	paths, err := e.Paths(id)
	if err != nil {
		return nil, err
	}
	var existing []string
	for _, path := range append(paths.Persistent(), paths.Request, paths.Extensions) {
		if _, err := os.Lstat(path); err == nil {
			existing = append(existing, path)
		} else if !os.IsNotExist(err) {
			return nil, pki.Wrap(pki.KindIOFailure, "stat artifact", path, err)
		}
	}
	return existing, nil
}

// Inspect parses the issued certificate of id
func (e *Engine) Inspect(id string) (*x509.Certificate, error) {
	paths, err := e.Paths(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(paths.Cert)
	if os.IsNotExist(err) {
		return nil, &pki.Error{Kind: pki.KindNotFound, Op: "inspect", Path: paths.Cert, Message: "certificate not found"}
	}
	if err != nil {
		return nil, pki.Wrap(pki.KindIOFailure, "inspect", paths.Cert, err)
	}
	block, _ := pem.Decode(bytes.TrimSpace(data))
	if block == nil {
		return nil, &pki.Error{Kind: pki.KindIOFailure, Op: "inspect", Path: paths.Cert, Message: "no PEM certificate found"}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, pki.Wrap(pki.KindIOFailure, "inspect", paths.Cert, err)
	}
	return cert, nil
}
