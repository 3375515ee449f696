// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package ca holds the certificate authority the service issues device certificates from.

The CA certificate and key are parsed once by Open and stay immutable for the
lifetime of the process; rotating the CA requires a restart with replaced files.
Validate must be called before every issuance, since the key file's permissions
can be changed externally at any time.
*/
package ca

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot/pki"
)

// default file names inside the CA directory
const (
	CertFileName   = "ca.crt"
	KeyFileName    = "ca.key"
	SerialFileName = "ca.srl"
)

// keyMode is the only access mode accepted for the CA key
const keyMode os.FileMode = 0600

// Config is the configuration of a Store
type Config struct {
	// Dir is the CA directory containing ca.crt and ca.key. This is mandatory.
	Dir string
	// CertFile overrides the path of the CA certificate
	CertFile string
	// KeyFile overrides the path of the CA private key
	KeyFile string
	// RepairKeyMode narrows a too permissive key mode to 0600. Without it, an
	// insecure key is reported and issuance is refused.
	RepairKeyMode bool
}

// Store is the CA identity together with its guard
type Store struct {
	certFile string
	keyFile  string
	repair   bool

	cert    *x509.Certificate
	certPEM []byte
	signer  crypto.Signer
}

// Open validates the CA files and parses them. The returned store is safe for concurrent use.
func Open(config Config) (*Store, error) {
	if config.Dir == "" && (config.CertFile == "" || config.KeyFile == "") {
		return nil, pki.Errorf(pki.KindCAUnavailable, "open ca", "CA directory is missing")
	}
	s := &Store{
		certFile: config.CertFile,
		keyFile:  config.KeyFile,
		repair:   config.RepairKeyMode,
	}
	if s.certFile == "" {
		s.certFile = filepath.Join(config.Dir, CertFileName)
	}
	if s.keyFile == "" {
		s.keyFile = filepath.Join(config.Dir, KeyFileName)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	certData, err := os.ReadFile(s.certFile)
	if err != nil {
		return nil, pki.Wrap(pki.KindCAUnavailable, "open ca", s.certFile, err)
	}
	block, _ := pem.Decode(certData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, &pki.Error{Kind: pki.KindCAUnavailable, Op: "open ca", Path: s.certFile, Message: "no PEM certificate found"}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, pki.Wrap(pki.KindCAUnavailable, "open ca", s.certFile, err)
	}
	if !cert.IsCA {
		return nil, &pki.Error{Kind: pki.KindCAUnavailable, Op: "open ca", Path: s.certFile, Message: "certificate is not a CA"}
	}

	keyData, err := os.ReadFile(s.keyFile)
	if err != nil {
		return nil, pki.Wrap(pki.KindCAUnavailable, "open ca", s.keyFile, err)
	}
	signer, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, pki.Wrap(pki.KindCAUnavailable, "open ca", s.keyFile, err)
	}
	if !publicKeysEqual(signer.Public(), cert.PublicKey) {
		return nil, &pki.Error{Kind: pki.KindCAUnavailable, Op: "open ca", Path: s.keyFile, Message: "key does not match CA certificate"}
	}

	s.cert = cert
	s.certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	s.signer = signer
	logger.Default().WithField("subject", cert.Subject.String()).Infoln("CA loaded from", s.certFile)
	return s, nil
}

// Validate checks that CA certificate and key exist and that the key is only
// accessible by its owner. A too permissive key is narrowed to 0600 if the store
// was opened with RepairKeyMode, otherwise it is refused. An insecure key that
// cannot be repaired is treated like a missing key.
func (s *Store) Validate() error {
	if _, err := os.Stat(s.certFile); err != nil {
		return pki.Wrap(pki.KindCAUnavailable, "validate ca", s.certFile, err)
	}
	info, err := os.Stat(s.keyFile)
	if err != nil {
		return pki.Wrap(pki.KindCAUnavailable, "validate ca", s.keyFile, err)
	}
	if !info.Mode().IsRegular() {
		return &pki.Error{Kind: pki.KindCAUnavailable, Op: "validate ca", Path: s.keyFile, Message: "not a regular file"}
	}
	mode := info.Mode().Perm()
	if mode&^keyMode == 0 {
		return nil
	}

	log := logger.Default().WithField("path", s.keyFile)
	if !s.repair {
		log.Errorf("CA key has insecure mode %#o, refusing to issue", mode)
		return &pki.Error{Kind: pki.KindCAUnavailable, Op: "validate ca", Path: s.keyFile,
			Message: fmt.Sprintf("insecure key mode %#o", mode)}
	}
	if err := os.Chmod(s.keyFile, keyMode); err != nil {
		log.WithError(err).Errorf("cannot narrow CA key mode %#o", mode)
		return pki.Wrap(pki.KindCAUnavailable, "validate ca", s.keyFile, err)
	}
	// chmod can succeed without effect, for example on some mounted filesystems
	info, err = os.Stat(s.keyFile)
	if err != nil {
		return pki.Wrap(pki.KindCAUnavailable, "validate ca", s.keyFile, err)
	}
	if info.Mode().Perm()&^keyMode != 0 {
		return &pki.Error{Kind: pki.KindCAUnavailable, Op: "validate ca", Path: s.keyFile,
			Message: fmt.Sprintf("key mode is still %#o after repair", info.Mode().Perm())}
	}
	log.Warnf("CA key mode narrowed from %#o to %#o", mode, keyMode)
	return nil
}

// Valid is the boolean form of Validate
func (s *Store) Valid() bool {
	return s.Validate() == nil
}

// Certificate returns the parsed CA certificate
func (s *Store) Certificate() *x509.Certificate {
	return s.cert
}

// CertificatePEM returns the CA certificate in PEM encoding
func (s *Store) CertificatePEM() []byte {
	return s.certPEM
}

// Signer returns the CA private key
func (s *Store) Signer() crypto.Signer {
	return s.signer
}

// CertFile returns the path of the CA certificate
func (s *Store) CertFile() string {
	return s.certFile
}

// KeyFile returns the path of the CA private key
func (s *Store) KeyFile() string {
	return s.keyFile
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no PEM private key found")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, fmt.Errorf("unsupported private key type %T", key)
			}
			return signer, nil
		}
		// skip "EC PARAMETERS" and similar blocks
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	ad, err := x509.MarshalPKIXPublicKey(a)
	if err != nil {
		return false
	}
	bd, err := x509.MarshalPKIXPublicKey(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ad, bd)
}
