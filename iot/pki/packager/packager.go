// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package packager bundles a device identity into a provisioning archive.

The archive {id}_certificates.zip lives in the output directory next to the
device files. It contains, in this order:

	{id}.key
	{id}.crt
	{id}.bundle.crt
	ca.crt
	USAGE_INSTRUCTIONS.txt

Missing device files are skipped. Packing again replaces the archive; with an
unchanged set of files the list of entries stays the same.
*/
package packager

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/iot/pki"
	"github.com/relabs-tech/devicecerts/iot/pki/ca"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
)

// defaults for the connection example in the usage document
const (
	DefaultBrokerHost = "your-mqtt-broker.com"
	DefaultBrokerPort = 8883
)

// Config is the configuration of the Packager
type Config struct {
	// BrokerHost and BrokerPort are shown in the connection example
	BrokerHost string
	BrokerPort int
}

// Packager writes device archives
type Packager struct {
	engine *issuance.Engine
	host   string
	port   int
	now    func() time.Time
}

// New returns a new packager for the devices of engine
func New(engine *issuance.Engine, config Config) *Packager {
	if engine == nil {
		panic("engine is missing")
	}
	p := &Packager{
		engine: engine,
		host:   config.BrokerHost,
		port:   config.BrokerPort,
		now:    time.Now,
	}
	if p.host == "" {
		p.host = DefaultBrokerHost
	}
	if p.port == 0 {
		p.port = DefaultBrokerPort
	}
	return p
}

// ArchiveName returns the file name of the archive for id
func ArchiveName(id string) string {
	return id + "_certificates.zip"
}

// ArchivePath returns the path of the archive for id
func (p *Packager) ArchivePath(id string) (string, error) {
	if _, err := p.engine.Paths(id); err != nil {
		return "", err
	}
	return filepath.Join(p.engine.OutputDir(), ArchiveName(id)), nil
}

type source struct {
	name        string
	path        string
	mode        os.FileMode
	description string
}

// Pack writes the archive for id and returns its path
func (p *Packager) Pack(ctx context.Context, id string) (string, error) {
	paths, err := p.engine.Paths(id)
	if err != nil {
		return "", err
	}
	archivePath, _ := p.ArchivePath(id)
	log := logger.FromContext(ctx).WithField("device", id)

	sources := []source{
		{id + ".key", paths.Key, 0600, "Device Private Key (keep secure!)"},
		{id + ".crt", paths.Cert, 0644, "Device Certificate (client certificate)"},
		{id + ".bundle.crt", paths.Bundle, 0644, "Certificate Bundle (device cert + CA cert)"},
		{ca.CertFileName, p.engine.CA().CertFile(), 0644, "Root CA Certificate (for server verification)"},
	}

	now := p.now()
	usage := usageData{
		Device:       id,
		Generated:    now,
		Host:         p.host,
		Port:         p.port,
		ValidityDays: p.engine.ValidityDays(),
		Subject:      p.engine.Subject(),
	}
	if cert, err := p.engine.Inspect(id); err == nil {
		usage.NotBefore = cert.NotBefore
		usage.NotAfter = cert.NotAfter
	}

	type entry struct {
		source
		data []byte
	}
	var entries []entry
	for _, s := range sources {
		data, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			log.WithField("path", s.path).Warnln("skipping missing file")
			continue
		}
		if err != nil {
			return "", pki.Wrap(pki.KindIOFailure, "pack", s.path, err)
		}
		entries = append(entries, entry{source: s, data: data})
		usage.Files = append(usage.Files, manifestEntry{Name: s.name, Description: s.description})
	}
	usageText, err := renderUsage(usage)
	if err != nil {
		return "", pki.Wrap(pki.KindIOFailure, "render usage", "", err)
	}
	entries = append(entries, entry{source: source{name: UsageFileName, mode: 0644}, data: usageText})

	tmp, err := os.CreateTemp(p.engine.OutputDir(), "."+ArchiveName(id)+".tmp-*")
	if err != nil {
		return "", pki.Wrap(pki.KindIOFailure, "pack", archivePath, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw := zip.NewWriter(tmp)
	for _, e := range entries {
		header := &zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: now,
		}
		header.SetMode(e.mode)
		w, err := zw.CreateHeader(header)
		if err == nil {
			_, err = w.Write(e.data)
		}
		if err != nil {
			tmp.Close()
			return "", pki.Wrap(pki.KindIOFailure, "pack", tmpName, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return "", pki.Wrap(pki.KindIOFailure, "pack", tmpName, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return "", pki.Wrap(pki.KindIOFailure, "pack", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return "", pki.Wrap(pki.KindIOFailure, "pack", tmpName, err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return "", pki.Wrap(pki.KindIOFailure, "pack", archivePath, err)
	}
	log.WithField("path", archivePath).Debugf("packed %d entries", len(entries))
	return archivePath, nil
}

// Remove deletes the archive for id. A missing archive is not an error.
func (p *Packager) Remove(id string) error {
	archivePath, err := p.ArchivePath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return pki.Wrap(pki.KindIOFailure, "remove archive", archivePath, err)
	}
	return nil
}
