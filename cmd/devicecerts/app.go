// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/devicecerts/core/access"
	"github.com/relabs-tech/devicecerts/core/csql"
	"github.com/relabs-tech/devicecerts/core/kss"
	"github.com/relabs-tech/devicecerts/core/logger"
	"github.com/relabs-tech/devicecerts/core/registry"
	"github.com/relabs-tech/devicecerts/iot"
	"github.com/relabs-tech/devicecerts/iot/credentials"
	"github.com/relabs-tech/devicecerts/iot/events"
	"github.com/relabs-tech/devicecerts/iot/pki/ca"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
	"github.com/relabs-tech/devicecerts/iot/pki/packager"
)

// accountStore is implemented by access.SQLAccounts and access.MemoryAccounts
type accountStore interface {
	access.Accounts
	EnsureAccount(ctx context.Context, identity, password string, roles ...string) error
}

// app holds the wired components
type app struct {
	cfg      *Config
	ca       *ca.Store
	engine   *issuance.Engine
	packager *packager.Packager
	accounts accountStore
	service  *credentials.Service
	// notifiers receives the broker once it is running
	notifiers *iot.Notifiers
	closers   []io.Closer
}

// newApp opens the CA, the database and the optional integrations. The router
// receives the download route of a local archive mirror, it may be nil for
// commands which do not serve.
func newApp(ctx context.Context, cfg *Config, router *mux.Router) (*app, error) {
	log := logger.Default()
	a := &app{cfg: cfg, notifiers: &iot.Notifiers{}}

	caStore, err := ca.Open(ca.Config{Dir: cfg.CADir, RepairKeyMode: cfg.CAKeyRepair})
	if err != nil {
		return nil, err
	}
	a.ca = caStore
	log.Infof("certificate authority %s", caStore.Certificate().Subject)

	var (
		db    *csql.DB
		store credentials.Store
	)
	if cfg.Postgres != "" {
		db, err = csql.OpenWithSchema(cfg.postgresDSN(), cfg.PostgresSchema)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		pgStore, err := credentials.NewPostgresStore(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		store = pgStore
		sqlAccounts, err := access.NewSQLAccounts(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.accounts = sqlAccounts
	} else {
		log.Warnln("no POSTGRES configured, device records are kept in memory only")
		store = credentials.NewMemoryStore()
		a.accounts = access.NewMemoryAccounts()
	}

	var serials ca.SerialAllocator
	switch cfg.SerialStore {
	case "registry":
		if db == nil {
			a.Close()
			return nil, fmt.Errorf("SERIAL_STORE=registry requires POSTGRES")
		}
		reg, err := registry.New(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		serials = ca.NewRegistrySerial(reg.Accessor("pki"), caStore)
	default:
		serials = ca.NewFileSerial(cfg.serialFile())
	}

	a.engine, err = issuance.New(caStore, serials, issuance.Config{
		OutputDir:    cfg.OutputDir,
		KeySize:      cfg.KeySize,
		ValidityDays: cfg.ValidityDays,
		Subject: issuance.Subject{
			Country:            cfg.Country,
			State:              cfg.State,
			Locality:           cfg.City,
			Organization:       cfg.Organization,
			OrganizationalUnit: cfg.OrgUnit,
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.packager = packager.New(a.engine, packager.Config{BrokerHost: cfg.MQTTHost, BrokerPort: cfg.MQTTPort})

	var mirror kss.Driver
	if cfg.S3Bucket != "" {
		s3, err := kss.NewS3(ctx, kss.S3Configuration{
			AWSRegion:     cfg.S3Region,
			AWSBucketName: cfg.S3Bucket,
			KeyPrefix:     cfg.S3Prefix,
			AccessID:      cfg.S3AccessID,
			AccessKey:     cfg.S3AccessKey,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		mirror = s3
	} else if cfg.MirrorDir != "" {
		publicURL, err := url.Parse(cfg.PublicURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		local, err := kss.NewLocalFilesystem(router, kss.LocalConfiguration{BaseFolder: cfg.MirrorDir}, *publicURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		mirror = local
	}

	if brokers := splitList(cfg.KafkaBrokers); len(brokers) > 0 {
		kafka, err := events.NewKafkaNotifier(brokers, cfg.KafkaTopic)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, kafka)
		*a.notifiers = append(*a.notifiers, kafka)
	}

	a.service = credentials.NewService(&credentials.Builder{
		Engine:         a.engine,
		Packager:       a.packager,
		Store:          store,
		Accounts:       a.accounts,
		Mirror:         mirror,
		Notifier:       a.notifiers,
		ReconcileGrace: cfg.ReconcileGrace,
	})
	return a, nil
}

// Close closes the database and the event writer
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
