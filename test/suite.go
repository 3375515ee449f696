//go:build integration

// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package test contains the integration suite. It starts a Postgres container
// and runs the registry against it:
//
//	go test -tags integration ./test/...
package test

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/devicecerts/core/access"
	"github.com/relabs-tech/devicecerts/core/csql"
	"github.com/relabs-tech/devicecerts/core/registry"
	"github.com/relabs-tech/devicecerts/iot/credentials"
	"github.com/relabs-tech/devicecerts/iot/pki/ca"
	"github.com/relabs-tech/devicecerts/iot/pki/ca/catest"
	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
	"github.com/relabs-tech/devicecerts/iot/pki/packager"
)

// IntegrationTestSuite runs against a real Postgres database
type IntegrationTestSuite struct {
	suite.Suite

	postgresContainer testcontainers.Container
	postgresDSN       string
	db                *csql.DB

	caDir     string
	outputDir string
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.postgresDSN = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB)
	s.db, err = csql.OpenWithSchema(s.postgresDSN, "devicecerts")
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) SetupTest() {
	s.Require().NoError(s.db.ClearSchema())
	s.caDir = s.T().TempDir()
	s.outputDir = s.T().TempDir()
	catest.Write(s.T(), s.caDir)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.db != nil {
		s.db.Close()
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
}

// newService returns a registry instance on the suite database. Several
// instances share the database like replicas would.
func (s *IntegrationTestSuite) newService(serialStore string) *credentials.Service {
	return s.newServiceIn(serialStore, s.outputDir)
}

// newServiceIn returns a registry instance writing to its own output directory
func (s *IntegrationTestSuite) newServiceIn(serialStore, outputDir string) *credentials.Service {
	ctx := context.Background()
	store, err := ca.Open(ca.Config{Dir: s.caDir})
	s.Require().NoError(err)

	var serials ca.SerialAllocator = ca.NewFileSerial(filepath.Join(s.caDir, ca.SerialFileName))
	if serialStore == "registry" {
		reg, err := registry.New(s.db)
		s.Require().NoError(err)
		serials = ca.NewRegistrySerial(reg.Accessor("pki"), store)
	}

	engine, err := issuance.New(store, serials, issuance.Config{OutputDir: outputDir})
	s.Require().NoError(err)
	records, err := credentials.NewPostgresStore(s.db)
	s.Require().NoError(err)
	accounts, err := access.NewSQLAccounts(s.db)
	s.Require().NoError(err)
	s.Require().NoError(accounts.EnsureAccount(ctx, "admin", "admin123", "admin"))

	return credentials.NewService(&credentials.Builder{
		Engine:   engine,
		Packager: packager.New(engine, packager.Config{}),
		Store:    records,
		Accounts: accounts,
	})
}
