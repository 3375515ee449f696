// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/devicecerts/iot/pki/ca"
)

// Config holds the configuration of the service, read from the environment
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Config struct {
	CADir        string `env:"CA_DIR,default=./certs" validate:"required" description:"directory with ca.crt and ca.key"`
	OutputDir    string `env:"OUTPUT_DIR,default=./certs_output" validate:"required" description:"directory for device files"`
	KeySize      int    `env:"CERT_KEY_SIZE,default=2048" validate:"min=2048,max=8192" description:"RSA key size of device keys"`
	ValidityDays int    `env:"CERT_VALIDITY_DAYS,default=365" validate:"min=1,max=36500"`

	Country      string `env:"CERT_COUNTRY,default=IN" validate:"omitempty,len=2"`
	State        string `env:"CERT_STATE,default=Gujarat"`
	City         string `env:"CERT_CITY,default=Vadodara"`
	Organization string `env:"CERT_ORGANIZATION,default=Prahari Technologies"`
	OrgUnit      string `env:"CERT_ORG_UNIT,default=Prahari Technologies"`

	CAKeyRepair bool   `env:"CA_KEY_REPAIR,default=false" description:"narrow a too permissive CA key mode instead of refusing to sign"`
	SerialStore string `env:"SERIAL_STORE,default=file" validate:"oneof=file registry"`
	SerialFile  string `env:"SERIAL_FILE" description:"serial file, defaults to ca.srl in CA_DIR"`

	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password, empty for an in-memory registry"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=devicecerts"`

	JWTSecret        string `env:"JWT_SECRET_KEY"`
	JWTExpireMinutes int    `env:"JWT_EXPIRE_MINUTES,default=1440" validate:"min=1"`
	AdminUsername    string `env:"DEFAULT_ADMIN_USERNAME,default=admin" validate:"required,max=50"`
	AdminPassword    string `env:"DEFAULT_ADMIN_PASSWORD,default=admin123" validate:"required"`

	Listen      string `env:"LISTEN,default=:5003" validate:"required"`
	CORSOrigins string `env:"CORS_ORIGINS,default=*" description:"comma separated list of allowed origins"`

	MQTTListen   string `env:"MQTT_LISTEN" description:"listen address of the device broker, empty disables it"`
	MQTTCertFile string `env:"MQTT_CERT_FILE" validate:"required_with=MQTTListen"`
	MQTTKeyFile  string `env:"MQTT_KEY_FILE" validate:"required_with=MQTTListen"`
	MQTTHost     string `env:"MQTT_HOST,default=your-mqtt-broker.com" description:"broker host shown in the usage instructions"`
	MQTTPort     int    `env:"MQTT_PORT,default=8883" validate:"min=1,max=65535"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers, empty disables events"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=device_lifecycle"`

	S3Bucket    string `env:"S3_BUCKET" description:"bucket for archive copies, empty disables the mirror"`
	S3Region    string `env:"S3_REGION,default=eu-central-1" validate:"required_with=S3Bucket"`
	S3AccessID  string `env:"S3_ACCESS_ID"`
	S3AccessKey string `env:"S3_ACCESS_KEY" validate:"required_with=S3AccessID"`
	S3Prefix    string `env:"S3_PREFIX,default=devices/"`

	MirrorDir string `env:"MIRROR_DIR" description:"folder for archive copies when no S3_BUCKET is set, empty disables it"`
	PublicURL string `env:"PUBLIC_URL,default=http://localhost:5003" validate:"url" description:"external URL of the service, used in download links"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=10m" validate:"min=0"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE,default=5m" validate:"min=1m"`

	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`
}

// loadConfig decodes the configuration from the environment and validates it
func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("cannot decode configuration: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
		}
		return err
	}
	return nil
}

// serialFile is the serial file of the CA
func (c *Config) serialFile() string {
	if c.SerialFile != "" {
		return c.SerialFile
	}
	return filepath.Join(c.CADir, ca.SerialFileName)
}

// postgresDSN is the connection string including the password
func (c *Config) postgresDSN() string {
	if c.PostgresPassword == "" {
		return c.Postgres
	}
	return c.Postgres + " password=" + c.PostgresPassword
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
