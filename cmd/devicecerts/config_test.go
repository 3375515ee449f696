package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CA_DIR", "/etc/devicecerts/ca")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "./certs_output", cfg.OutputDir)
	assert.Equal(t, 2048, cfg.KeySize)
	assert.Equal(t, 365, cfg.ValidityDays)
	assert.Equal(t, "IN", cfg.Country)
	assert.Equal(t, "Prahari Technologies", cfg.Organization)
	assert.Equal(t, "file", cfg.SerialStore)
	assert.Equal(t, filepath.Join("/etc/devicecerts/ca", "ca.srl"), cfg.serialFile())
	assert.Equal(t, 10*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileGrace)
	assert.Equal(t, ":5003", cfg.Listen)
	assert.False(t, cfg.CAKeyRepair)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"CERT_KEY_SIZE":      "1024",
		"CERT_VALIDITY_DAYS": "0",
		"SERIAL_STORE":       "redis",
		"CERT_COUNTRY":       "India",
		"MQTT_LISTEN":        ":8883",
		"RECONCILE_GRACE":    "1s",
	}
	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := loadConfig()
			assert.Error(t, err)
		})
	}
}

func TestConfigHelpers(t *testing.T) {
	cfg := &Config{Postgres: "host=db user=postgres", PostgresPassword: "secret", SerialFile: "/var/lib/ca.srl"}
	assert.Equal(t, "host=db user=postgres password=secret", cfg.postgresDSN())
	assert.Equal(t, "/var/lib/ca.srl", cfg.serialFile())
	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092"))
	assert.Nil(t, splitList(""))
}
