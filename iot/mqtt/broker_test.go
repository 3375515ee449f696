package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type lookup map[string]bool

func (l lookup) DeviceExists(ctx context.Context, name string) (bool, error) {
	if name == "flaky" {
		return false, errors.New("registry down")
	}
	return l[name], nil
}

func TestSubscribeAllowed(t *testing.T) {
	cases := []struct {
		filter string
		ok     bool
	}{
		{"devices/sensor-01/#", true},
		{"devices/sensor-01/credentials", true},
		{"devices/sensor-01/commands/+", true},
		{"devices/sensor-01/", false},
		{"devices/sensor-01", false},
		{"devices/#", false},
		{"devices/+/telemetry", false},
		{"devices/sensor-012/telemetry", false},
		{"#", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, subscribeAllowed("sensor-01", c.filter), c.filter)
	}
	assert.False(t, subscribeAllowed("", "devices//x"))
}

func TestPublishAllowed(t *testing.T) {
	assert.True(t, publishAllowed("sensor-01", "devices/sensor-01/telemetry"))
	assert.True(t, publishAllowed("sensor-01", "devices/sensor-01/status/battery"))
	assert.False(t, publishAllowed("sensor-01", "devices/sensor-01/credentials"))
	assert.False(t, publishAllowed("sensor-01", "devices/sensor-02/telemetry"))
	assert.False(t, publishAllowed("sensor-01", "devices/sensor-01/#"))
	assert.False(t, publishAllowed("sensor-01", "telemetry"))
}

func TestAuthorize(t *testing.T) {
	p := &plugin{devices: lookup{"sensor-01": true}}
	ctx := context.Background()
	assert.NoError(t, p.authorize(ctx, "sensor-01"))
	assert.Error(t, p.authorize(ctx, "sensor-02"), "unregistered device")
	assert.Error(t, p.authorize(ctx, "../sensor-01"), "invalid common name")
	assert.Error(t, p.authorize(ctx, ""))
	assert.Error(t, p.authorize(ctx, "flaky"))
}

func TestCredentialsTopic(t *testing.T) {
	assert.Equal(t, "devices/sensor-01/credentials", CredentialsTopic("sensor-01"))
}
