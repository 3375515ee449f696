// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package packager

import (
	"bytes"
	"text/template"
	"time"

	"github.com/relabs-tech/devicecerts/iot/pki/issuance"
)

// UsageFileName is the name of the usage document inside the archive
const UsageFileName = "USAGE_INSTRUCTIONS.txt"

type usageData struct {
	Device       string
	Generated    time.Time
	Files        []manifestEntry
	Host         string
	Port         int
	ValidityDays int
	NotBefore    time.Time
	NotAfter     time.Time
	Subject      issuance.Subject
}

type manifestEntry struct {
	Name        string
	Description string
}

var usageTemplate = template.Must(template.New("usage").Parse(`IoT Device Certificate Usage Instructions
========================================

Device Name: {{.Device}}
Generated: {{.Generated.Format "2006-01-02 15:04:05 MST"}}

Files included in this package:
-------------------------------
{{range .Files}}- {{.Name}}: {{.Description}}
{{end}}
MQTT Configuration:
------------------
For secure MQTT connection, use these files:

1. CA Certificate: ca.crt
2. Client Certificate: {{.Device}}.crt
3. Client Private Key: {{.Device}}.key

The MQTT client id must be the device name. The device may publish and
subscribe below devices/{{.Device}}/ only.

Example mosquitto_pub command:
mosquitto_pub -h {{.Host}} -p {{.Port}} \
  --cafile ca.crt \
  --cert {{.Device}}.crt \
  --key {{.Device}}.key \
  -i {{.Device}} \
  -t devices/{{.Device}}/telemetry \
  -m "Hello from {{.Device}}"

Example mosquitto_sub command:
mosquitto_sub -h {{.Host}} -p {{.Port}} \
  --cafile ca.crt \
  --cert {{.Device}}.crt \
  --key {{.Device}}.key \
  -i {{.Device}} \
  -t devices/{{.Device}}/#

Security Notes:
--------------
- Keep the private key ({{.Device}}.key) secure and never share it
- The certificate is valid for {{.ValidityDays}} days
{{- if not .NotAfter.IsZero}}
- Valid from {{.NotBefore.Format "2006-01-02 15:04:05 MST"}} until {{.NotAfter.Format "2006-01-02 15:04:05 MST"}}
{{- end}}
- Use TLS/SSL port (usually 8883) for MQTT connections
- Verify the server certificate using the provided CA certificate

Organization: {{.Subject.Organization}}
{{- with .Subject.OrganizationalUnit}} / {{.}}{{end}}
Location: {{.Subject.Locality}}, {{.Subject.State}}, {{.Subject.Country}}
`))

func renderUsage(data usageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := usageTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
