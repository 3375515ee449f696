// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package mqtt provides an MQTT broker for devices with issued certificates

Devices connect with mutual TLS using the key and certificate from their
provisioning archive. A connection is accepted when the certificate verifies
against the device CA, its common name is a registered device and the MQTT
client id equals the common name. Deleting a device therefore locks it out on
the next connection attempt.

Each device is confined to its own topics:

	devices/{device}/telemetry     published by the device
	devices/{device}/#             subscribed by the device
	devices/{device}/credentials   lifecycle notices, published by the broker only

The broker implements iot.Notifier and publishes "created" and "deleted" events
on the credentials topic.
*/
package mqtt
