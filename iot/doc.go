// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the device side of the certificate service

Its subpackages issue X.509 client certificates for devices (pki), keep the
registry of issued devices with a REST interface (credentials), publish device
lifecycle events to Kafka (events) and run an MQTT broker which authenticates
devices with the certificates issued to them (mqtt).

The registry only needs a Notifier to report lifecycle events. Both the Kafka
notifier and the broker satisfy this interface, and the broker in turn uses the
registry as DeviceLookup to reject certificates of deleted devices.
*/
package iot
