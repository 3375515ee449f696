// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package credentials implements the device registry and its REST interface

The registry keeps one record per device with the device name, a copy of the
device certificate and the location of the provisioning archive. It creates
devices through the issuance engine and the packager, and it guarantees that a
record only exists for a device whose files were all written. Deleting a device
removes its files first and the record last.

The API provides the following REST routes:
	POST   /devices/create                  {"name": "sensor-01"}
	GET    /devices                         list of devices, newest first
	GET    /devices/{device}/view           ?cert_type=device_cert|ca_cert|private_key|bundle
	GET    /devices/{device}/download       the archive {name}_certificates.zip
	GET    /devices/{device}/download-url   pre-signed URL of the mirrored archive
	DELETE /devices/{device}                ?password=<caller's password>
	GET    /health
	GET    /

{device} is either the record id or the device name. All /devices routes need an
authorization in the request context, see package access. Deleting requires the
caller's password again.

Concurrency

Operations on the same device name are serialized by an in-process lock. Across
service instances the unique name constraint of the store decides, and device
files are created exclusively, so a second instance sharing the output directory
fails with Conflict instead of overwriting files.

Reconciliation

If the record cannot be written after the files were created, the files stay on
disk. A later create for the same name removes them before issuing again, and
Reconcile periodically removes files of unregistered devices once they are older
than the grace period.
*/
package credentials
