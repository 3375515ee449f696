// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package issuance

import "crypto/x509"

// Extensions describes the extensions of a device certificate. It only lives
// for the duration of one signing operation.
type Extensions struct {
	IsCA        bool
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
	DNSNames    []string
}

// ExtensionsFor returns the extensions of the device certificate for id: a client
// authentication leaf with the alternative names id and id.local
func ExtensionsFor(id string) Extensions {
	return Extensions{
		IsCA: false,
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageContentCommitment | // non-repudiation
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{id, id + ".local"},
	}
}

// apply sets the extensions on a certificate template
func (e Extensions) apply(template *x509.Certificate) {
	template.IsCA = e.IsCA
	template.BasicConstraintsValid = true
	template.KeyUsage = e.KeyUsage
	template.ExtKeyUsage = append([]x509.ExtKeyUsage(nil), e.ExtKeyUsage...)
	template.DNSNames = append([]string(nil), e.DNSNames...)
}
