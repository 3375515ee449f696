// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package issuance

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relabs-tech/devicecerts/iot/pki"
)

// MaxIdentifierLength is the maximum length of a device identifier
const MaxIdentifierLength = 100

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NormalizeIdentifier trims surrounding whitespace and lower-cases id. Callers
// normalize at the API boundary, before validation.
func NormalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// ValidateIdentifier returns an InvalidIdentifier error unless id consists of
// 1 to 100 letters, digits, hyphens and underscores.
func ValidateIdentifier(id string) error {
	switch {
	case len(id) == 0:
		return invalid("device name must not be empty")
	case len(id) > MaxIdentifierLength:
		return invalid("device name must not be longer than %d characters", MaxIdentifierLength)
	case strings.ContainsAny(id, `/\`) || strings.Contains(id, ".."):
		return invalid("device name '%s' must not contain path elements", id)
	case !identifierPattern.MatchString(id):
		return invalid("device name '%s' must only contain letters, numbers, hyphens and underscores", id)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return &pki.Error{Kind: pki.KindInvalidIdentifier, Op: "validate identifier", Message: fmt.Sprintf(format, args...)}
}
