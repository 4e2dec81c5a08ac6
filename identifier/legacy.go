package identifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// legacyPrefix matches the ad-hoc names older processes registered under, e.g. "server-12",
// "proxy_3" or "lobby150".
var (
	legacyPrefix = regexp.MustCompile(`(?i)^(server|proxy|srv|px|lobby|game)`)
	legacySuffix = regexp.MustCompile(`(\d+)$`)

	legacyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fleet-registry/legacy-identifier"))
)

// LegacyCreatedAtMillis is stamped on every migrated identifier, so migrating the same legacy
// string always yields the same canonical form. Migrated ids sort before native ones.
const LegacyCreatedAtMillis = 1

// FromLegacy migrates an identifier written in one of the older ad-hoc formats. A canonical
// string is returned as parsed. For a known legacy prefix the trailing number becomes the
// instance id modulo 100, so "server-150" and "server-50" both map to instance 50. Any other
// shape gets instance 0. The UUID is a name-based hash of the legacy string, so migrating the
// same legacy id twice yields the same identifier.
func FromLegacy(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, fmt.Errorf("%w: legacy identifier", ErrNullField)
	}
	if id, err := Parse(s); err == nil {
		return id, nil
	}
	instance := 0
	if legacyPrefix.MatchString(s) {
		if m := legacySuffix.FindStringSubmatch(s); m != nil {
			digits := m[1]
			if len(digits) > 2 {
				digits = digits[len(digits)-2:]
			}
			instance, _ = strconv.Atoi(digits)
		}
	}
	u := uuid.NewSHA1(legacyNamespace, []byte(strings.ToLower(s)))
	return NewFrom(u, instance, LegacyCreatedAtMillis, 0)
}

// ParseOrLegacy accepts either format, preferring the canonical one.
func ParseOrLegacy(s string) (ID, error) {
	if id, err := Parse(s); err == nil {
		return id, nil
	}
	return FromLegacy(s)
}
