// Package identity provides pure normalization functions for raw addresses
// and protocol identifiers. All functions are stateless and idempotent.
package identity

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const (
	// DefaultDomain is the standard user namespace of the network.
	DefaultDomain = "s.whatsapp.net"
	// AliasDomain is the alternative identifier namespace. The two namespaces
	// are legitimate for the same contact and must never be conflated.
	AliasDomain = "lid"

	minAddressDigits = 7
	maxAddressDigits = 15
)

// NormalizeAddress turns a raw address into its canonical digits-only form.
// Anything after an '@' or ':' separator is discarded, non-digits are
// stripped, and leading zeros are dropped while the remaining number is
// longer than ten digits (locale trunk-prefix noise), so the result is a
// fixed point of this function. Results shorter than 7 or longer than 15
// digits are rejected and the empty string is returned.
func NormalizeAddress(raw string) string {
	s := raw
	if i := strings.IndexAny(s, "@:"); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	for len(digits) > 10 && digits[0] == '0' {
		digits = digits[1:]
	}

	if len(digits) < minAddressDigits || len(digits) > maxAddressDigits {
		return ""
	}
	return digits
}

// NormalizeProtocolID turns a raw network identifier into address@domain
// form. The device-suffix segment is stripped from the left-hand part; the
// domain is preserved verbatim. Returns the empty string when the identifier
// has no domain or the address part is invalid.
func NormalizeProtocolID(raw string) string {
	at := strings.Index(raw, "@")
	if at < 0 {
		return ""
	}

	local := raw[:at]
	domain := raw[at+1:]
	if domain == "" {
		return ""
	}

	// Drop the device suffix ("12345:3" -> "12345").
	if i := strings.Index(local, ":"); i >= 0 {
		local = local[:i]
	}

	address := NormalizeAddress(local)
	if address == "" {
		return ""
	}

	return address + "@" + domain
}

// CanonicalProtocolID builds the canonical identifier for an address. When an
// existing identifier is supplied its domain wins, so the system keeps using
// whichever namespace the network already associated with the contact.
func CanonicalProtocolID(address, existingID string) string {
	if address == "" {
		return ""
	}
	if existingID != "" {
		if at := strings.Index(existingID, "@"); at >= 0 && at < len(existingID)-1 {
			return address + "@" + existingID[at+1:]
		}
	}
	return address + "@" + DefaultDomain
}

// DomainOf returns the domain part of a protocol id, or "" if it has none.
func DomainOf(protocolID string) string {
	if at := strings.Index(protocolID, "@"); at >= 0 {
		return protocolID[at+1:]
	}
	return ""
}

// FormatDisplay renders a canonical address for humans using libphonenumber.
// Falls back to the raw address when parsing fails.
func FormatDisplay(address, region string) string {
	if address == "" {
		return ""
	}
	number, err := phonenumbers.Parse("+"+address, region)
	if err != nil || !phonenumbers.IsValidNumber(number) {
		return address
	}
	return phonenumbers.Format(number, phonenumbers.INTERNATIONAL)
}

// NormalizeE164 formats an operator-supplied phone number to E.164 before it
// is handed to NormalizeAddress. If parsing fails, it returns the trimmed input.
func NormalizeE164(input, region string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed
	}

	number, err := phonenumbers.Parse(trimmed, region)
	if err != nil {
		return trimmed
	}

	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}

	return phonenumbers.Format(number, phonenumbers.E164)
}
