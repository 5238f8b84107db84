// Package normalize canonicalizes and hashes the customer identifiers and
// dates found in uploaded transaction files.
//
// Every function is pure and reports failure with a false second result;
// nothing here returns an error or panics on bad input.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s's UTF-8 bytes.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail trims and lowercases raw. The result must contain an "@"
// and the domain part (after the last "@") must contain a ".".
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", false
	}
	if !strings.Contains(email[at+1:], ".") {
		return "", false
	}
	return email, true
}

// HashEmail normalizes raw and returns its SHA-256 hex digest.
func HashEmail(raw string) (string, bool) {
	email, ok := NormalizeEmail(raw)
	if !ok {
		return "", false
	}
	return SHA256Hex(email), true
}

// NormalizePhone returns raw as E.164 digits (country code included, no
// leading "+"). Numbers starting with "+" are parsed as international;
// anything else is read as a national number of defaultRegion. A number the
// numbering plan rejects is never sent.
//
// When the parser cannot read the input at all, a digits-only fallback
// applies: a single leading national prefix on a number of at least ten
// digits is replaced by the region's country code, and digits already
// starting with the country code are kept.
func NormalizePhone(raw, defaultRegion string) (string, bool) {
	phone := strings.TrimSpace(raw)
	if phone == "" {
		return "", false
	}
	region := strings.ToUpper(strings.TrimSpace(defaultRegion))

	parseRegion := region
	if strings.HasPrefix(phone, "+") {
		parseRegion = ""
	}
	num, err := phonenumbers.Parse(phone, parseRegion)
	if err == nil {
		if !phonenumbers.IsValidNumber(num) {
			return "", false
		}
		return digitsOnly(phonenumbers.Format(num, phonenumbers.E164)), true
	}

	return fallbackPhone(phone, region)
}

// HashPhone normalizes raw and returns the SHA-256 hex digest of its digits.
func HashPhone(raw, defaultRegion string) (string, bool) {
	digits, ok := NormalizePhone(raw, defaultRegion)
	if !ok {
		return "", false
	}
	return SHA256Hex(digits), true
}

func fallbackPhone(phone, region string) (string, bool) {
	code := phonenumbers.GetCountryCodeForRegion(region)
	if code == 0 {
		return "", false
	}
	cc := strconv.Itoa(code)
	digits := digitsOnly(phone)

	prefix := phonenumbers.GetNddPrefixForRegion(region, true)
	if prefix != "" && len(digits) >= 10 &&
		strings.HasPrefix(digits, prefix) && !strings.HasPrefix(digits, prefix+prefix) {
		return cc + digits[len(prefix):], true
	}
	if strings.HasPrefix(digits, cc) {
		return digits, true
	}
	return "", false
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
