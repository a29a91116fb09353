package safety

import (
	"regexp"
	"strconv"
	"strings"
)

// Placeholders substituted for redacted spans.
const (
	EmailPlaceholder      = "[EMAIL REDACTED]"
	CreditCardPlaceholder = "[CREDIT CARD REDACTED]"
	SSNPlaceholder        = "[SSN REDACTED]"
	PhonePlaceholder      = "[PHONE REDACTED]"
	IPPlaceholder         = "[IP REDACTED]"
)

var (
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:4\d{12}(?:\d{3})?|5[1-5]\d{14}|3[47]\d{13}|6(?:011|5\d{2})\d{12}|\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{4})\b`)
	ssnPattern        = regexp.MustCompile(`\b(\d{3})[- ](\d{2})[- ](\d{4})\b`)
	phonePattern      = regexp.MustCompile(`(?:\+?1[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	ipv4Pattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Redact replaces emails, card numbers, social security numbers, phone
// numbers and IPv4 addresses with placeholders. Text outside matched spans
// is left byte-for-byte unchanged.
func Redact(text string) string {
	if text == "" {
		return text
	}
	text = emailPattern.ReplaceAllString(text, EmailPlaceholder)
	text = creditCardPattern.ReplaceAllStringFunc(text, func(m string) string {
		if luhn(m) {
			return CreditCardPlaceholder
		}
		return m
	})
	text = ssnPattern.ReplaceAllStringFunc(text, func(m string) string {
		if validSSN(m) {
			return SSNPlaceholder
		}
		return m
	})
	text = phonePattern.ReplaceAllString(text, PhonePlaceholder)
	text = ipv4Pattern.ReplaceAllStringFunc(text, func(m string) string {
		if validIPv4(m) {
			return IPPlaceholder
		}
		return m
	})
	return text
}

// validSSN rejects area 000, 666 and 9xx, group 00 and serial 0000.
func validSSN(m string) bool {
	parts := ssnPattern.FindStringSubmatch(m)
	if len(parts) != 4 {
		return false
	}
	area, group, serial := parts[1], parts[2], parts[3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

// luhn reports whether the digits of m pass the Luhn checksum. Separators
// are skipped.
func luhn(m string) bool {
	sum, n := 0, 0
	for i := len(m) - 1; i >= 0; i-- {
		c := m[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

func validIPv4(m string) bool {
	for _, octet := range strings.Split(m, ".") {
		n, err := strconv.Atoi(octet)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}
