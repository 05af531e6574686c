package core_domain

import "strings"

// NormalizeE164 shapes a dialable number into E.164. Bare 10-digit numbers
// and 11-digit numbers starting with 1 are treated as NANP. Anything already
// carrying a "+" keeps its country code. Formatting characters are stripped.
func NormalizeE164(number string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		return ""
	}

	hadPlus := strings.HasPrefix(number, "+")
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return ""
	}

	if hadPlus {
		return "+" + d
	}
	switch {
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && d[0] == '1':
		return "+" + d
	default:
		return "+" + d
	}
}

// LookupVariants returns the string forms under which a number should be
// findable: the E.164 form, the digits with country code, and the bare
// national digits. Storing all variants makes dictionary lookups succeed for
// "+1555…", "1555…" and "(555)…" alike.
func LookupVariants(number string) []string {
	e164 := NormalizeE164(number)
	if e164 == "" {
		return nil
	}
	digits := strings.TrimPrefix(e164, "+")

	variants := []string{e164, digits}
	if strings.HasPrefix(digits, "1") && len(digits) == 11 {
		variants = append(variants, digits[1:])
	}
	return variants
}

// ApplyChannel prefixes a normalized number for non-SMS channels, e.g.
// channel "whatsapp" turns "+15551234567" into "whatsapp:+15551234567".
// An empty or "sms" channel returns the number unchanged.
func ApplyChannel(e164, channel string) string {
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "", "sms":
		return e164
	default:
		return strings.ToLower(channel) + ":" + e164
	}
}

// StripChannel removes a channel prefix, returning the bare number.
func StripChannel(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return addr
}
