// Package redact scrubs sensitive spans from lesson text before storage.
// Each detected span is replaced with a typed sentinel of the form
// [REDACTED:<label>]. Layers run in a fixed order so that higher-entropy
// patterns win over overlapping weaker ones.
package redact

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Pattern is a caller-supplied redaction rule applied after the built-in
// layers.
type Pattern struct {
	Regex string
	Label string
}

var (
	creditCardRe = regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{1,7}\b`)

	apiKeyRe = regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}|\bAKIA[A-Z0-9]{16}\b|\bgh[psor]_[A-Za-z0-9]{36,}|\bxox[bp]-[A-Za-z0-9\-]{10,}`)

	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Optional country code, optional area/prefix group, then two 3-4 digit
	// chunks. The leading and trailing capture groups guard digit boundaries
	// so longer digit runs never match.
	phoneRe = regexp.MustCompile(`(^|[^\d])((?:\+\d{1,3}[\s\-]?)?(?:\(\d{1,4}\)[\s\-]?|\d{1,4}[\s\-])?\d{3,4}[\s\-]\d{3,4})([^\d]|$)`)

	ipv4Re = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Candidate IPv6 spans, standard and compressed forms. Each candidate is
	// validated with net.ParseIP before redaction.
	ipv6Re = regexp.MustCompile(`[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7}`)
)

// Pipeline applies the built-in redaction layers plus any custom patterns.
// A Pipeline is stateless and safe for concurrent use.
type Pipeline struct {
	custom []customLayer
}

type customLayer struct {
	re       *regexp.Regexp
	sentinel string
}

// New compiles a redaction pipeline. Custom pattern compilation errors
// surface here, never at Run time.
func New(custom ...Pattern) (*Pipeline, error) {
	p := &Pipeline{}
	for _, c := range custom {
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return nil, fmt.Errorf("compile redaction pattern %q: %w", c.Regex, err)
		}
		p.custom = append(p.custom, customLayer{re: re, sentinel: sentinel(c.Label)})
	}
	return p, nil
}

// Run scrubs text through every layer and returns the redacted result.
// Run never fails.
func (p *Pipeline) Run(text string) string {
	text = redactCreditCards(text)
	text = apiKeyRe.ReplaceAllString(text, sentinel("api_key"))
	text = emailRe.ReplaceAllString(text, sentinel("email"))
	text = phoneRe.ReplaceAllString(text, "${1}"+sentinel("phone")+"${3}")
	text = redactIPv4(text)
	text = redactIPv6(text)
	for _, c := range p.custom {
		text = c.re.ReplaceAllString(text, c.sentinel)
	}
	return text
}

var defaultPipeline = &Pipeline{}

// Redact runs the default pipeline (built-in layers only).
func Redact(text string) string {
	return defaultPipeline.Run(text)
}

func sentinel(label string) string {
	return "[REDACTED:" + label + "]"
}

// redactCreditCards replaces candidate card numbers whose digit-only length
// is 13-19 and which pass the Luhn check. Non-passing candidates are left
// intact so they remain visible to the phone layer.
func redactCreditCards(text string) string {
	return creditCardRe.ReplaceAllStringFunc(text, func(match string) string {
		digits := stripNonDigits(match)
		if len(digits) < 13 || len(digits) > 19 {
			return match
		}
		if !luhnValid(digits) {
			return match
		}
		return sentinel("credit_card")
	})
}

func stripNonDigits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// luhnValid runs the mod-10 checksum over a digit string.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// redactIPv4 validates each dotted-quad candidate per octet (0-255).
// Out-of-range candidates like 999.999.999.999 are left intact.
func redactIPv4(text string) string {
	return ipv4Re.ReplaceAllStringFunc(text, func(match string) string {
		for _, octet := range strings.Split(match, ".") {
			n, err := strconv.Atoi(octet)
			if err != nil || n > 255 {
				return match
			}
		}
		return sentinel("ip_address")
	})
}

// redactIPv6 validates each colon-separated candidate with net.ParseIP,
// which accepts standard and compressed forms including ::1.
func redactIPv6(text string) string {
	return ipv6Re.ReplaceAllStringFunc(text, func(match string) string {
		ip := net.ParseIP(match)
		if ip == nil || !strings.Contains(match, ":") {
			return match
		}
		return sentinel("ip_address")
	})
}
