package policy

import "regexp"

// Interview audio routinely captures spoken contact details and payment card
// numbers. Live session transcripts keep the raw text; anything written to
// durable archive storage goes through RedactPII first.

type piiRule struct {
	marker string
	re     *regexp.Regexp
}

// Card runs before phone so long digit runs are not half-claimed as phone
// numbers.
var piiRules = []piiRule{
	{"[REDACTED_EMAIL]", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"[REDACTED_CARD]", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"[REDACTED_PHONE]", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)},
}

// RedactPII masks common high-risk PII patterns in transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range piiRules {
		next := rule.re.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
