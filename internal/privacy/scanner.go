package privacy

import (
	"regexp"
	"strings"
)

// ScanResult is the outcome of scanning free text for PII.
type ScanResult struct {
	Detected bool
	// Flags names the pattern classes that matched, e.g. "email", "phone".
	Flags []string
}

// Details returns a short diagnostic string of the matched pattern names.
// The matched text itself is never surfaced: it may be the PII.
func (r ScanResult) Details() string {
	return strings.Join(r.Flags, ", ")
}

// Scanner checks free-text fields for PII patterns before they reach any
// durable store. It runs on the device at capture time and again server-side
// at ingestion as defense-in-depth.
type Scanner struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

// NewScanner creates a Scanner with the default PII patterns.
func NewScanner() *Scanner {
	s := &Scanner{}
	s.loadDefaultPatterns()
	return s
}

// Scan checks a single text field for PII patterns.
func (s *Scanner) Scan(text string) ScanResult {
	if text == "" {
		return ScanResult{}
	}

	var flags []string
	for _, p := range s.patterns {
		if p.regex.MatchString(text) {
			flags = append(flags, p.name)
		}
	}

	if len(flags) == 0 {
		return ScanResult{}
	}
	return ScanResult{Detected: true, Flags: flags}
}

// ScanAll checks every field and merges the results.
func (s *Scanner) ScanAll(fields []string) ScanResult {
	seen := make(map[string]bool)
	var flags []string
	for _, f := range fields {
		res := s.Scan(f)
		for _, flag := range res.Flags {
			if !seen[flag] {
				seen[flag] = true
				flags = append(flags, flag)
			}
		}
	}
	if len(flags) == 0 {
		return ScanResult{}
	}
	return ScanResult{Detected: true, Flags: flags}
}

func (s *Scanner) loadDefaultPatterns() {
	rawPatterns := []struct {
		name    string
		pattern string
	}{
		// Email addresses
		{"email", `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},

		// Phone numbers: international, dashed, dotted, parenthesized forms.
		// Requires three digit groups so ISO dates don't trip it.
		{"phone", `(\+?\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{2,4}\b`},
		{"phone_plain", `\+\d{9,15}\b`},

		// Street addresses: "123 Maple Street", "45 Oak Ave."
		{"street_address", `(?i)\b\d{1,5}\s+[A-Za-z][A-Za-z\s]{1,30}\s(street|st\.?|avenue|ave\.?|road|rd\.?|boulevard|blvd\.?|lane|ln\.?|drive|dr\.?|court|ct\.?)\b`},

		// Full names: two capitalized words with an honorific, or an
		// explicit "name:" label. Bare capitalized pairs are too noisy for
		// educational tags ("Group Discussion"), so the net is deliberately
		// narrower here.
		{"full_name", `\b(Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+[A-Z][a-z]+(\s+[A-Z][a-z]+)?\b`},
		{"name_label", `(?i)\b(name|student|child)\s*[:=]\s*[A-Z][a-z]+`},

		// Government-style identifiers
		{"ssn", `\b\d{3}-\d{2}-\d{4}\b`},
	}

	s.patterns = make([]compiledPattern, 0, len(rawPatterns))
	for _, rp := range rawPatterns {
		s.patterns = append(s.patterns, compiledPattern{
			name:  rp.name,
			regex: regexp.MustCompile(rp.pattern),
		})
	}
}
