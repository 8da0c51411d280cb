package admission

import (
	"fmt"
	"regexp"
)

// maxParamLength bounds any single query/body parameter.
const maxParamLength = 256

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(union\s+select|insert\s+into|drop\s+table|delete\s+from|'\s*or\s+'?1'?\s*=\s*'?1|;\s*--|\bexec\s*\()`)
	xssPattern          = regexp.MustCompile(`(?i)(<\s*script|javascript\s*:|on(error|load|click)\s*=|<\s*iframe|data\s*:\s*text/html)`)
	symbolPattern       = regexp.MustCompile(`^[A-Za-z0-9\-_/]{1,20}$`)
)

// symbolParams are the query parameters held to the symbol charset.
var symbolParams = map[string]bool{
	"symbol": true, "symbols": true, "pair": true, "instid": true,
}

// ValidateParam rejects oversized values and known injection signatures.
func ValidateParam(name, value string) error {
	if len(value) > maxParamLength {
		return fmt.Errorf("parameter %s exceeds %d characters", name, maxParamLength)
	}
	if sqlInjectionPattern.MatchString(value) {
		return fmt.Errorf("parameter %s contains a blocked SQL pattern", name)
	}
	if xssPattern.MatchString(value) {
		return fmt.Errorf("parameter %s contains a blocked script pattern", name)
	}
	return nil
}

// ValidateSymbol enforces the symbol charset and length.
func ValidateSymbol(s string) error {
	if !symbolPattern.MatchString(s) {
		return fmt.Errorf("symbol %q is not a valid instrument id", s)
	}
	return nil
}

// SuspiciousInput reports whether any value carries an injection signature.
// Callers use it to separate probing from plain malformed input.
func SuspiciousInput(values ...string) bool {
	for _, v := range values {
		if sqlInjectionPattern.MatchString(v) || xssPattern.MatchString(v) {
			return true
		}
	}
	return false
}
