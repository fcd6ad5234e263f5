// Package parser turns scraped price text into numbers.
package parser

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// FormatError indicates price text that does not hold a usable number.
type FormatError struct {
	Raw    string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("price %q: %s", e.Raw, e.Reason)
}

var currencyReplacer = strings.NewReplacer(
	"\u20ac", "",
	"EUR", "",
	"\u00a3", "",
	"$", "",
	" ", "",
	"\n", "",
	"\t", "",
)

// plainNumber is what a price must look like once separators are normalized.
var plainNumber = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// NormalizePrice removes currency symbols and whitespace and parses the rest,
// accepting a comma as decimal separator.
func NormalizePrice(raw string) (float64, error) {
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, "\u00a0", " "))
	cleaned = currencyReplacer.Replace(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return 0, &FormatError{Raw: raw, Reason: "empty"}
	}

	cleaned = normalizeSeparators(cleaned)
	cleaned = strings.TrimSpace(cleaned)

	if !plainNumber.MatchString(cleaned) {
		return 0, &FormatError{Raw: raw, Reason: "not numeric"}
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, &FormatError{Raw: raw, Reason: "not numeric"}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, &FormatError{Raw: raw, Reason: "not finite"}
	}
	if value < 0 {
		return 0, &FormatError{Raw: raw, Reason: "negative"}
	}
	return value, nil
}

// normalizeSeparators maps "7,95" to "7.95", "1.234,56" to "1234.56" and
// "1,234.56" to "1234.56".
func normalizeSeparators(s string) string {
	comma := strings.LastIndex(s, ",")
	if comma < 0 {
		return s
	}
	dot := strings.LastIndex(s, ".")
	if dot > comma {
		return strings.ReplaceAll(s, ",", "")
	}
	if dot >= 0 {
		s = strings.ReplaceAll(s, ".", "")
	}
	return strings.Replace(s, ",", ".", 1)
}

// FirstLine returns the first non-blank line of text, trimmed.
func FirstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
