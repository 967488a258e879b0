package layout

import (
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CellNormalizer maps a raw cell to its canonical form.
type CellNormalizer interface {
	Normalize(cell string) string
}

// DefaultNormalizer removes representation noise from cells:
//   - surrounding whitespace and CRLF line endings
//   - integer formatting (leading zeros, explicit plus sign)
//   - decimal formatting (trailing zeros, exponent notation)
//   - ISO 8601 timestamps with offsets (rendered in UTC)
//   - boolean casing
type DefaultNormalizer struct {
	rules []*cellRule
}

type cellRule struct {
	regex *regexp.Regexp
	apply func(string) (string, bool)
}

// NewDefaultNormalizer creates a normalizer with the standard rules.
func NewDefaultNormalizer() *DefaultNormalizer {
	return &DefaultNormalizer{
		rules: []*cellRule{
			// Integers: 42, +42, 0042, -7
			{
				regex: regexp.MustCompile(`^[+-]?\d+$`),
				apply: normalizeInteger,
			},
			// Decimals: 1.50, .5, 1e3, -2.5E-04
			{
				regex: regexp.MustCompile(`^[+-]?(\d+\.\d*|\.\d+|\d+)([eE][+-]?\d+)?$`),
				apply: normalizeDecimal,
			},
			// ISO 8601 timestamps: 2024-12-13T10:30:45Z, 2024-12-13T10:30:45.123+02:00
			{
				regex: regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`),
				apply: normalizeTimestamp,
			},
			// Booleans in any casing.
			{
				regex: regexp.MustCompile(`^(?i:true|false)$`),
				apply: func(s string) (string, bool) { return strings.ToLower(s), true },
			},
		},
	}
}

// Normalize applies the first matching rule to the trimmed cell.
func (n *DefaultNormalizer) Normalize(cell string) string {
	s := strings.TrimSpace(strings.ReplaceAll(cell, "\r\n", "\n"))
	for _, r := range n.rules {
		if !r.regex.MatchString(s) {
			continue
		}
		if out, ok := r.apply(s); ok {
			return out
		}
	}
	return s
}

func normalizeInteger(s string) (string, bool) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "+"), 10)
	if !ok {
		return "", false
	}
	return v.String(), true
}

func normalizeDecimal(s string) (string, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", false
	}
	if f == 0 {
		// Collapse -0 and 0.000 to one form.
		return "0", true
	}
	if a := math.Abs(f); a >= 1e-6 && a < 1e15 {
		// Integral decimals render like integers so 40 and 40.0 agree.
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}

func normalizeTimestamp(s string) (string, bool) {
	t, err := time.Parse(time.RFC3339Nano, strings.Replace(s, " ", "T", 1))
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339Nano), true
}

// RawNormalizer performs no normalization, preserving cells exactly.
type RawNormalizer struct{}

// Normalize returns cell unchanged.
func (RawNormalizer) Normalize(cell string) string { return cell }
