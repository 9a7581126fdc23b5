package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizeCNPJ strips punctuation from a CNPJ and verifies it has exactly
// 14 digits. "12.345.678/0001-99" and "12345678000199" normalize to the same
// join key.
func NormalizeCNPJ(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) != 14 {
		return "", fmt.Errorf("CNPJ must have 14 digits, got %d in %q", len(digits), raw)
	}
	return digits, nil
}

// NormalizeCompetence converts a competence period to canonical "YYYY-MM".
// Accepts "MM/YYYY" (the format invoices carry) and "YYYY-MM" as-is.
func NormalizeCompetence(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse("01/2006", raw); err == nil {
		return t.Format("2006-01"), nil
	}
	if t, err := time.Parse("2006-01", raw); err == nil {
		return t.Format("2006-01"), nil
	}
	return "", fmt.Errorf("invalid competence period %q, expected MM/YYYY", raw)
}

// ParseAmount converts a monetary string to a decimal. It tolerates the
// Brazilian formatting that shows up in model output: an "R$" prefix,
// thousands dots and a decimal comma.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if d.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("amount must be positive, got %q", raw)
	}
	return d, nil
}

// CanonicalAmount renders a decimal in the fixed-point form persisted to
// Firestore.
func CanonicalAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}
