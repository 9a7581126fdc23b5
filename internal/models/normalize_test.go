package models

import "testing"

func TestNormalizeCNPJ(t *testing.T) {
	got, err := NormalizeCNPJ("12.345.678/0001-99")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "12345678000199" {
		t.Fatalf("got %q", got)
	}

	plain, err := NormalizeCNPJ("12345678000199")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain != got {
		t.Fatalf("formatted and plain forms should normalize identically: %q vs %q", got, plain)
	}
}

func TestNormalizeCNPJRejectsWrongLength(t *testing.T) {
	for _, raw := range []string{"", "123", "123.456.789-00", "123456780001990"} {
		if _, err := NormalizeCNPJ(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNormalizeCompetence(t *testing.T) {
	cases := map[string]string{
		"03/2025":  "2025-03",
		"12/2024":  "2024-12",
		"2025-03":  "2025-03",
		" 03/2025": "2025-03",
	}
	for raw, want := range cases {
		got, err := NormalizeCompetence(raw)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%q: got %q, want %q", raw, got, want)
		}
	}

	for _, raw := range []string{"13/2025", "march 2025", "2025/03", ""} {
		if _, err := NormalizeCompetence(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseAmount(t *testing.T) {
	cases := map[string]string{
		"1234.56":     "1234.56",
		"R$ 1.234,56": "1234.56",
		"1.234,56":    "1234.56",
		"1234,5":      "1234.50",
		"999":         "999.00",
	}
	for raw, want := range cases {
		d, err := ParseAmount(raw)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", raw, err)
		}
		if got := CanonicalAmount(d); got != want {
			t.Fatalf("%q: got %q, want %q", raw, got, want)
		}
	}
}

func TestParseAmountRejectsNonPositive(t *testing.T) {
	for _, raw := range []string{"0", "-12.50", "R$ -1,00", "abc", ""} {
		if _, err := ParseAmount(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusConfirmed, StatusRejected, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	active := []Status{StatusUploaded, StatusExtracting, StatusExtracted, StatusValidating, StatusValidated, StatusPaymentScheduled, StatusNeedsRetry}
	for _, s := range active {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
