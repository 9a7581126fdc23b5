package validate

import (
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/vvpay/vvpay/internal/models"
)

// ReferenceLookup resolves the authoritative record for a provider in a
// period. Implementations must serve a single consistent snapshot per engine
// call; the engine never sees two different reference states in one verdict.
type ReferenceLookup interface {
	Lookup(cnpj, competence string) (*models.ReferenceRecord, bool)
}

// Config holds the matching tolerances. Defaults are documented per field.
type Config struct {
	// AbsTolerance is the allowed absolute deviation in BRL between the
	// extracted and expected amount (default "0.10"). Covers rounding drift
	// between what the invoice shows and what the meta table records.
	AbsTolerance string
	// RelTolerance is the allowed deviation as a fraction of the expected
	// amount (default "0", disabled). The effective band is the larger of
	// the two tolerances.
	RelTolerance string
	// ConfidenceFloor is the extractor confidence below which warning
	// discrepancies weigh double in the match confidence (default 0.60).
	// A low score never blocks by itself.
	ConfidenceFloor float64
}

type resolvedConfig struct {
	absTol          decimal.Decimal
	relTol          decimal.Decimal
	confidenceFloor float64
}

func (c Config) resolve() resolvedConfig {
	r := resolvedConfig{
		absTol:          decimal.RequireFromString("0.10"),
		relTol:          decimal.Zero,
		confidenceFloor: 0.60,
	}
	if d, err := decimal.NewFromString(c.AbsTolerance); err == nil && !d.IsNegative() {
		r.absTol = d
	}
	if d, err := decimal.NewFromString(c.RelTolerance); err == nil && !d.IsNegative() {
		r.relTol = d
	}
	if c.ConfidenceFloor > 0 && c.ConfidenceFloor <= 1 {
		r.confidenceFloor = c.ConfidenceFloor
	}
	return r
}

// Engine compares extraction candidates against the reference table. It is
// pure: no I/O, no mutation, deterministic for a given candidate and
// snapshot, so re-validation against refreshed reference data is always safe.
type Engine struct {
	config resolvedConfig
}

func NewEngine(config Config) *Engine {
	return &Engine{config: config.resolve()}
}

const warningWeight = 0.15

// Validate produces the verdict for one candidate. The verdict passes iff no
// blocking discrepancy exists; warning-only verdicts pass but keep their
// discrepancies visible for review.
func (e *Engine) Validate(candidate *models.ExtractionCandidate, refs ReferenceLookup) *models.ValidationVerdict {
	verdict := &models.ValidationVerdict{
		DocumentID:       candidate.DocumentID,
		CandidateVersion: candidate.Version,
		ValidatedAt:      time.Now().UTC(),
	}

	cnpj := candidate.CNPJ
	if normalized, err := models.NormalizeCNPJ(cnpj); err == nil {
		cnpj = normalized
	}

	ref, ok := refs.Lookup(cnpj, candidate.Competence)
	if !ok {
		verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
			Field:    "reference",
			Actual:   cnpj + "/" + candidate.Competence,
			Severity: models.SeverityBlocking,
			Reason:   models.ReasonNoMatchingRecord,
		})
		return finish(verdict, candidate, e.config)
	}
	verdict.ReferenceID = ref.ID

	if !ref.Active {
		verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
			Field:    "reference",
			Actual:   ref.CNPJ,
			Severity: models.SeverityBlocking,
			Reason:   models.ReasonInactiveProvider,
		})
	}

	// Exact match after normalization on both sides; cosmetic formatting
	// differences are not discrepancies.
	refCNPJ := ref.CNPJ
	if normalized, err := models.NormalizeCNPJ(refCNPJ); err == nil {
		refCNPJ = normalized
	}
	if cnpj != refCNPJ {
		verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
			Field:    "cnpj",
			Expected: refCNPJ,
			Actual:   cnpj,
			Severity: models.SeverityBlocking,
			Reason:   models.ReasonCNPJMismatch,
		})
	}

	e.compareAmount(verdict, candidate, ref)
	e.comparePayee(verdict, candidate, ref)

	if ref.PaymentType != "" && candidate.PaymentType != ref.PaymentType {
		verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
			Field:    "payment_type",
			Expected: string(ref.PaymentType),
			Actual:   string(candidate.PaymentType),
			Severity: models.SeverityWarning,
			Reason:   "payment_type_mismatch",
		})
	}

	return finish(verdict, candidate, e.config)
}

func (e *Engine) compareAmount(verdict *models.ValidationVerdict, candidate *models.ExtractionCandidate, ref *models.ReferenceRecord) {
	actual, errA := decimal.NewFromString(candidate.Amount)
	expected, errB := decimal.NewFromString(ref.ExpectedAmount)
	if errA != nil || errB != nil {
		verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
			Field:    "amount",
			Expected: ref.ExpectedAmount,
			Actual:   candidate.Amount,
			Severity: models.SeverityBlocking,
			Reason:   models.ReasonMalformedAmount,
		})
		return
	}

	// Effective band is the larger of the absolute and relative tolerances.
	// A deviation exactly at the band passes; one unit beyond fails.
	tolerance := e.config.absTol
	if rel := e.config.relTol.Mul(expected.Abs()); rel.GreaterThan(tolerance) {
		tolerance = rel
	}
	if actual.Sub(expected).Abs().GreaterThan(tolerance) {
		verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
			Field:    "amount",
			Expected: ref.ExpectedAmount,
			Actual:   candidate.Amount,
			Severity: models.SeverityBlocking,
			Reason:   models.ReasonAmountMismatch,
		})
	}
}

func (e *Engine) comparePayee(verdict *models.ValidationVerdict, candidate *models.ExtractionCandidate, ref *models.ReferenceRecord) {
	if ref.ExpectedPayee == "" {
		return
	}
	got := normalizeName(candidate.PayeeName)
	want := normalizeName(ref.ExpectedPayee)
	if got == want || strings.Contains(got, want) || strings.Contains(want, got) {
		return
	}
	limit := len(want) / 5
	if limit < 2 {
		limit = 2
	}
	if levenshtein(got, want) <= limit {
		return
	}
	verdict.Discrepancies = append(verdict.Discrepancies, models.Discrepancy{
		Field:    "payee_name",
		Expected: ref.ExpectedPayee,
		Actual:   candidate.PayeeName,
		Severity: models.SeverityWarning,
		Reason:   models.ReasonPayeeMismatch,
	})
}

func finish(verdict *models.ValidationVerdict, candidate *models.ExtractionCandidate, cfg resolvedConfig) *models.ValidationVerdict {
	verdict.Passed = !verdict.Blocking()

	weight := warningWeight
	if candidate.Confidence < cfg.confidenceFloor {
		// Low extractor confidence amplifies how much each warning erodes
		// the match confidence; it never blocks on its own.
		weight *= 2
	}
	confidence := 1.0
	for _, d := range verdict.Discrepancies {
		switch d.Severity {
		case models.SeverityBlocking:
			confidence = 0
		case models.SeverityWarning:
			confidence -= weight
		}
	}
	if confidence < 0 {
		confidence = 0
	}
	verdict.MatchConfidence = confidence
	return verdict
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeName lowercases, folds diacritics and collapses whitespace so
// "JOÃO  da Silva" and "Joao da silva" compare equal.
func normalizeName(s string) string {
	if folded, _, err := transform.String(diacriticStripper, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
