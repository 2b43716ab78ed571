package extract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperspark/spark/internal/canonical"
)

// The text engine is deliberately bilingual: German invoices dominate the
// paperless installs this pipeline grew up with, English covers the rest.

var (
	amountToken = regexp.MustCompile(`\d{1,3}(?:[.,\s\x{a0}]\d{3})*[.,]\d{2}\b`)

	isoDateToken    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dottedDateToken = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	slashDateToken  = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

	invoiceNumberToken = regexp.MustCompile(`(?i)(?:rechnungs?\s*-?\s*(?:nr|nummer)\.?|invoice\s*(?:no|number|#)\.?|belegnummer)\s*:?\s*([A-Za-z0-9][A-Za-z0-9/_.-]*)`)

	currencyCodeToken = regexp.MustCompile(`\b(EUR|USD|GBP|CHF)\b`)

	refundToken = regexp.MustCompile(`(?i)\b(gutschrift|erstattung|credit\s+note|refund)\b`)
)

// Strong labels name the final payable amount; weak labels are ambiguous
// (subtotals use them too) and only count when nothing stronger appears.
var (
	strongAmountLabels = []string{
		"gesamtbetrag", "endbetrag", "rechnungsbetrag", "zu zahlen",
		"zahlbetrag", "grand total", "total due", "amount due", "balance due",
		"total amount",
	}
	weakAmountLabels = []string{"gesamtsumme", "summe", "betrag", "total", "amount"}

	strongDateLabels = []string{"rechnungsdatum", "belegdatum", "invoice date"}
	weakDateLabels   = []string{"datum", "date", "issued"}
	dueDateLabels = []string{
		"fälligkeitsdatum", "fällig am", "fällig", "zahlbar bis",
		"zahlungsziel", "due date", "payment due", "payable by",
	}
	taxLabels = []string{"mehrwertsteuer", "mwst", "ust", "umsatzsteuer", "vat", "tax"}
)

// Symbol checks run in a fixed order so mixed-currency text resolves the
// same way every time.
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"€", "EUR"},
	{"£", "GBP"},
	{"$", "USD"},
}

// parseAmount converts one matched token into a decimal. The last
// separator is taken as the decimal point; everything else is grouping.
func parseAmount(token string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', ' ':
			return -1
		}
		return r
	}, token)

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	sep := lastDot
	if lastComma > sep {
		sep = lastComma
	}
	var b strings.Builder
	for i, r := range s {
		switch r {
		case '.', ',':
			if i == sep {
				b.WriteByte('.')
			}
		default:
			b.WriteRune(r)
		}
	}
	return decimal.NewFromString(b.String())
}

// findLabelledAmount scans line by line for a labelled total. It returns
// the amount, whether anything was found, and whether the label was one
// of the strong final-total forms. Later strong lines win over earlier
// ones so the payable line at the bottom of an invoice beats subtotals.
func findLabelledAmount(text string) (decimal.Decimal, bool, bool) {
	var (
		strongAmt, weakAmt   decimal.Decimal
		haveStrong, haveWeak bool
	)
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		token := amountToken.FindString(line)
		if token == "" {
			continue
		}
		amt, err := parseAmount(token)
		if err != nil {
			continue
		}
		if containsAny(lower, strongAmountLabels) {
			strongAmt, haveStrong = amt, true
			continue
		}
		if containsAny(lower, weakAmountLabels) && !haveWeak {
			weakAmt, haveWeak = amt, true
		}
	}
	if haveStrong {
		return strongAmt, true, true
	}
	if haveWeak {
		return weakAmt, true, false
	}
	return decimal.Zero, false, false
}

// findLargestAmount returns the biggest parseable amount in the text.
func findLargestAmount(text string) (decimal.Decimal, bool) {
	best := decimal.Zero
	found := false
	for _, token := range amountToken.FindAllString(text, -1) {
		amt, err := parseAmount(token)
		if err != nil {
			continue
		}
		if !found || amt.GreaterThan(best) {
			best, found = amt, true
		}
	}
	return best, found
}

// findInvoiceDate prefers explicitly named invoice-date lines; generic
// date labels only count when no specific one matches, so a delivery
// date line cannot shadow the invoice date.
func findInvoiceDate(text string) (string, bool) {
	if date, ok := findLabelledDate(text, strongDateLabels); ok {
		return date, true
	}
	return findLabelledDate(text, weakDateLabels)
}

// findLabelledDate looks for a date on a line carrying one of the given
// labels; ok is false when no labelled line has a parseable date.
func findLabelledDate(text string, labels []string) (string, bool) {
	for _, line := range strings.Split(text, "\n") {
		if !containsAny(strings.ToLower(line), labels) {
			continue
		}
		if date, ok := firstDate(line); ok {
			return date, true
		}
	}
	return "", false
}

// firstDate returns the first parseable date in the text, normalized to
// YYYY-MM-DD. Dotted and slashed forms are read day-first.
func firstDate(text string) (string, bool) {
	if m := isoDateToken.FindStringSubmatch(text); m != nil {
		if d, ok := normalizeDate(m[1], m[2], m[3]); ok {
			return d, true
		}
	}
	if m := dottedDateToken.FindStringSubmatch(text); m != nil {
		if d, ok := normalizeDate(m[3], m[2], m[1]); ok {
			return d, true
		}
	}
	if m := slashDateToken.FindStringSubmatch(text); m != nil {
		day, month := m[1], m[2]
		// A first component above 12 can only be a day; a second above
		// 12 forces month-first input.
		if len(month) > 0 && atoi(month) > 12 {
			day, month = month, day
		}
		if d, ok := normalizeDate(m[3], month, day); ok {
			return d, true
		}
	}
	return "", false
}

func normalizeDate(year, month, day string) (string, bool) {
	s := fmt.Sprintf("%04d-%02d-%02d", atoi(year), atoi(month), atoi(day))
	if _, err := time.Parse(canonical.DateLayout, s); err != nil {
		return "", false
	}
	return s, true
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// findInvoiceNumber extracts a labelled invoice number.
func findInvoiceNumber(text string) (string, bool) {
	m := invoiceNumberToken.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimRight(m[1], ".-"), true
}

// findTaxAmount returns the amount on the first tax-labelled line.
func findTaxAmount(text string) (decimal.Decimal, bool) {
	for _, line := range strings.Split(text, "\n") {
		if !containsAny(strings.ToLower(line), taxLabels) {
			continue
		}
		token := amountToken.FindString(line)
		if token == "" {
			continue
		}
		if amt, err := parseAmount(token); err == nil {
			return amt, true
		}
	}
	return decimal.Zero, false
}

// detectCurrency returns the ISO code of the first currency marker.
func detectCurrency(text string) (string, bool) {
	for _, c := range currencySymbols {
		if strings.Contains(text, c.symbol) {
			return c.code, true
		}
	}
	if m := currencyCodeToken.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

func isRefund(text string) bool {
	return refundToken.MatchString(text)
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
